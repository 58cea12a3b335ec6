// Package model defines the value types exchanged between the data layer,
// its caches and the HTTP API.
package model

import (
	"github.com/goccy/go-json"
)

// VariableType selects one of the three variable families.
type VariableType string

const (
	TypeCategoryObs    VariableType = "category_obs"
	TypeContinuousObs  VariableType = "continuous_obs"
	TypeGeneExpression VariableType = "gene_expression"
)

// Valid reports whether t names a known variable family.
func (t VariableType) Valid() bool {
	switch t {
	case TypeCategoryObs, TypeContinuousObs, TypeGeneExpression:
		return true
	}
	return false
}

// Kind is the value kind of a field.
type Kind string

const (
	KindCategory   Kind = "category"
	KindContinuous Kind = "continuous"
)

// VariableInfo is a snapshot of one field's header metadata.
type VariableInfo struct {
	Key        string   `json:"key"`
	Kind       Kind     `json:"kind"`
	Categories []string `json:"categories,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	Mean       *float64 `json:"mean,omitempty"`
	Loaded     bool     `json:"loaded"`
	FieldIndex int      `json:"field_index"`
	IsGene     bool     `json:"is_gene"`
}

// PageData is one variable evaluated over one page.
//
// Numbers holds values for continuous variables and Labels for categorical
// ones; exactly one of them is populated and it always has the same length
// and order as CellIndices.
type PageData struct {
	PageID      string       `json:"page_id"`
	PageName    string       `json:"page_name"`
	Variable    VariableInfo `json:"variable"`
	Numbers     []float64    `json:"-"`
	Labels      []string     `json:"-"`
	CellIndices []int        `json:"cell_indices"`
	CellCount   int          `json:"cell_count"`
}

// Categorical reports whether the page data carries decoded labels.
func (p PageData) Categorical() bool {
	return p.Variable.Kind == KindCategory
}

// Len returns the number of retained cells.
func (p PageData) Len() int {
	return len(p.CellIndices)
}

// SizeBytes estimates the memory held by the value and index slices.
func (p PageData) SizeBytes() int64 {
	n := int64(len(p.CellIndices))*8 + int64(len(p.Numbers))*8
	for _, l := range p.Labels {
		n += int64(len(l)) + 16
	}
	return n
}

// MarshalJSON renders the populated value slice under "values".
func (p PageData) MarshalJSON() ([]byte, error) {
	type alias PageData
	var values any = p.Numbers
	if p.Categorical() {
		values = p.Labels
	}
	if values == nil {
		values = []any{}
	}
	return json.Marshal(struct {
		alias
		Values any `json:"values"`
	}{alias(p), values})
}

// Stats summarises the finite numeric values of a page.
// All pointer fields are nil when Count is zero.
type Stats struct {
	Count  int      `json:"count"`
	Min    *float64 `json:"min"`
	Max    *float64 `json:"max"`
	Mean   *float64 `json:"mean"`
	Median *float64 `json:"median"`
	Std    *float64 `json:"std"`
	Q1     *float64 `json:"q1"`
	Q3     *float64 `json:"q3"`
}

// CategoryCount is one row of a category aggregation.
type CategoryCount struct {
	Value      string   `json:"value"`
	Count      int      `json:"count"`
	Percentage *float64 `json:"percentage,omitempty"`
}

// CategoryAggregation lists category counts sorted by descending count.
type CategoryAggregation struct {
	Categories []CategoryCount `json:"categories"`
	Total      int             `json:"total"`
}

// DifferentialResult is the outcome of comparing one gene between two pages.
type DifferentialResult struct {
	Gene           string  `json:"gene"`
	PValue         float64 `json:"p_value"`
	AdjustedPValue float64 `json:"adjusted_p_value"`
	Log2FoldChange float64 `json:"log2_fold_change"`
	MeanA          float64 `json:"mean_a"`
	MeanB          float64 `json:"mean_b"`
	NA             int     `json:"n_a"`
	NB             int     `json:"n_b"`
	Statistic      float64 `json:"statistic"`
	Method         string  `json:"method"`
	Error          string  `json:"error,omitempty"`
}
