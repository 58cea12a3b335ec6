// Package dataset exposes per-cell fields (obs annotations and gene
// expression columns) and the catalog that describes them.
package dataset

import (
	"math"
	"sync"

	"github.com/atlasmap-sc/cellucid/internal/model"
)

// MissingCode marks a categorical cell without a value.
const MissingCode int32 = -1

// Field is one per-cell column. Header data (key, kind, categories) is fixed
// at construction; values are attached once the field is loaded.
type Field struct {
	Key        string
	Kind       model.Kind
	Categories []string
	Index      int
	IsGene     bool

	// Path locates an obs column in the store; Column is the expression
	// matrix column of a gene.
	Path   string
	Column int

	mu      sync.RWMutex
	loaded  bool
	numbers []float32
	codes   []int32
	min     *float64
	max     *float64
	mean    *float64
}

// Loaded reports whether values are attached.
func (f *Field) Loaded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loaded
}

// SetNumbers attaches continuous values and computes the finite range.
func (f *Field) SetNumbers(values []float32) {
	var lo, hi, sum float64
	n := 0
	for _, v := range values {
		x := float64(v)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		if n == 0 || x < lo {
			lo = x
		}
		if n == 0 || x > hi {
			hi = x
		}
		sum += x
		n++
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.numbers = values
	f.codes = nil
	f.loaded = true
	f.min, f.max, f.mean = nil, nil, nil
	if n > 0 {
		mean := sum / float64(n)
		f.min, f.max, f.mean = &lo, &hi, &mean
	}
}

// SetCodes attaches categorical codes.
func (f *Field) SetCodes(codes []int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = codes
	f.numbers = nil
	f.loaded = true
}

// Unload drops attached values.
func (f *Field) Unload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numbers, f.codes = nil, nil
	f.min, f.max, f.mean = nil, nil, nil
	f.loaded = false
}

// SelectNumbers returns the finite values at cells together with the cells
// they came from, in the order given. Missing cells are dropped from both.
func (f *Field) SelectNumbers(cells []int) ([]float64, []int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	values := make([]float64, 0, len(cells))
	kept := make([]int, 0, len(cells))
	for _, c := range cells {
		if c < 0 || c >= len(f.numbers) {
			continue
		}
		x := float64(f.numbers[c])
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		values = append(values, x)
		kept = append(kept, c)
	}
	return values, kept
}

// SelectLabels returns the decoded labels at cells together with the cells
// they came from. Missing codes are dropped from both.
func (f *Field) SelectLabels(cells []int) ([]string, []int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	labels := make([]string, 0, len(cells))
	kept := make([]int, 0, len(cells))
	for _, c := range cells {
		if c < 0 || c >= len(f.codes) || f.codes[c] < 0 {
			continue
		}
		labels = append(labels, f.Label(f.codes[c]))
		kept = append(kept, c)
	}
	return labels, kept
}

// Label decodes a category code. Codes outside the category table decode to
// a synthetic label so bad data stays visible.
func (f *Field) Label(code int32) string {
	if code >= 0 && int(code) < len(f.Categories) {
		return f.Categories[code]
	}
	return UnknownLabel(code)
}

// Len returns the number of cells with attached values.
func (f *Field) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.Kind == model.KindCategory {
		return len(f.codes)
	}
	return len(f.numbers)
}

// SizeBytes estimates the memory held by attached values.
func (f *Field) SizeBytes() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.numbers)+len(f.codes)) * 4
}

// Info returns a snapshot of the field header.
func (f *Field) Info() model.VariableInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info := model.VariableInfo{
		Key:        f.Key,
		Kind:       f.Kind,
		Loaded:     f.loaded,
		FieldIndex: f.Index,
		IsGene:     f.IsGene,
		Min:        f.min,
		Max:        f.max,
		Mean:       f.mean,
	}
	if len(f.Categories) > 0 {
		info.Categories = append([]string(nil), f.Categories...)
	}
	return info
}
