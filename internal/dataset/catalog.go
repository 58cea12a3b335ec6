package dataset

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/atlasmap-sc/cellucid/internal/model"
)

// UnknownLabel is the label rendered for a category code with no entry in the
// category table.
func UnknownLabel(code int32) string {
	return "Unknown (" + strconv.Itoa(int(code)) + ")"
}

// Table is an ordered, append-only list of fields.
type Table struct {
	mu     sync.RWMutex
	fields []*Field
	byKey  map[string]*Field
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{byKey: make(map[string]*Field)}
}

// Append adds a field and assigns its index.
func (t *Table) Append(f *Field) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byKey[f.Key]; ok {
		return fmt.Errorf("duplicate field key: %s", f.Key)
	}
	f.Index = len(t.fields)
	t.fields = append(t.fields, f)
	t.byKey[f.Key] = f
	return nil
}

// Lookup returns the field with the given key.
func (t *Table) Lookup(key string) (*Field, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.byKey[key]
	return f, ok
}

// Fields returns the fields in insertion order.
func (t *Table) Fields() []*Field {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Field(nil), t.fields...)
}

// Len returns the number of fields.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fields)
}

// Catalog is the read view over the obs and gene tables.
type Catalog struct {
	NCells int
	Obs    *Table
	Genes  *Table
}

// NewCatalog creates an empty catalog.
func NewCatalog(nCells int) *Catalog {
	return &Catalog{NCells: nCells, Obs: NewTable(), Genes: NewTable()}
}

// Field resolves a variable to its backing field.
func (c *Catalog) Field(t model.VariableType, key string) (*Field, bool) {
	switch t {
	case model.TypeGeneExpression:
		return c.Genes.Lookup(key)
	case model.TypeCategoryObs:
		f, ok := c.Obs.Lookup(key)
		if !ok || f.Kind != model.KindCategory {
			return nil, false
		}
		return f, true
	case model.TypeContinuousObs:
		f, ok := c.Obs.Lookup(key)
		if !ok || f.Kind != model.KindContinuous {
			return nil, false
		}
		return f, true
	}
	return nil, false
}

// Info returns the variable header. It is recomputed on every call.
func (c *Catalog) Info(t model.VariableType, key string) (model.VariableInfo, bool) {
	f, ok := c.Field(t, key)
	if !ok {
		return model.VariableInfo{}, false
	}
	return f.Info(), true
}

// Available lists the variables of one family in field order.
func (c *Catalog) Available(t model.VariableType) []model.VariableInfo {
	var out []model.VariableInfo
	switch t {
	case model.TypeGeneExpression:
		for _, f := range c.Genes.Fields() {
			out = append(out, f.Info())
		}
	case model.TypeCategoryObs, model.TypeContinuousObs:
		want := model.KindContinuous
		if t == model.TypeCategoryObs {
			want = model.KindCategory
		}
		for _, f := range c.Obs.Fields() {
			if f.Kind == want {
				out = append(out, f.Info())
			}
		}
	}
	return out
}

// LoadedBytes sums the memory held by loaded fields.
func (c *Catalog) LoadedBytes() int64 {
	var total int64
	for _, t := range []*Table{c.Obs, c.Genes} {
		for _, f := range t.Fields() {
			total += f.SizeBytes()
		}
	}
	return total
}

// UnloadAll drops the values of every loaded field and returns the bytes
// released. Fields load again on their next use.
func (c *Catalog) UnloadAll() int64 {
	var released int64
	for _, t := range []*Table{c.Obs, c.Genes} {
		for _, f := range t.Fields() {
			if f.Loaded() {
				released += f.SizeBytes()
				f.Unload()
			}
		}
	}
	return released
}
