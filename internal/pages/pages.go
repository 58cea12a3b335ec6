// Package pages holds the user-defined cell subsets ("pages") consumed by the
// data layer. A page aggregates the cell indices of its enabled highlight
// groups.
package pages

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when a page id is not registered.
	ErrNotFound = errors.New("page not found")
)

// HighlightGroup is one selection contributing cells to a page.
// A nil Enabled means enabled.
type HighlightGroup struct {
	Enabled     *bool `json:"enabled,omitempty"`
	CellIndices []int `json:"cell_indices"`
}

// IsEnabled reports whether the group contributes to its page.
func (g HighlightGroup) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// Page is a named subset of cells.
type Page struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	HighlightedGroups []HighlightGroup `json:"highlighted_groups"`
}

// Registry exposes the current pages. Implementations must be safe for
// concurrent use.
type Registry interface {
	HighlightPages() []Page
}

// Find returns the page with the given id.
func Find(r Registry, id string) (Page, bool) {
	if r == nil {
		return Page{}, false
	}
	for _, p := range r.HighlightPages() {
		if p.ID == id {
			return p, true
		}
	}
	return Page{}, false
}

// EffectiveCellIndices returns the sorted, deduplicated union of the cell
// indices of all enabled groups.
func EffectiveCellIndices(p Page) []int {
	n := 0
	for _, g := range p.HighlightedGroups {
		if g.IsEnabled() {
			n += len(g.CellIndices)
		}
	}
	if n == 0 {
		return []int{}
	}

	out := make([]int, 0, n)
	for _, g := range p.HighlightedGroups {
		if g.IsEnabled() {
			out = append(out, g.CellIndices...)
		}
	}
	sort.Ints(out)

	// Dedupe in place
	w := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[w-1] {
			out[w] = out[i]
			w++
		}
	}
	return out[:w]
}

// MemoryRegistry is an in-process Registry backed by an ordered map.
type MemoryRegistry struct {
	mu    sync.RWMutex
	order []string
	pages map[string]Page
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{pages: make(map[string]Page)}
}

// HighlightPages returns a copy of all pages in creation order.
func (r *MemoryRegistry) HighlightPages() []Page {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Page, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, clonePage(r.pages[id]))
	}
	return out
}

// Get returns a copy of one page.
func (r *MemoryRegistry) Get(id string) (Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pages[id]
	if !ok {
		return Page{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clonePage(p), nil
}

// Put creates or replaces a page.
func (r *MemoryRegistry) Put(p Page) error {
	if p.ID == "" {
		return errors.New("page id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pages[p.ID]; !ok {
		r.order = append(r.order, p.ID)
	}
	r.pages[p.ID] = clonePage(p)
	return nil
}

// Delete removes a page.
func (r *MemoryRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pages[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.pages, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func clonePage(p Page) Page {
	out := Page{ID: p.ID, Name: p.Name}
	if p.HighlightedGroups != nil {
		out.HighlightedGroups = make([]HighlightGroup, len(p.HighlightedGroups))
		for i, g := range p.HighlightedGroups {
			ng := HighlightGroup{CellIndices: append([]int(nil), g.CellIndices...)}
			if g.Enabled != nil {
				v := *g.Enabled
				ng.Enabled = &v
			}
			out.HighlightedGroups[i] = ng
		}
	}
	return out
}
