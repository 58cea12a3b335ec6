package datalayer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atlasmap-sc/cellucid/internal/cache"
	"github.com/atlasmap-sc/cellucid/internal/dataset"
	"github.com/atlasmap-sc/cellucid/internal/model"
	"github.com/atlasmap-sc/cellucid/internal/notify"
	"github.com/atlasmap-sc/cellucid/internal/pages"
	"github.com/atlasmap-sc/cellucid/internal/pageversion"
)

// Request asks for one variable over a set of pages.
type Request struct {
	Type     model.VariableType `json:"type"`
	Variable string             `json:"variable"`
	PageIDs  []string           `json:"page_ids"`
	Silent   bool               `json:"silent,omitempty"`
}

// AvailableVariables lists the variables of one family.
func (d *DataLayer) AvailableVariables(t model.VariableType) []model.VariableInfo {
	out := d.catalog.Available(t)
	if out == nil {
		out = []model.VariableInfo{}
	}
	return out
}

// VariableInfo returns the header of one variable.
func (d *DataLayer) VariableInfo(t model.VariableType, key string) (model.VariableInfo, bool) {
	return d.catalog.Info(t, key)
}

// CellIndicesForPage returns the effective cell indices of a page, or an
// empty slice for an unknown page.
func (d *DataLayer) CellIndicesForPage(pageID string) []int {
	p, ok := pages.Find(d.pages, pageID)
	if !ok {
		return []int{}
	}
	return pages.EffectiveCellIndices(p)
}

func (d *DataLayer) cacheKey(t model.VariableType, variable string, ids []string) cache.Key {
	versions := make([]string, len(ids))
	for i, id := range ids {
		versions[i] = d.versions.Version(id)
	}
	return cache.NewKey(t, variable, ids, pageversion.Fold(versions))
}

// GetDataForPages evaluates one variable over the requested pages. Results
// are returned in request order, one entry per distinct page id.
//
// An empty page list yields an empty result. An unknown variable yields an
// empty result together with a KindUnknownVariable error. A loader failure is
// returned as KindLoadFailed to every caller sharing the fetch and is not
// cached.
func (d *DataLayer) GetDataForPages(ctx context.Context, req Request) ([]model.PageData, error) {
	if len(req.PageIDs) == 0 {
		return []model.PageData{}, nil
	}
	if !req.Type.Valid() {
		d.log.Warn().Str("type", string(req.Type)).Msg("unknown variable type")
		return []model.PageData{}, invalidInput("get_data", "unknown variable type %q", req.Type)
	}
	field, ok := d.catalog.Field(req.Type, req.Variable)
	if !ok {
		d.log.Warn().Str("type", string(req.Type)).Str("variable", req.Variable).Msg("variable not found")
		return []model.PageData{}, &Error{Kind: KindUnknownVariable, Op: "get_data", Variable: req.Variable}
	}

	ids := cache.SortedUnique(req.PageIDs)
	d.versions.Refresh(ids...)
	key := d.cacheKey(req.Type, req.Variable, ids)

	if data, ok := d.results.Get(key); ok {
		d.metrics.ResultCache.WithLabelValues("hit").Inc()
		return inRequestOrder(data, req.PageIDs), nil
	}
	d.metrics.ResultCache.WithLabelValues("miss").Inc()
	if d.inflight.InFlight(key) {
		d.metrics.InflightJoins.Inc()
	}

	data, err := d.inflight.Do(ctx, key, func(ctx context.Context) ([]model.PageData, error) {
		// A fetch that finished between the lookup above and joining here
		// has already stored its result.
		if data, ok := d.results.Peek(key); ok {
			return data, nil
		}
		data, err := d.fetchDataForPages(ctx, field, req, ids)
		if err != nil {
			return nil, err
		}
		d.results.Set(key, data)
		return data, nil
	})
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn().Err(err).Str("key", key.String()).Msg("fetch failed")
		}
		return nil, err
	}
	return inRequestOrder(data, req.PageIDs), nil
}

func inRequestOrder(data []model.PageData, pageIDs []string) []model.PageData {
	byID := make(map[string]model.PageData, len(data))
	for _, pd := range data {
		byID[pd.PageID] = pd
	}
	out := make([]model.PageData, 0, len(data))
	seen := make(map[string]struct{}, len(pageIDs))
	for _, id := range pageIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if pd, ok := byID[id]; ok {
			out = append(out, pd)
		}
	}
	return out
}

// fetchDataForPages loads the field if needed and slices it per page.
func (d *DataLayer) fetchDataForPages(ctx context.Context, field *dataset.Field, req Request, ids []string) ([]model.PageData, error) {
	start := time.Now()
	defer func() {
		d.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}()

	if err := d.ensureLoaded(ctx, field, req.Silent); err != nil {
		d.metrics.Fetches.WithLabelValues("failed").Inc()
		return nil, err
	}

	info := field.Info()
	snapshot := d.pageSnapshot()
	out := make([]model.PageData, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.buildPageData(field, info, snapshot, id))
	}
	d.metrics.Fetches.WithLabelValues("success").Inc()
	return out, nil
}

// ensureLoaded awaits the field loader, showing a loading notification that
// stays up for at least the configured minimum unless silent.
func (d *DataLayer) ensureLoaded(ctx context.Context, field *dataset.Field, silent bool) error {
	if field.Loaded() {
		return nil
	}

	var id string
	if !silent {
		id = d.sink.Show(notify.Notification{
			Type:     notify.TypeLoading,
			Category: "data",
			Message:  fmt.Sprintf("Loading %s...", field.Key),
		})
	}
	shown := time.Now()

	err := d.loader.EnsureLoaded(ctx, field, dataset.LoadOptions{Silent: silent})
	if err != nil {
		d.sink.Fail(id, fmt.Sprintf("Failed to load %s", field.Key))
		return &Error{Kind: KindLoadFailed, Op: "load", Variable: field.Key, Err: err}
	}

	if id != "" {
		msg := fmt.Sprintf("Loaded %s", field.Key)
		if wait := d.cfg.MinLoadingVisible - time.Since(shown); wait > 0 {
			time.AfterFunc(wait, func() { d.sink.Complete(id, msg) })
		} else {
			d.sink.Complete(id, msg)
		}
	}
	return nil
}

func (d *DataLayer) pageSnapshot() map[string]pages.Page {
	all := d.pages.HighlightPages()
	out := make(map[string]pages.Page, len(all))
	for _, p := range all {
		out[p.ID] = p
	}
	return out
}

// buildPageData slices a loaded field by the page's effective cells. Missing
// and non-finite values are dropped together with their cell index.
func (d *DataLayer) buildPageData(field *dataset.Field, info model.VariableInfo, snapshot map[string]pages.Page, pageID string) model.PageData {
	pd := model.PageData{PageID: pageID, Variable: info}
	p, ok := snapshot[pageID]
	if !ok {
		d.log.Warn().Str("page", pageID).Msg("page not found")
		pd.CellIndices = []int{}
		if info.Kind == model.KindCategory {
			pd.Labels = []string{}
		} else {
			pd.Numbers = []float64{}
		}
		return pd
	}

	pd.PageName = p.Name
	cells := pages.EffectiveCellIndices(p)
	if info.Kind == model.KindCategory {
		pd.Labels, pd.CellIndices = field.SelectLabels(cells)
	} else {
		pd.Numbers, pd.CellIndices = field.SelectNumbers(cells)
	}
	pd.CellCount = len(pd.CellIndices)
	return pd
}

// BatchResult is the outcome of one request of a batch.
type BatchResult struct {
	Request Request          `json:"request"`
	Data    []model.PageData `json:"data"`
	Err     error            `json:"-"`
}

// BatchFetch runs requests concurrently. Each request succeeds or fails on
// its own.
func (d *DataLayer) BatchFetch(ctx context.Context, reqs []Request) []BatchResult {
	out := make([]BatchResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(4)
	for i, req := range reqs {
		g.Go(func() error {
			data, err := d.GetDataForPages(ctx, req)
			out[i] = BatchResult{Request: req, Data: data, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Prefetch queues req to warm the cache. It returns false when prefetching
// is disabled, the request is invalid, or the result is already cached or
// being fetched.
func (d *DataLayer) Prefetch(req Request) bool {
	if !d.prefetch.Enabled() || len(req.PageIDs) == 0 {
		return false
	}
	if _, ok := d.catalog.Field(req.Type, req.Variable); !ok {
		return false
	}
	ids := cache.SortedUnique(req.PageIDs)
	d.versions.Refresh(ids...)
	key := d.cacheKey(req.Type, req.Variable, ids)
	if d.results.Contains(key) || d.inflight.InFlight(key) {
		d.metrics.Prefetch.WithLabelValues("skipped").Inc()
		return false
	}

	req.Silent = true
	if !d.prefetch.Enqueue(req) {
		return false
	}
	d.metrics.Prefetch.WithLabelValues("queued").Inc()
	return true
}

func (d *DataLayer) runPrefetch(ctx context.Context, req Request) error {
	_, err := d.GetDataForPages(ctx, req)
	if err != nil {
		d.metrics.Prefetch.WithLabelValues("failed").Inc()
		return err
	}
	d.metrics.Prefetch.WithLabelValues("done").Inc()
	return nil
}
