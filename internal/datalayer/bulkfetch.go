package datalayer

import (
	"context"
	"fmt"

	"github.com/atlasmap-sc/cellucid/internal/bulk"
	"github.com/atlasmap-sc/cellucid/internal/cache"
	"github.com/atlasmap-sc/cellucid/internal/dataset"
	"github.com/atlasmap-sc/cellucid/internal/model"
	"github.com/atlasmap-sc/cellucid/internal/notify"
	"github.com/atlasmap-sc/cellucid/internal/pages"
	"github.com/atlasmap-sc/cellucid/internal/pageversion"
)

// BulkRequest asks for many variables of one family over a set of pages.
type BulkRequest struct {
	PageIDs   []string `json:"page_ids"`
	Variables []string `json:"variables"`
	Silent    bool     `json:"silent,omitempty"`
	// OnProgress receives the completed percentage after every batch.
	OnProgress func(pct float64) `json:"-"`
}

// BulkResult maps variable to page id to page data. Variables that are
// unknown or failed to load are listed in Missing.
type BulkResult struct {
	Data    bulk.Data    `json:"data"`
	Outcome bulk.Outcome `json:"outcome"`
	Missing []string     `json:"missing,omitempty"`
}

// FetchBulkGeneExpression loads expression for many genes over the pages.
// Loaders that support bulk gene reads are used first, with a per-gene
// fallback.
func (d *DataLayer) FetchBulkGeneExpression(ctx context.Context, req BulkRequest) (BulkResult, error) {
	return d.fetchBulk(ctx, bulk.FamilyGene, req)
}

// FetchBulkObsFields loads many obs fields over the pages.
func (d *DataLayer) FetchBulkObsFields(ctx context.Context, req BulkRequest) (BulkResult, error) {
	return d.fetchBulk(ctx, bulk.FamilyObs, req)
}

func (d *DataLayer) bulkField(family, key string) (*dataset.Field, bool) {
	if family == bulk.FamilyGene {
		return d.catalog.Genes.Lookup(key)
	}
	return d.catalog.Obs.Lookup(key)
}

func (d *DataLayer) fetchBulk(ctx context.Context, family string, req BulkRequest) (BulkResult, error) {
	ids := cache.SortedUnique(req.PageIDs)
	if len(ids) == 0 || len(req.Variables) == 0 {
		return BulkResult{Data: bulk.Data{}, Outcome: bulk.OutcomeHit}, nil
	}
	d.versions.Refresh(ids...)

	var known, unknown []string
	for _, v := range req.Variables {
		if _, ok := d.bulkField(family, v); ok {
			known = append(known, v)
		} else {
			unknown = append(unknown, v)
		}
	}
	if len(unknown) > 0 {
		d.log.Warn().Str("family", family).Strs("variables", unknown).Msg("unknown variables skipped")
	}

	// Data is sliced from this snapshot and the entry is tagged with its
	// digest, so a page edited mid-load never serves old cells.
	snapshot := d.pageSnapshot()
	digest := pageversion.SnapshotDigest(snapshot, ids)
	res, err := d.bulk.Load(ctx, bulk.Request{Family: family, PageIDs: ids, Variables: known, Digest: digest},
		func(ctx context.Context, pageIDs, missing []string) (bulk.Data, error) {
			return d.loadBulk(ctx, family, snapshot, pageIDs, missing, req)
		})
	if err != nil {
		return BulkResult{Data: bulk.Data{}}, err
	}
	d.metrics.Bulk.WithLabelValues(string(res.Outcome)).Inc()

	out := BulkResult{Data: res.Data, Outcome: res.Outcome}
	out.Missing = append(out.Missing, unknown...)
	out.Missing = append(out.Missing, res.Missing...)
	return out, nil
}

// loadBulk loads variables in batches, reporting progress to the sink and the
// request callback. Items that fail are left out of the result.
func (d *DataLayer) loadBulk(ctx context.Context, family string, snapshot map[string]pages.Page, pageIDs, vars []string, req BulkRequest) (bulk.Data, error) {
	label := "fields"
	if family == bulk.FamilyGene {
		label = "genes"
	}

	var nid string
	if !req.Silent {
		zero := 0.0
		nid = d.sink.Show(notify.Notification{
			Type:     notify.TypeProgress,
			Category: "bulk",
			Message:  fmt.Sprintf("Loading %d %s...", len(vars), label),
			Progress: &zero,
		})
	}

	out := make(bulk.Data, len(vars))
	batch := bulk.Batch{
		Size: d.cfg.BulkBatchSize,
		Log:  d.log,
		Each: func(ctx context.Context, v string) error {
			f, ok := d.bulkField(family, v)
			if !ok {
				return &Error{Kind: KindUnknownVariable, Op: "bulk", Variable: v}
			}
			if err := d.loader.EnsureLoaded(ctx, f, dataset.LoadOptions{Silent: true}); err != nil {
				return &Error{Kind: KindLoadFailed, Op: "bulk", Variable: v, Err: err}
			}
			info := f.Info()
			byPage := make(map[string]model.PageData, len(pageIDs))
			for _, id := range pageIDs {
				byPage[id] = d.buildPageData(f, info, snapshot, id)
			}
			out[v] = byPage
			return nil
		},
		Progress: func(done, total int) {
			pct := float64(done) / float64(total) * 100
			d.sink.UpdateProgress(nid, pct, fmt.Sprintf("Loaded %d/%d %s", done, total, label))
			if req.OnProgress != nil {
				req.OnProgress(pct)
			}
		},
	}
	if bl, ok := d.loader.(dataset.BulkLoader); ok && family == bulk.FamilyGene {
		batch.Bulk = func(ctx context.Context, names []string) error {
			fields := make([]*dataset.Field, 0, len(names))
			for _, n := range names {
				if f, ok := d.bulkField(family, n); ok {
					fields = append(fields, f)
				}
			}
			return bl.EnsureGenesLoaded(ctx, fields)
		}
	}

	failed, err := batch.Run(ctx, vars)
	if err != nil {
		d.sink.Fail(nid, fmt.Sprintf("Loading %s cancelled", label))
		return nil, err
	}
	if len(failed) > 0 {
		d.sink.Fail(nid, fmt.Sprintf("Loaded %d of %d %s", len(vars)-len(failed), len(vars), label))
	} else {
		d.sink.Complete(nid, fmt.Sprintf("Loaded %d %s", len(vars), label))
	}
	return out, nil
}

// PageSummary identifies a page in analysis results.
type PageSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CellCount int    `json:"cell_count"`
}

// AnalysisRequest asks for obs fields and genes over a set of pages.
type AnalysisRequest struct {
	PageIDs   []string `json:"page_ids"`
	ObsFields []string `json:"obs_fields"`
	Genes     []string `json:"genes"`
	Silent    bool     `json:"silent,omitempty"`
}

// AnalysisData holds the bulk results of an analysis request.
type AnalysisData struct {
	Pages   []PageSummary `json:"pages"`
	Obs     bulk.Data     `json:"obs"`
	Genes   bulk.Data     `json:"genes"`
	Missing []string      `json:"missing,omitempty"`
}

// FetchAnalysisData loads the requested obs fields and genes for the pages
// through the bulk path.
func (d *DataLayer) FetchAnalysisData(ctx context.Context, req AnalysisRequest) (AnalysisData, error) {
	out := AnalysisData{Pages: d.pageSummaries(req.PageIDs), Obs: bulk.Data{}, Genes: bulk.Data{}}
	if len(out.Pages) == 0 {
		return out, nil
	}

	if len(req.ObsFields) > 0 {
		res, err := d.FetchBulkObsFields(ctx, BulkRequest{PageIDs: req.PageIDs, Variables: req.ObsFields, Silent: req.Silent})
		if err != nil {
			return out, err
		}
		out.Obs = res.Data
		out.Missing = append(out.Missing, res.Missing...)
	}
	if len(req.Genes) > 0 {
		res, err := d.FetchBulkGeneExpression(ctx, BulkRequest{PageIDs: req.PageIDs, Variables: req.Genes, Silent: req.Silent})
		if err != nil {
			return out, err
		}
		out.Genes = res.Data
		out.Missing = append(out.Missing, res.Missing...)
	}
	return out, nil
}

func (d *DataLayer) pageSummaries(pageIDs []string) []PageSummary {
	snapshot := d.pageSnapshot()
	out := make([]PageSummary, 0, len(pageIDs))
	seen := make(map[string]struct{}, len(pageIDs))
	for _, id := range pageIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		s := PageSummary{ID: id}
		if p, ok := snapshot[id]; ok {
			s.Name = p.Name
			s.CellCount = len(pages.EffectiveCellIndices(p))
		}
		out = append(out, s)
	}
	return out
}
