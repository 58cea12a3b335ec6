package datalayer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/atlasmap-sc/cellucid/internal/bulk"
	"github.com/atlasmap-sc/cellucid/internal/compute"
	"github.com/atlasmap-sc/cellucid/internal/model"
)

// ComputeStatsForPage summarises the finite values of pd. The compute
// backend is tried first; any failure is answered locally.
func (d *DataLayer) ComputeStatsForPage(ctx context.Context, pd model.PageData) model.Stats {
	values := pd.Numbers
	if pd.Categorical() {
		values = nil
	}
	if b := d.backendHandle(); b != nil {
		st, err := b.ComputeStats(ctx, values)
		if err == nil {
			return st
		}
		d.backendFailed("compute_stats", err)
	}
	st, _ := d.local.ComputeStats(ctx, values)
	return st
}

// AggregateCategoriesForPage counts the values of pd, most frequent first.
// Numeric values are grouped by their shortest decimal form.
func (d *DataLayer) AggregateCategoriesForPage(ctx context.Context, pd model.PageData, normalize bool) model.CategoryAggregation {
	labels := pd.Labels
	if !pd.Categorical() {
		labels = make([]string, len(pd.Numbers))
		for i, v := range pd.Numbers {
			labels[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
	}
	if b := d.backendHandle(); b != nil {
		agg, err := b.AggregateCategories(ctx, labels, normalize)
		if err == nil {
			return agg
		}
		d.backendFailed("aggregate_categories", err)
	}
	agg, _ := d.local.AggregateCategories(ctx, labels, normalize)
	return agg
}

func (d *DataLayer) computeDifferential(ctx context.Context, a, b []float64, method string) (model.DifferentialResult, error) {
	if be := d.backendHandle(); be != nil {
		res, err := be.ComputeDifferential(ctx, a, b, method)
		if err == nil {
			return res, nil
		}
		d.backendFailed("compute_differential", err)
	}
	return d.local.ComputeDifferential(ctx, a, b, method)
}

// PageStats is the summary of one variable over one page.
type PageStats struct {
	PageID   string      `json:"page_id"`
	PageName string      `json:"page_name"`
	Stats    model.Stats `json:"stats"`
}

// AggregatedStats summarises a numeric variable on each page.
func (d *DataLayer) AggregatedStats(ctx context.Context, t model.VariableType, variable string, pageIDs []string) ([]PageStats, error) {
	if t == model.TypeCategoryObs {
		return []PageStats{}, invalidInput("aggregated_stats", "%s is categorical", variable)
	}
	data, err := d.GetDataForPages(ctx, Request{Type: t, Variable: variable, PageIDs: pageIDs, Silent: true})
	if err != nil {
		return []PageStats{}, err
	}
	out := make([]PageStats, 0, len(data))
	for _, pd := range data {
		out = append(out, PageStats{PageID: pd.PageID, PageName: pd.PageName, Stats: d.ComputeStatsForPage(ctx, pd)})
	}
	return out, nil
}

// PageCategories is the category aggregation of one variable over one page.
type PageCategories struct {
	PageID      string                    `json:"page_id"`
	PageName    string                    `json:"page_name"`
	Aggregation model.CategoryAggregation `json:"aggregation"`
}

// CategoryCountsByPage counts a categorical variable on each page.
func (d *DataLayer) CategoryCountsByPage(ctx context.Context, variable string, pageIDs []string, normalize bool) ([]PageCategories, error) {
	data, err := d.GetDataForPages(ctx, Request{Type: model.TypeCategoryObs, Variable: variable, PageIDs: pageIDs, Silent: true})
	if err != nil {
		return []PageCategories{}, err
	}
	out := make([]PageCategories, 0, len(data))
	for _, pd := range data {
		out = append(out, PageCategories{
			PageID:      pd.PageID,
			PageName:    pd.PageName,
			Aggregation: d.AggregateCategoriesForPage(ctx, pd, normalize),
		})
	}
	return out, nil
}

// ComputeDifferentialExpressionParallel compares two pages gene by gene.
// Expression for both pages is loaded through the bulk path; genes are then
// tested one after another and a failing gene is recorded in its result
// without stopping the rest. Adjusted p-values are Benjamini-Hochberg over
// the genes that succeeded.
func (d *DataLayer) ComputeDifferentialExpressionParallel(ctx context.Context, pageA, pageB string, genes []string, method string, onProgress func(pct float64)) ([]model.DifferentialResult, error) {
	if pageA == "" || pageB == "" || len(genes) == 0 {
		return []model.DifferentialResult{}, invalidInput("differential", "two pages and at least one gene are required")
	}
	m, err := compute.NormalizeMethod(method)
	if err != nil {
		return []model.DifferentialResult{}, &Error{Kind: KindInvalidInput, Op: "differential", Err: err}
	}

	loaded, err := d.FetchBulkGeneExpression(ctx, BulkRequest{
		PageIDs:   []string{pageA, pageB},
		Variables: genes,
		Silent:    true,
		OnProgress: func(pct float64) {
			if onProgress != nil {
				onProgress(pct / 2)
			}
		},
	})
	if err != nil {
		return []model.DifferentialResult{}, err
	}

	results := make([]model.DifferentialResult, 0, len(genes))
	var okIdx []int
	for i, g := range genes {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, ok := d.differentialForGene(ctx, g, loaded.Data[g], pageA, pageB, m)
		if ok {
			okIdx = append(okIdx, len(results))
		}
		results = append(results, res)
		if onProgress != nil {
			onProgress(50 + float64(i+1)/float64(len(genes))*50)
		}
	}

	pvals := make([]float64, len(okIdx))
	for i, idx := range okIdx {
		pvals[i] = results[idx].PValue
	}
	for i, adj := range compute.BenjaminiHochberg(pvals) {
		results[okIdx[i]].AdjustedPValue = adj
	}
	return results, nil
}

func (d *DataLayer) differentialForGene(ctx context.Context, gene string, byPage map[string]model.PageData, pageA, pageB, method string) (model.DifferentialResult, bool) {
	failed := model.DifferentialResult{Gene: gene, Method: method, PValue: 1, AdjustedPValue: 1}
	if byPage == nil {
		failed.Error = fmt.Sprintf("expression for %s could not be loaded", gene)
		return failed, false
	}
	res, err := d.computeDifferential(ctx, byPage[pageA].Numbers, byPage[pageB].Numbers, method)
	if err != nil {
		d.log.Warn().Err(err).Str("gene", gene).Msg("differential test failed")
		failed.Error = err.Error()
		return failed, false
	}
	res.Gene = gene
	return res, true
}

// ComprehensiveAnalysis bundles bulk data with per-page summaries.
type ComprehensiveAnalysis struct {
	AnalysisData
	Stats      map[string][]PageStats      `json:"stats"`
	Categories map[string][]PageCategories `json:"categories"`
}

// FetchComprehensiveAnalysisData loads obs fields (all of them when none are
// named) and genes for the pages, and summarises every numeric variable and
// categorical field per page.
func (d *DataLayer) FetchComprehensiveAnalysisData(ctx context.Context, req AnalysisRequest) (ComprehensiveAnalysis, error) {
	if len(req.ObsFields) == 0 {
		for _, f := range d.catalog.Obs.Fields() {
			req.ObsFields = append(req.ObsFields, f.Key)
		}
	}
	base, err := d.FetchAnalysisData(ctx, req)
	out := ComprehensiveAnalysis{
		AnalysisData: base,
		Stats:        make(map[string][]PageStats),
		Categories:   make(map[string][]PageCategories),
	}
	if err != nil {
		return out, err
	}

	summarise := func(data bulk.Data) {
		for v, byPage := range data {
			for _, p := range base.Pages {
				pd, ok := byPage[p.ID]
				if !ok {
					continue
				}
				if pd.Categorical() {
					out.Categories[v] = append(out.Categories[v], PageCategories{
						PageID: p.ID, PageName: p.Name, Aggregation: d.AggregateCategoriesForPage(ctx, pd, true),
					})
				} else {
					out.Stats[v] = append(out.Stats[v], PageStats{
						PageID: p.ID, PageName: p.Name, Stats: d.ComputeStatsForPage(ctx, pd),
					})
				}
			}
		}
	}
	summarise(base.Obs)
	summarise(base.Genes)
	return out, nil
}

// MemoryEstimate approximates the memory held by the data layer.
type MemoryEstimate struct {
	ResultBytes int64  `json:"result_bytes"`
	BulkBytes   int64  `json:"bulk_bytes"`
	FieldBytes  int64  `json:"field_bytes"`
	TotalBytes  int64  `json:"total_bytes"`
	Human       string `json:"human"`
}

// EstimateMemoryUsage sums the cached page data and loaded field columns.
func (d *DataLayer) EstimateMemoryUsage() MemoryEstimate {
	var est MemoryEstimate
	for _, data := range d.results.Values() {
		for _, pd := range data {
			est.ResultBytes += pd.SizeBytes()
		}
	}
	est.BulkBytes = d.bulk.Cache().Stats().Bytes
	est.FieldBytes = d.catalog.LoadedBytes()
	est.TotalBytes = est.ResultBytes + est.BulkBytes + est.FieldBytes
	est.Human = humanize.Bytes(uint64(est.TotalBytes))
	return est
}
