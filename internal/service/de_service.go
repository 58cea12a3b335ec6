// Package service runs differential expression jobs between pages on top of
// the data layer.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/atlasmap-sc/cellucid/internal/compute"
	"github.com/atlasmap-sc/cellucid/internal/destore"
	"github.com/atlasmap-sc/cellucid/internal/model"
)

// ErrInvalidJob is returned when job parameters cannot be executed.
var ErrInvalidJob = errors.New("invalid de job")

// Comparer is the part of the data layer a DE job needs.
type Comparer interface {
	CellIndicesForPage(pageID string) []int
	AvailableVariables(t model.VariableType) []model.VariableInfo
	ComputeDifferentialExpressionParallel(ctx context.Context, pageA, pageB string, genes []string, method string, onProgress func(pct float64)) ([]model.DifferentialResult, error)
}

// DEService handles differential expression analysis.
type DEService struct {
	data     Comparer
	maxGenes int
	log      zerolog.Logger
}

// NewDEService creates a DE service. maxGenes caps the number of genes a job
// tests; zero means no cap.
func NewDEService(data Comparer, maxGenes int, log zerolog.Logger) *DEService {
	return &DEService{data: data, maxGenes: maxGenes, log: log.With().Str("component", "de").Logger()}
}

// Prepare validates and normalises job parameters. An empty gene list means
// every gene of the dataset.
func (s *DEService) Prepare(p destore.JobParams) (destore.JobParams, error) {
	if p.PageA == "" || p.PageB == "" {
		return p, fmt.Errorf("%w: page_a and page_b are required", ErrInvalidJob)
	}
	if p.PageA == p.PageB {
		return p, fmt.Errorf("%w: pages must differ", ErrInvalidJob)
	}
	method, err := compute.NormalizeMethod(p.Method)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	p.Method = method

	for _, id := range []string{p.PageA, p.PageB} {
		if len(s.data.CellIndicesForPage(id)) == 0 {
			return p, fmt.Errorf("%w: page %s has no cells", ErrInvalidJob, id)
		}
	}

	if len(p.Genes) == 0 {
		for _, v := range s.data.AvailableVariables(model.TypeGeneExpression) {
			p.Genes = append(p.Genes, v.Key)
		}
	}
	if len(p.Genes) == 0 {
		return p, fmt.Errorf("%w: dataset has no genes", ErrInvalidJob)
	}
	if s.maxGenes > 0 && len(p.Genes) > s.maxGenes {
		return p, fmt.Errorf("%w: %d genes requested, limit is %d", ErrInvalidJob, len(p.Genes), s.maxGenes)
	}
	return p, nil
}

// ExecuteDEJob runs the DE analysis for a job (called by JobManager worker).
func (s *DEService) ExecuteDEJob(ctx context.Context, store *destore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	params, err := s.Prepare(job.Params)
	if err != nil {
		return err
	}

	log := s.log.With().Str("job", jobID).Logger()
	log.Info().
		Str("page_a", params.PageA).
		Str("page_b", params.PageB).
		Int("genes", len(params.Genes)).
		Str("method", params.Method).
		Msg("starting differential expression")

	if err := store.UpdateJobProgress(jobID, "computing", 0); err != nil {
		log.Warn().Err(err).Msg("failed to record progress")
	}

	// Only persist progress in 5% steps.
	last := 0.0
	onProgress := func(pct float64) {
		if pct < 100 && pct-last < 5 {
			return
		}
		last = pct
		if err := store.UpdateJobProgress(jobID, "computing", pct); err != nil {
			log.Warn().Err(err).Msg("failed to record progress")
		}
	}

	results, err := s.data.ComputeDifferentialExpressionParallel(ctx, params.PageA, params.PageB, params.Genes, params.Method, onProgress)
	if err != nil {
		return fmt.Errorf("failed to compute differential expression: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := store.UpdateJobProgress(jobID, "saving", 100); err != nil {
		log.Warn().Err(err).Msg("failed to record progress")
	}
	if err := store.InsertResults(jobID, results); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	log.Info().Int("results", len(results)).Int("failed", failed).Msg("differential expression finished")
	return nil
}
