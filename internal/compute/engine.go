package compute

import (
	"context"
	"math"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/atlasmap-sc/cellucid/internal/model"
)

// Engine is the shared compute backend. It bounds the number of concurrent
// computations and uses gonum for the moment statistics.
type Engine struct {
	sem    *semaphore.Weighted
	closed atomic.Bool
	calls  atomic.Int64
}

// NewEngine creates an engine running at most workers computations at once.
func NewEngine(workers int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{sem: semaphore.NewWeighted(int64(workers))}
}

// Close makes every further call fail with ErrUnavailable.
func (e *Engine) Close() {
	e.closed.Store(true)
}

// Calls returns the number of computations accepted.
func (e *Engine) Calls() int64 {
	return e.calls.Load()
}

func (e *Engine) acquire(ctx context.Context) error {
	if e.closed.Load() {
		return ErrUnavailable
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	e.calls.Add(1)
	return nil
}

// ComputeStats implements Backend.
func (e *Engine) ComputeStats(ctx context.Context, values []float64) (model.Stats, error) {
	if err := e.acquire(ctx); err != nil {
		return model.Stats{}, err
	}
	defer e.sem.Release(1)

	vals := finite(values)
	if len(vals) == 0 {
		return model.Stats{}, nil
	}
	sort.Float64s(vals)

	mean, std := stat.MeanStdDev(vals, nil)
	if len(vals) < 2 {
		std = 0
	}
	return model.Stats{
		Count:  len(vals),
		Min:    ptr(floats.Min(vals)),
		Max:    ptr(floats.Max(vals)),
		Mean:   ptr(mean),
		Median: ptr(quantileSorted(vals, 0.5)),
		Std:    ptr(std),
		Q1:     ptr(quantileSorted(vals, 0.25)),
		Q3:     ptr(quantileSorted(vals, 0.75)),
	}, nil
}

// AggregateCategories implements Backend.
func (e *Engine) AggregateCategories(ctx context.Context, values []string, normalize bool) (model.CategoryAggregation, error) {
	if err := e.acquire(ctx); err != nil {
		return model.CategoryAggregation{}, err
	}
	defer e.sem.Release(1)
	return Aggregate(values, normalize), nil
}

// ComputeDifferential implements Backend.
func (e *Engine) ComputeDifferential(ctx context.Context, a, b []float64, method string) (model.DifferentialResult, error) {
	if err := e.acquire(ctx); err != nil {
		return model.DifferentialResult{}, err
	}
	defer e.sem.Release(1)

	m, err := NormalizeMethod(method)
	if err != nil {
		return model.DifferentialResult{}, err
	}
	a, b = finite(a), finite(b)

	var meanA, varA, meanB, varB float64
	if len(a) > 0 {
		meanA, varA = stat.MeanVariance(a, nil)
	}
	if len(b) > 0 {
		meanB, varB = stat.MeanVariance(b, nil)
	}
	if math.IsNaN(varA) {
		varA = 0
	}
	if math.IsNaN(varB) {
		varB = 0
	}

	res := model.DifferentialResult{
		MeanA:          meanA,
		MeanB:          meanB,
		NA:             len(a),
		NB:             len(b),
		Log2FoldChange: log2FoldChange(meanA, meanB),
		Method:         m,
	}
	if m == MethodTTest {
		res.Statistic, res.PValue = welchTTest(meanA, varA, len(a), meanB, varB, len(b))
	} else {
		res.Statistic, res.PValue = mannWhitneyU(a, b)
	}
	res.AdjustedPValue = res.PValue
	return res, nil
}
