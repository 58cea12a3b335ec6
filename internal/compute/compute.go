// Package compute implements the statistics used by the analysis endpoints:
// per-page summaries, category aggregation and two-sample differential
// expression.
package compute

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/atlasmap-sc/cellucid/internal/model"
)

// Differential test methods.
const (
	MethodTTest    = "ttest"
	MethodWilcoxon = "wilcoxon"
)

var (
	// ErrUnavailable is returned by a backend that has been closed.
	ErrUnavailable = errors.New("compute backend unavailable")
	// ErrUnknownMethod is returned for an unsupported differential method.
	ErrUnknownMethod = errors.New("unknown differential method")
)

// Backend computes statistics over value slices.
type Backend interface {
	ComputeStats(ctx context.Context, values []float64) (model.Stats, error)
	AggregateCategories(ctx context.Context, values []string, normalize bool) (model.CategoryAggregation, error)
	ComputeDifferential(ctx context.Context, a, b []float64, method string) (model.DifferentialResult, error)
}

// NormalizeMethod maps method aliases to their canonical name.
func NormalizeMethod(method string) (string, error) {
	switch method {
	case "", MethodWilcoxon, "ranksum", "mannwhitney":
		return MethodWilcoxon, nil
	case MethodTTest, "t-test", "welch":
		return MethodTTest, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, method)
}

// Local is the pure in-process implementation. It holds no state and never
// fails on well-formed input.
type Local struct{}

// ComputeStats implements Backend.
func (Local) ComputeStats(_ context.Context, values []float64) (model.Stats, error) {
	return Describe(values), nil
}

// AggregateCategories implements Backend.
func (Local) AggregateCategories(_ context.Context, values []string, normalize bool) (model.CategoryAggregation, error) {
	return Aggregate(values, normalize), nil
}

// ComputeDifferential implements Backend.
func (Local) ComputeDifferential(_ context.Context, a, b []float64, method string) (model.DifferentialResult, error) {
	return Differential(a, b, method)
}

// Describe summarises the finite values. An empty input yields Count 0 and
// nil fields.
func Describe(values []float64) model.Stats {
	vals := finite(values)
	n := len(vals)
	if n == 0 {
		return model.Stats{}
	}
	sort.Float64s(vals)

	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(n)
	ss := 0.0
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	std := 0.0
	if n > 1 {
		std = math.Sqrt(ss / float64(n-1))
	}

	return model.Stats{
		Count:  n,
		Min:    ptr(vals[0]),
		Max:    ptr(vals[n-1]),
		Mean:   ptr(mean),
		Median: ptr(quantileSorted(vals, 0.5)),
		Std:    ptr(std),
		Q1:     ptr(quantileSorted(vals, 0.25)),
		Q3:     ptr(quantileSorted(vals, 0.75)),
	}
}

// Aggregate counts values by label, most frequent first; ties keep label
// order. Percentages are relative to the total number of values.
func Aggregate(values []string, normalize bool) model.CategoryAggregation {
	total := len(values)
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, v := range values {
		if _, ok := counts[v]; !ok {
			order = append(order, v)
		}
		counts[v]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		ci, cj := counts[order[i]], counts[order[j]]
		if ci != cj {
			return ci > cj
		}
		return order[i] < order[j]
	})

	out := model.CategoryAggregation{Categories: make([]model.CategoryCount, 0, len(order)), Total: total}
	for _, v := range order {
		cc := model.CategoryCount{Value: v, Count: counts[v]}
		if normalize && total > 0 {
			cc.Percentage = ptr(float64(counts[v]) / float64(total) * 100)
		}
		out.Categories = append(out.Categories, cc)
	}
	return out
}

// Differential compares two samples. Non-finite values are dropped from each
// sample independently.
func Differential(a, b []float64, method string) (model.DifferentialResult, error) {
	m, err := NormalizeMethod(method)
	if err != nil {
		return model.DifferentialResult{}, err
	}
	a, b = finite(a), finite(b)

	meanA, varA := meanVar(a)
	meanB, varB := meanVar(b)
	res := model.DifferentialResult{
		MeanA:          meanA,
		MeanB:          meanB,
		NA:             len(a),
		NB:             len(b),
		Log2FoldChange: log2FoldChange(meanA, meanB),
		Method:         m,
	}
	switch m {
	case MethodTTest:
		res.Statistic, res.PValue = welchTTest(meanA, varA, len(a), meanB, varB, len(b))
	default:
		res.Statistic, res.PValue = mannWhitneyU(a, b)
	}
	res.AdjustedPValue = res.PValue
	return res, nil
}

func meanVar(vals []float64) (mean, variance float64) {
	n := len(vals)
	if n == 0 {
		return 0, 0
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(n)
	if n < 2 {
		return mean, 0
	}
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	return mean, variance / float64(n-1)
}
