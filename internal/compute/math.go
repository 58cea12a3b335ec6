package compute

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// welchTTest computes the statistic and two-tailed p-value of Welch's t-test.
// Degenerate samples with no variance report a zero statistic.
func welchTTest(mean1, var1 float64, n1 int, mean2, var2 float64, n2 int) (t, p float64) {
	if n1 < 2 || n2 < 2 {
		return 0, 1
	}
	sq1 := var1 / float64(n1)
	sq2 := var2 / float64(n2)
	se := math.Sqrt(sq1 + sq2)
	if se < 1e-15 || (var1 <= 0 && var2 <= 0) {
		if mean1 == mean2 {
			return 0, 1
		}
		return 0, 0
	}
	t = (mean1 - mean2) / se

	df, ok := welchDF(sq1, n1, sq2, n2)
	if !ok {
		return t, 1
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return t, 2 * dist.CDF(-math.Abs(t))
}

// welchDF is the Welch-Satterthwaite degrees of freedom from the squared
// standard errors of both samples, floored at 1.
func welchDF(sq1 float64, n1 int, sq2 float64, n2 int) (float64, bool) {
	var den float64
	if sq1 > 0 {
		den += sq1 * sq1 / float64(n1-1)
	}
	if sq2 > 0 {
		den += sq2 * sq2 / float64(n2-1)
	}
	if den < 1e-15 {
		return 0, false
	}
	sum := sq1 + sq2
	return math.Max(sum*sum/den, 1), true
}

// mannWhitneyU returns the U statistic of the first sample and the two-sided
// p-value from the tie-corrected normal approximation with continuity
// correction.
func mannWhitneyU(a, b []float64) (u, p float64) {
	n1, n2 := len(a), len(b)
	if n1 == 0 || n2 == 0 {
		return 0, 1
	}

	rankSum, ties := rankSumFirst(a, b)
	nA, nB := float64(n1), float64(n2)
	u = rankSum - nA*(nA+1)/2

	n := nA + nB
	if n < 2 {
		return u, 1
	}
	sigma := math.Sqrt(nA * nB * ((n + 1) - ties/(n*(n-1))) / 12)
	if sigma < 1e-10 {
		return u, 1
	}
	z := (math.Abs(u-nA*nB/2) - 0.5) / sigma
	return u, math.Min(1, 2*distuv.UnitNormal.CDF(-math.Abs(z)))
}

// rankSumFirst ranks the pooled samples with midranks for ties and returns
// the rank sum of a together with the tie term sum(t^3 - t).
func rankSumFirst(a, b []float64) (rankSum, ties float64) {
	pooled := make([]float64, 0, len(a)+len(b))
	pooled = append(pooled, a...)
	pooled = append(pooled, b...)
	order := make([]int, len(pooled))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return pooled[order[i]] < pooled[order[j]] })

	for lo := 0; lo < len(order); {
		hi := lo + 1
		for hi < len(order) && pooled[order[hi]] == pooled[order[lo]] {
			hi++
		}
		mid := float64(lo+hi+1) / 2
		for _, idx := range order[lo:hi] {
			if idx < len(a) {
				rankSum += mid
			}
		}
		if size := float64(hi - lo); size > 1 {
			ties += size*size*size - size
		}
		lo = hi
	}
	return rankSum, ties
}

// BenjaminiHochberg returns FDR-adjusted p-values in input order. NaN inputs
// stay NaN and are excluded from the ranking.
func BenjaminiHochberg(pvals []float64) []float64 {
	fdr := make([]float64, len(pvals))
	ranked := make([]int, 0, len(pvals))
	for i, p := range pvals {
		if math.IsNaN(p) {
			fdr[i] = math.NaN()
		} else {
			ranked = append(ranked, i)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return pvals[ranked[i]] < pvals[ranked[j]] })

	// Step up from the largest p-value, keeping adjusted values monotone.
	m := float64(len(ranked))
	running := 1.0
	for r := len(ranked) - 1; r >= 0; r-- {
		i := ranked[r]
		running = math.Min(running, pvals[i]*m/float64(r+1))
		fdr[i] = running
	}
	return fdr
}

func log2FoldChange(meanA, meanB float64) float64 {
	const eps = 1e-9
	if meanA <= eps && meanB <= eps {
		return 0
	}
	fc := math.Log2((meanA + eps) / (meanB + eps))
	if math.IsNaN(fc) {
		return 0
	}
	return fc
}

// quantileSorted interpolates linearly between closest ranks.
func quantileSorted(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func finite(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

func ptr(v float64) *float64 {
	return &v
}
