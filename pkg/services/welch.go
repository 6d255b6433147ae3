package services

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// welchResult holds the outcome of Welch's two-sample comparison of
// latency distributions. DiffCILow/DiffCIHigh bound the true difference
// of means (a - b) at the configured confidence level. The comparison is
// a statistically supported performance difference over observed
// latencies, not a causal claim.
type welchResult struct {
	MeanA, MeanB     float64
	Diff             float64 // MeanA - MeanB
	DiffCILow        float64
	DiffCIHigh       float64
	DegreesOfFreedom float64
	Significant      bool // CI excludes zero
}

// oneSampleCI returns the confidence interval on the mean of a single
// latency sample at significance level alpha. ok=false when the sample
// is too small.
func oneSampleCI(xs []float64, alpha float64) (low, high float64, ok bool) {
	if len(xs) < 2 {
		return 0, 0, false
	}
	m := stat.Mean(xs, nil)
	v := stat.Variance(xs, nil)
	n := float64(len(xs))
	if v == 0 {
		return m, m, true
	}
	se := math.Sqrt(v / n)
	tDist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: n - 1}
	tCrit := tDist.Quantile(1 - alpha/2)
	return m - tCrit*se, m + tCrit*se, true
}

// welchCompare runs Welch's unequal-variance t procedure on two latency
// samples at significance level alpha. Requires at least two observations
// per side; returns ok=false otherwise or when both variances are zero
// and the means are equal.
func welchCompare(a, b []float64, alpha float64) (welchResult, bool) {
	if len(a) < 2 || len(b) < 2 {
		return welchResult{}, false
	}

	meanA := stat.Mean(a, nil)
	meanB := stat.Mean(b, nil)
	varA := stat.Variance(a, nil)
	varB := stat.Variance(b, nil)
	nA := float64(len(a))
	nB := float64(len(b))

	se2 := varA/nA + varB/nB
	result := welchResult{
		MeanA: meanA,
		MeanB: meanB,
		Diff:  meanA - meanB,
	}

	if se2 == 0 {
		// Degenerate samples: identical constants on both sides. A
		// nonzero mean difference is then trivially exact.
		result.DiffCILow = result.Diff
		result.DiffCIHigh = result.Diff
		result.Significant = result.Diff != 0
		return result, true
	}
	se := math.Sqrt(se2)

	// Welch-Satterthwaite degrees of freedom.
	df := se2 * se2 / ((varA*varA)/(nA*nA*(nA-1)) + (varB*varB)/(nB*nB*(nB-1)))
	result.DegreesOfFreedom = df

	tDist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	tCrit := tDist.Quantile(1 - alpha/2)

	result.DiffCILow = result.Diff - tCrit*se
	result.DiffCIHigh = result.Diff + tCrit*se
	result.Significant = result.DiffCILow > 0 || result.DiffCIHigh < 0

	return result, true
}
