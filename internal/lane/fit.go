package lane

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// FitSample fits x as a linear function of y by ordinary least squares.
// It reports Absent for an empty or malformed sample, and when the sample
// spans fewer than two distinct rows, since a vertical spread of zero leaves
// the slope undefined.
func FitSample(s Sample) Fit {
	if len(s.Xs) == 0 || len(s.Xs) != len(s.Ys) {
		return Absent
	}
	if !hasDistinct(s.Ys) {
		return Absent
	}

	// stat.LinearRegression returns alpha, beta for y = alpha + beta*x, so
	// rows are passed as the regressor.
	intercept, slope := stat.LinearRegression(s.Ys, s.Xs, nil, false)
	if math.IsNaN(slope) || math.IsInf(slope, 0) || math.IsNaN(intercept) || math.IsInf(intercept, 0) {
		return Absent
	}
	return NewFit(slope, intercept)
}

func hasDistinct(vs []float64) bool {
	for _, v := range vs[1:] {
		if v != vs[0] {
			return true
		}
	}
	return false
}
