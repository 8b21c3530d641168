// Package lane holds the geometry shared by the perception and control
// stages: Hough segments, per-lane point samples and the x = m·y + b line
// fits derived from them.
package lane

import "math"

// Segment is a detected line segment in image pixel coordinates.
type Segment struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Angle returns the segment direction in degrees, in (-180, 180].
func (s Segment) Angle() float64 {
	return math.Atan2(s.Y2-s.Y1, s.X2-s.X1) * 180 / math.Pi
}

// Sample is the set of points attributed to one lane during one cycle.
// Xs and Ys always have equal length.
type Sample struct {
	Xs []float64
	Ys []float64
}

// Len returns the number of points in the sample.
func (s Sample) Len() int { return len(s.Xs) }

func (s *Sample) add(x, y float64) {
	s.Xs = append(s.Xs, x)
	s.Ys = append(s.Ys, y)
}

// Fit is a lane line x = Slope·y + Intercept. The zero value is an absent
// fit: no lane was seen.
type Fit struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	Valid     bool    `json:"valid"`
}

// Absent is the fit reported when a lane could not be estimated.
var Absent = Fit{}

// NewFit returns a present fit with the given coefficients.
func NewFit(slope, intercept float64) Fit {
	return Fit{Slope: slope, Intercept: intercept, Valid: true}
}

// Eval returns x at row y. An absent fit evaluates to 0 everywhere.
func (f Fit) Eval(y float64) float64 {
	if !f.Valid {
		return 0
	}
	return f.Slope*y + f.Intercept
}

// Endpoints returns the fit's segment between rows yNear and yFar.
func (f Fit) Endpoints(yNear, yFar float64) Segment {
	return Segment{X1: f.Eval(yNear), Y1: yNear, X2: f.Eval(yFar), Y2: yFar}
}

// Pair groups the left and right lane fits of a single cycle.
type Pair struct {
	Left  Fit `json:"left"`
	Right Fit `json:"right"`
}
