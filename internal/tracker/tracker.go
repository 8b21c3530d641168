// Package tracker smooths per-cycle lane fits with a constant-velocity
// Kalman filter over the line coefficients.
//
// The state is x = [m, ṁ, b, ḃ]: slope and intercept of x = m·y + b together
// with their rates of change. Each control cycle predicts the state forward
// by Δt and, when the perception stage produced a fit, corrects it with the
// measured (m, b).
package tracker

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/lane"
)

// Internal numerical stability constants, not user-tunable.
const (
	// MinDeterminantThreshold is the smallest innovation covariance
	// determinant accepted for inversion.
	MinDeterminantThreshold = 1e-6
)

const stateDim, measDim = 4, 2

// Config holds the filter parameters.
type Config struct {
	Dt                       float64 // cycle period in seconds
	InitialUncertainty       float64 // P₀ = InitialUncertainty·I
	SlopeProcessVariance     float64 // σ² of the slope white-noise acceleration
	InterceptProcessVariance float64 // σ² of the intercept white-noise acceleration
	MeasurementVariance      float64 // R = MeasurementVariance·I
	MaxCovarianceDiag        float64 // cap on each covariance diagonal element
}

// DefaultConfig returns the filter parameters the vehicle was tuned with.
func DefaultConfig() Config {
	return ConfigFrom(config.Default().Tracker)
}

// ConfigFrom converts the process configuration section.
func ConfigFrom(c config.Tracker) Config {
	return Config{
		Dt:                       c.Dt,
		InitialUncertainty:       c.InitialUncertainty,
		SlopeProcessVariance:     c.SlopeProcessVariance,
		InterceptProcessVariance: c.InterceptProcessVariance,
		MeasurementVariance:      c.MeasurementVariance,
		MaxCovarianceDiag:        c.MaxCovarianceDiag,
	}
}

// Tracker is the Kalman estimate for one lane. It is not safe for
// concurrent use; the perception worker owns both trackers.
type Tracker struct {
	cfg Config

	x *mat.VecDense // state [m, ṁ, b, ḃ]
	p *mat.Dense    // state covariance

	f *mat.Dense // state transition
	q *mat.Dense // process noise
	h *mat.Dense // measurement model
	r *mat.Dense // measurement noise

	corrections int
}

// New returns a tracker at the initial state: zero coefficients with
// InitialUncertainty on every axis.
func New(cfg Config) *Tracker {
	dt := cfg.Dt
	t := &Tracker{
		cfg: cfg,
		f: mat.NewDense(stateDim, stateDim, []float64{
			1, dt, 0, 0,
			0, 1, 0, 0,
			0, 0, 1, dt,
			0, 0, 0, 1,
		}),
		h: mat.NewDense(measDim, stateDim, []float64{
			1, 0, 0, 0,
			0, 0, 1, 0,
		}),
		r: mat.NewDense(measDim, measDim, []float64{
			cfg.MeasurementVariance, 0,
			0, cfg.MeasurementVariance,
		}),
	}

	qm := whiteNoise(dt, cfg.SlopeProcessVariance)
	qb := whiteNoise(dt, cfg.InterceptProcessVariance)
	t.q = mat.NewDense(stateDim, stateDim, []float64{
		qm[0], qm[1], 0, 0,
		qm[2], qm[3], 0, 0,
		0, 0, qb[0], qb[1],
		0, 0, qb[2], qb[3],
	})

	t.reset()
	return t
}

// whiteNoise returns the 2×2 discrete white-noise acceleration covariance
// σ²·[[Δt⁴/4, Δt³/2], [Δt³/2, Δt²]] in row-major order.
func whiteNoise(dt, variance float64) [4]float64 {
	dt2 := dt * dt
	dt3 := dt2 * dt
	dt4 := dt3 * dt
	return [4]float64{
		variance * dt4 / 4, variance * dt3 / 2,
		variance * dt3 / 2, variance * dt2,
	}
}

func (t *Tracker) reset() {
	t.x = mat.NewVecDense(stateDim, nil)
	t.p = mat.NewDense(stateDim, stateDim, nil)
	for i := range stateDim {
		t.p.Set(i, i, t.cfg.InitialUncertainty)
	}
}

// Predict advances the state by one period: x = F·x, P = F·P·Fᵀ + Q.
func (t *Tracker) Predict() {
	var x mat.VecDense
	x.MulVec(t.f, t.x)
	t.x = &x

	var fp, p mat.Dense
	fp.Mul(t.f, t.p)
	p.Mul(&fp, t.f.T())
	p.Add(&p, t.q)
	t.p = &p

	t.capCovariance()
	if !t.isFinite() {
		t.reset()
	}
}

// Correct folds a measured (slope, intercept) into the estimate. It reports
// false, leaving the state untouched, when the innovation covariance is too
// close to singular to invert.
func (t *Tracker) Correct(slope, intercept float64) bool {
	z := mat.NewVecDense(measDim, []float64{slope, intercept})

	// innovation y = z - H·x
	var hx, y mat.VecDense
	hx.MulVec(t.h, t.x)
	y.SubVec(z, &hx)

	// S = H·P·Hᵀ + R
	var hp, s mat.Dense
	hp.Mul(t.h, t.p)
	s.Mul(&hp, t.h.T())
	s.Add(&s, t.r)

	if math.Abs(mat.Det(&s)) < MinDeterminantThreshold {
		return false
	}
	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return false
	}

	// K = P·Hᵀ·S⁻¹
	var pht, k mat.Dense
	pht.Mul(t.p, t.h.T())
	k.Mul(&pht, &sInv)

	var ky, x mat.VecDense
	ky.MulVec(&k, &y)
	x.AddVec(t.x, &ky)

	// P = (I - K·H)·P
	var kh, ikh, p mat.Dense
	kh.Mul(&k, t.h)
	ikh.Sub(identity(stateDim), &kh)
	p.Mul(&ikh, t.p)

	t.x = &x
	t.p = &p
	if !t.isFinite() {
		t.reset()
		return false
	}
	t.corrections++
	return true
}

// Step runs one tracking cycle: predict, correct when the fit is present,
// and report the smoothed coefficients. The result is always a present fit.
func (t *Tracker) Step(fit lane.Fit) lane.Fit {
	t.Predict()
	if fit.Valid {
		t.Correct(fit.Slope, fit.Intercept)
	}
	return t.Estimate()
}

// Estimate returns the current smoothed (m, b).
func (t *Tracker) Estimate() lane.Fit {
	return lane.NewFit(t.x.AtVec(0), t.x.AtVec(2))
}

// State returns a copy of the full state vector [m, ṁ, b, ḃ].
func (t *Tracker) State() [stateDim]float64 {
	var out [stateDim]float64
	for i := range stateDim {
		out[i] = t.x.AtVec(i)
	}
	return out
}

// Variance returns the covariance diagonal.
func (t *Tracker) Variance() [stateDim]float64 {
	var out [stateDim]float64
	for i := range stateDim {
		out[i] = t.p.At(i, i)
	}
	return out
}

// Corrections returns how many measurements have been folded in.
func (t *Tracker) Corrections() int { return t.corrections }

func (t *Tracker) capCovariance() {
	if t.cfg.MaxCovarianceDiag <= 0 {
		return
	}
	for i := range stateDim {
		if t.p.At(i, i) > t.cfg.MaxCovarianceDiag {
			t.p.Set(i, i, t.cfg.MaxCovarianceDiag)
		}
	}
}

// isFinite reports whether the state and covariance diagonal hold no NaN or
// ±Inf.
func (t *Tracker) isFinite() bool {
	for i := range stateDim {
		if v := t.x.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		if v := t.p.At(i, i); math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := range n {
		m.Set(i, i, 1)
	}
	return m
}
