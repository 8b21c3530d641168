// Package control turns tracked lane lines into differential wheel speeds.
package control

import "github.com/samber/lo"

// Terms is the breakdown of one controller update.
type Terms struct {
	Error  float64 `json:"error"`
	P      float64 `json:"p"`
	I      float64 `json:"i"`
	D      float64 `json:"d"`
	Output float64 `json:"output"`
}

// PID is a discrete proportional-integral-derivative controller with a
// clamped integral. The zero value has all gains at zero.
type PID struct {
	Kp, Ki, Kd float64
	// Dt is the fixed update period in seconds.
	Dt float64
	// IntegralLimit bounds the accumulated integral term to ±IntegralLimit.
	IntegralLimit float64

	integral float64
	prev     float64
}

// Update advances the controller by one period with error e.
//
//	P = Kp·e
//	I = clamp(I + Ki·e·Δt, ±IntegralLimit)
//	D = Kd·(e − e_prev)/Δt
func (c *PID) Update(e float64) Terms {
	p := c.Kp * e
	c.integral = lo.Clamp(c.integral+c.Ki*e*c.Dt, -c.IntegralLimit, c.IntegralLimit)
	var d float64
	if c.Dt > 0 {
		d = c.Kd * (e - c.prev) / c.Dt
	}
	c.prev = e
	return Terms{Error: e, P: p, I: c.integral, D: d, Output: p + c.integral + d}
}

// Reset clears the integral and the previous error.
func (c *PID) Reset() {
	c.integral = 0
	c.prev = 0
}

// Integral returns the accumulated integral term.
func (c *PID) Integral() float64 { return c.integral }
