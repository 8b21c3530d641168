package control

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestPID_Update(t *testing.T) {
	c := PID{Kp: 0.05, Ki: 0.05, Kd: 0.01, Dt: 0.05, IntegralLimit: 50}
	approx := cmpopts.EquateApprox(0, 1e-12)

	steps := []struct {
		err  float64
		want Terms
	}{
		// D = 0.01·(10−0)/0.05
		{10, Terms{Error: 10, P: 0.5, I: 0.025, D: 2, Output: 2.525}},
		// a steady error has no derivative
		{10, Terms{Error: 10, P: 0.5, I: 0.05, D: 0, Output: 0.55}},
		// D = 0.01·(4−10)/0.05
		{4, Terms{Error: 4, P: 0.2, I: 0.06, D: -1.2, Output: -0.94}},
	}
	for i, st := range steps {
		if diff := cmp.Diff(st.want, c.Update(st.err), approx); diff != "" {
			t.Errorf("step %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestPID_AntiWindup(t *testing.T) {
	c := PID{Ki: 1, Dt: 1, IntegralLimit: 50}

	for range 200 {
		c.Update(1)
	}
	if got := c.Integral(); got != 50 {
		t.Errorf("Integral() = %v, want clamped at 50", got)
	}

	for range 200 {
		c.Update(-3)
	}
	if got := c.Integral(); got != -50 {
		t.Errorf("Integral() = %v, want clamped at -50", got)
	}
}

func TestPID_ResetMatchesFresh(t *testing.T) {
	gains := PID{Kp: 0.05, Ki: 0.05, Kd: 0.01, Dt: 0.05, IntegralLimit: 50}

	used := gains
	for _, e := range []float64{30, -12, 44, 7} {
		used.Update(e)
	}
	used.Reset()

	fresh := gains
	if want, got := fresh.Update(9), used.Update(9); want != got {
		t.Errorf("after Reset Update = %+v, want %+v", got, want)
	}
}

func TestPID_ZeroDt(t *testing.T) {
	c := PID{Kp: 1, Kd: 1}
	got := c.Update(5)
	if got.D != 0 || math.IsNaN(got.Output) || got.Output != 5 {
		t.Errorf("Update with zero Dt = %+v, want D 0 and Output 5", got)
	}
}
