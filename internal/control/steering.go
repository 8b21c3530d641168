package control

import (
	"github.com/samber/lo"

	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/lane"
)

// Wheel speed bounds accepted by the motor board.
const (
	MinSpeed = 0
	MaxSpeed = 100
)

// Speeds is a differential drive command.
type Speeds struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// Stop is the all-zero command.
var Stop = Speeds{}

// Decision is the controller's output for one cycle.
type Decision struct {
	Speeds Speeds
	// Transmit is false when motors are disabled; the speeds are then only
	// informational.
	Transmit bool
	// Steering is false when automatic control is disabled and Step did
	// nothing.
	Steering   bool
	Terms      Terms
	LeftError  float64
	RightError float64
}

// Config holds the steering parameters.
type Config struct {
	Kp, Ki, Kd     float64
	Dt             float64
	IntegralLimit  float64
	BaseSpeed      int
	ReferenceRow   float64
	ReferenceLeft  lane.Fit
	ReferenceRight lane.Fit
}

// ConfigFrom converts the process configuration section.
func ConfigFrom(c config.Control) Config {
	return Config{
		Kp:             c.Kp,
		Ki:             c.Ki,
		Kd:             c.Kd,
		Dt:             c.Period.Seconds(),
		IntegralLimit:  c.IntegralLimit,
		BaseSpeed:      c.BaseSpeed,
		ReferenceRow:   c.ReferenceRow,
		ReferenceLeft:  lane.NewFit(c.ReferenceLeft.Slope, c.ReferenceLeft.Intercept),
		ReferenceRight: lane.NewFit(c.ReferenceRight.Slope, c.ReferenceRight.Intercept),
	}
}

// Steering is the controller state machine. Automatic control and motor
// output are independent switches:
//
//   - enabling control resets the PID so no stale integral carries over
//   - any change to control disables the motors
//   - disabling the motors, or control, demands an immediate stop
//
// Steering is owned by the control loop and is not safe for concurrent use.
type Steering struct {
	cfg     Config
	pid     PID
	control bool
	motors  bool
}

// NewSteering returns a controller with control and motors disabled.
func NewSteering(cfg Config) *Steering {
	return &Steering{
		cfg: cfg,
		pid: PID{
			Kp:            cfg.Kp,
			Ki:            cfg.Ki,
			Kd:            cfg.Kd,
			Dt:            cfg.Dt,
			IntegralLimit: cfg.IntegralLimit,
		},
	}
}

// ControlEnabled reports whether automatic steering is on.
func (s *Steering) ControlEnabled() bool { return s.control }

// MotorsEnabled reports whether commands are transmitted.
func (s *Steering) MotorsEnabled() bool { return s.motors }

// SetControl switches automatic steering. It returns true when the caller
// must send a stop command immediately.
func (s *Steering) SetControl(on bool) (stop bool) {
	if on == s.control {
		return false
	}
	if on {
		s.pid.Reset()
	}
	s.control = on
	s.motors = false
	return true
}

// SetMotors switches command transmission. It returns true when the caller
// must send a stop command immediately.
func (s *Steering) SetMotors(on bool) (stop bool) {
	was := s.motors
	s.motors = on
	return was && !on
}

// Step computes the wheel speeds for tracked left and right lane lines.
// With control disabled it returns a zero, non-transmitting decision and
// leaves the PID untouched.
func (s *Steering) Step(left, right lane.Fit) Decision {
	if !s.control {
		return Decision{}
	}

	row := s.cfg.ReferenceRow
	leftErr := s.cfg.ReferenceLeft.Eval(row) - left.Eval(row)
	rightErr := s.cfg.ReferenceRight.Eval(row) - right.Eval(row)
	terms := s.pid.Update((leftErr + rightErr) / 2)

	return Decision{
		Speeds:     s.speeds(terms.Output),
		Transmit:   s.motors,
		Steering:   true,
		Terms:      terms,
		LeftError:  leftErr,
		RightError: rightErr,
	}
}

// speeds maps a controller output to clamped differential wheel speeds.
func (s *Steering) speeds(output float64) Speeds {
	base := float64(s.cfg.BaseSpeed)
	return Speeds{
		Left:  ClampSpeed(int(base - output)),
		Right: ClampSpeed(int(base + output)),
	}
}

// ClampSpeed bounds a wheel speed to the range the board accepts.
func ClampSpeed(v int) int {
	return lo.Clamp(v, MinSpeed, MaxSpeed)
}
