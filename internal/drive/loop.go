// Package drive runs the control loop: each period it turns the newest
// perception result into a wheel command, keeps the motor board polled for
// power status, applies operator requests and publishes telemetry.
package drive

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/control"
	"github.com/banshee-data/lanekeeper/internal/lane"
	"github.com/banshee-data/lanekeeper/internal/monitoring"
	"github.com/banshee-data/lanekeeper/internal/telemetry"
	"github.com/banshee-data/lanekeeper/internal/timeutil"
	"github.com/banshee-data/lanekeeper/internal/vehicle"
	"github.com/banshee-data/lanekeeper/internal/vision"
)

// Reason says why the loop stopped.
type Reason int

const (
	ReasonCancelled Reason = iota
	ReasonQuit
	ReasonLowPower
)

func (r Reason) String() string {
	switch r {
	case ReasonCancelled:
		return "cancelled"
	case ReasonQuit:
		return "quit"
	case ReasonLowPower:
		return "low-power"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Perception is the control loop's view of the perception worker.
type Perception interface {
	TakeResult() (vision.Result, bool)
	Ready()
	Patch(config.SettingsPatch)
}

// Vehicle is the control loop's view of the motor board link.
type Vehicle interface {
	Send(vehicle.Command)
	RequestStatus()
	TakeStatus() (vehicle.Status, bool)
	Down() <-chan struct{}
}

// Telemetry receives what the loop did each cycle.
type Telemetry interface {
	Publish(telemetry.Snapshot)
	Record(telemetry.Cycle)
}

// operatorBuffer is how many operator commands may wait for the next cycle.
const operatorBuffer = 32

// Options configures a Loop.
type Options struct {
	Period         time.Duration
	StatusInterval time.Duration
	Steering       control.Config
	Perception     Perception
	Vehicle        Vehicle
	// Telemetry is optional.
	Telemetry Telemetry
	Clock     timeutil.Clock
	Logger    *zap.Logger
}

// View is a read-only summary of the loop for the debug routes.
type View struct {
	Cycle          uint64          `json:"cycle"`
	Control        bool            `json:"control"`
	Motors         bool            `json:"motors"`
	Command        vehicle.Command `json:"command"`
	FrameSeq       uint64          `json:"frameSeq"`
	Tracked        lane.Pair       `json:"tracked"`
	LinkDown       bool            `json:"linkDown"`
	LastStatus     *vehicle.Status `json:"lastStatus,omitempty"`
	PendingCommand int             `json:"pendingOperatorCommands"`
}

// Loop is the control loop. All of its state is owned by the goroutine
// calling Run; other goroutines interact through Operate and View.
type Loop struct {
	opts     Options
	clock    timeutil.Clock
	logger   *zap.Logger
	steering *control.Steering
	operator chan OperatorCommand

	current    vehicle.Command
	result     vision.Result
	haveResult bool
	status     vehicle.Status
	haveStatus bool
	linkDown   bool
	nextStatus time.Time
	seq        uint64

	view   atomic.Pointer[View]
	cycles atomic.Uint64
}

// NewLoop returns a loop with automatic control and motors disabled.
func NewLoop(opts Options) *Loop {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = time.Second
	}
	l := &Loop{
		opts:     opts,
		clock:    timeutil.OrReal(opts.Clock),
		logger:   monitoring.Or(opts.Logger).Named("drive"),
		steering: control.NewSteering(opts.Steering),
		operator: make(chan OperatorCommand, operatorBuffer),
		current:  vehicle.Stop().WithNote("start"),
	}
	l.publishView()
	return l
}

// Operate queues an operator command for the next cycle. It reports false
// when the queue is full and the command was dropped.
func (l *Loop) Operate(c OperatorCommand) bool {
	select {
	case l.operator <- c:
		return true
	default:
		l.logger.Warn("operator queue full, dropping command", zap.Stringer("action", c.Action))
		return false
	}
}

// View returns the state at the end of the last cycle.
func (l *Loop) View() View {
	v := *l.view.Load()
	v.PendingCommand = len(l.operator)
	return v
}

// Cycles returns how many cycles have completed.
func (l *Loop) Cycles() uint64 { return l.cycles.Load() }

// Run drives the vehicle until ctx is cancelled, the operator quits, or the
// board reports low power. The last command it sends is always a stop.
func (l *Loop) Run(ctx context.Context) Reason {
	ticker := l.clock.NewTicker(l.opts.Period)
	defer ticker.Stop()

	l.logger.Info("control loop started", zap.Duration("period", l.opts.Period))
	for {
		select {
		case <-ctx.Done():
			return l.finish(ReasonCancelled)
		case <-ticker.C():
			if reason, done := l.cycle(); done {
				return l.finish(reason)
			}
		}
	}
}

func (l *Loop) finish(reason Reason) Reason {
	l.steering.SetControl(false)
	l.current = vehicle.Stop().WithNote("%s", reason)
	l.opts.Vehicle.Send(l.current)
	l.publishView()
	l.logger.Info("control loop stopped", zap.Stringer("reason", reason))
	return reason
}

// cycle runs one control period.
func (l *Loop) cycle() (Reason, bool) {
	now := l.clock.Now()
	l.seq++

	if quit := l.drainOperator(); quit {
		return ReasonQuit, true
	}
	l.checkLink()

	var decision control.Decision
	fresh := false
	if r, ok := l.opts.Perception.TakeResult(); ok {
		l.result, l.haveResult, fresh = r, true, true
	}
	if fresh && l.steering.ControlEnabled() {
		decision = l.steering.Step(l.result.Tracked.Left, l.result.Tracked.Right)
		if decision.Transmit {
			l.current = vehicle.Vel(decision.Speeds.Left, decision.Speeds.Right).WithNote("pid")
		}
	}

	if !l.linkDown {
		l.opts.Vehicle.Send(l.current)
		if !now.Before(l.nextStatus) {
			l.opts.Vehicle.RequestStatus()
			l.nextStatus = now.Add(l.opts.StatusInterval)
		}
	}
	if s, ok := l.opts.Vehicle.TakeStatus(); ok {
		l.status, l.haveStatus = s, true
		if s.ShutdownFlag {
			l.logger.Warn("board requested shutdown",
				zap.Float64("rpi_v", s.RPiBatteryVoltage),
				zap.Float64("motor_v", s.MotorBatteryVoltage))
			return ReasonLowPower, true
		}
	}

	l.publish(now, fresh, decision)
	l.publishView()
	l.cycles.Add(1)
	l.opts.Perception.Ready()
	return 0, false
}

// drainOperator applies every queued operator command. It reports whether
// the operator asked to quit.
func (l *Loop) drainOperator() (quit bool) {
	for {
		select {
		case c := <-l.operator:
			if l.apply(c) {
				return true
			}
		default:
			return false
		}
	}
}

func (l *Loop) apply(c OperatorCommand) (quit bool) {
	log := l.logger.With(zap.Stringer("action", c.Action))
	switch c.Action {
	case ActionManual:
		if l.steering.ControlEnabled() {
			log.Info("manual speeds ignored while control is enabled")
			return false
		}
		l.current = vehicle.Vel(c.Left, c.Right).WithNote("manual")
		log.Info("manual drive", zap.Int("left", c.Left), zap.Int("right", c.Right))
	case ActionStop:
		l.steering.SetControl(false)
		l.current = vehicle.Stop().WithNote("operator")
		log.Info("operator stop")
	case ActionToggleControl:
		on := !l.steering.ControlEnabled()
		if l.steering.SetControl(on) {
			l.current = vehicle.Stop().WithNote("control toggled")
		}
		log.Info("control toggled", zap.Bool("control", on), zap.Bool("motors", l.steering.MotorsEnabled()))
	case ActionToggleMotors:
		on := !l.steering.MotorsEnabled()
		if l.steering.SetMotors(on) {
			l.current = vehicle.Stop().WithNote("motors toggled")
		}
		log.Info("motors toggled", zap.Bool("motors", on))
	case ActionCamera:
		l.opts.Perception.Patch(c.Camera)
		log.Info("perception settings patch queued")
	case ActionInspect:
		l.inspect(log)
	case ActionQuit:
		log.Info("operator quit")
		return true
	default:
		log.Warn("unknown operator action")
	}
	return false
}

func (l *Loop) inspect(log *zap.Logger) {
	if !l.haveResult {
		log.Info("no lane measurement yet")
		return
	}
	m := l.result.Measured
	log.Info("lane coefficients",
		zap.Uint64("frame", l.result.Seq),
		zap.Bool("left_valid", m.Left.Valid),
		zap.Float64("left_slope", m.Left.Slope),
		zap.Float64("left_intercept", m.Left.Intercept),
		zap.Bool("right_valid", m.Right.Valid),
		zap.Float64("right_slope", m.Right.Slope),
		zap.Float64("right_intercept", m.Right.Intercept))
}

// checkLink notices the link going down once: motion is switched off and
// telemetry reports the link as down from then on.
func (l *Loop) checkLink() {
	if l.linkDown {
		return
	}
	select {
	case <-l.opts.Vehicle.Down():
	default:
		return
	}
	l.linkDown = true
	l.steering.SetMotors(false)
	l.current = vehicle.Stop().WithNote("link down")
	l.logger.Error("vehicle link down, motors disabled")
}

func (l *Loop) publish(now time.Time, fresh bool, d control.Decision) {
	tel := l.opts.Telemetry
	if tel == nil {
		return
	}

	snap := telemetry.Snapshot{Time: now, LinkDown: l.linkDown}
	if l.haveStatus {
		rpi, motor := l.status.RPiBatteryVoltage, l.status.MotorBatteryVoltage
		snap.RPiBatteryVoltage, snap.MotorBatteryVoltage = &rpi, &motor
	}
	if fresh {
		snap.Image = l.result.Image
	}
	tel.Publish(snap)

	c := telemetry.Cycle{
		Seq:                 l.seq,
		Time:                now,
		Control:             l.steering.ControlEnabled(),
		Motors:              l.steering.MotorsEnabled(),
		Steering:            d.Steering,
		Terms:               d.Terms,
		Command:             l.current,
		RPiBatteryVoltage:   snap.RPiBatteryVoltage,
		MotorBatteryVoltage: snap.MotorBatteryVoltage,
		LinkDown:            l.linkDown,
	}
	if fresh {
		c.FrameSeq = l.result.Seq
		c.Measured = l.result.Measured
		c.Tracked = l.result.Tracked
		c.Tracking = l.result.Tracking
	}
	tel.Record(c)
}

func (l *Loop) publishView() {
	v := View{
		Cycle:    l.seq,
		Control:  l.steering.ControlEnabled(),
		Motors:   l.steering.MotorsEnabled(),
		Command:  l.current,
		LinkDown: l.linkDown,
	}
	if l.haveResult {
		v.FrameSeq = l.result.Seq
		v.Tracked = l.result.Tracked
	}
	if l.haveStatus {
		s := l.status
		v.LastStatus = &s
	}
	l.view.Store(&v)
}
