package drive

import (
	"context"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/control"
	"github.com/banshee-data/lanekeeper/internal/serialmux"
	"github.com/banshee-data/lanekeeper/internal/testutil"
	"github.com/banshee-data/lanekeeper/internal/timeutil"
	"github.com/banshee-data/lanekeeper/internal/vehicle"
)

func TestLoop_DrivesSimulatedBoard(t *testing.T) {
	board := serialmux.NewSimulatedBoard()
	link := vehicle.NewLink(vehicle.Options{
		Path:            "/dev/sim",
		Open:            board.Opener(),
		StatusTimeout:   5 * time.Second,
		SerializeStatus: true,
		Logger:          zaptest.NewLogger(t),
	})
	linkCtx, stopLink := context.WithCancel(context.Background())
	defer stopLink()
	linkDone := make(chan error, 1)
	go func() { linkDone <- link.Run(linkCtx) }()

	clock := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	tel := &fakeTelemetry{}
	loop := NewLoop(Options{
		Period:         period,
		StatusInterval: time.Second,
		Steering:       control.ConfigFrom(config.Default().Control),
		Perception:     newFakePerception(),
		Vehicle:        link,
		Telemetry:      tel,
		Clock:          clock,
		Logger:         zaptest.NewLogger(t),
	})
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan Reason, 1)
	go func() { loopDone <- loop.Run(loopCtx) }()
	testutil.WaitFor(t, time.Second, func() bool { return clock.Tickers() == 1 }, "loop did not start")

	h := &loopHarness{clock: clock, loop: loop}
	loop.Operate(Manual(20, 25))
	h.tick(t)

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return slices.Contains(board.Commands(), "VEL 20 25")
	}, "board never received the manual command")
	testutil.WaitFor(t, 2*time.Second, func() bool {
		_, ok := link.LastStatus()
		return ok
	}, "no status reply")

	h.tick(t)
	snap, _ := tel.last()
	if snap.MotorBatteryVoltage == nil {
		t.Fatal("motor voltage missing from telemetry")
	}
	if *snap.MotorBatteryVoltage != 7.61 {
		t.Errorf("motor voltage = %v, want 7.61", *snap.MotorBatteryVoltage)
	}

	stopLoop()
	if got := testutil.Receive[Reason](t, loopDone, time.Second); got != ReasonCancelled {
		t.Errorf("Run = %v, want cancelled", got)
	}
	stopLink()
	if err := testutil.Receive[error](t, linkDone, 2*time.Second); err != nil {
		t.Fatalf("link Run returned error: %v", err)
	}

	if got := board.LastCommand(); got != "VEL 0 0" {
		t.Errorf("last command on the wire = %q, want VEL 0 0", got)
	}
}
