package vehicle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/banshee-data/lanekeeper/internal/serialmux"
	"github.com/banshee-data/lanekeeper/internal/testutil"
	"github.com/banshee-data/lanekeeper/internal/timeutil"
)

const waitTimeout = 2 * time.Second

type linkHarness struct {
	board  *serialmux.SimulatedBoard
	link   *Link
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, mutate func(*Options)) *linkHarness {
	t.Helper()
	board := serialmux.NewSimulatedBoard()
	opts := Options{
		Path:            "/dev/test",
		Open:            board.Opener(),
		StatusTimeout:   10 * time.Second,
		SerializeStatus: true,
		Logger:          zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &linkHarness{board: board, link: NewLink(opts)}
}

func (h *linkHarness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.link.Run(ctx) }()
	t.Cleanup(cancel)
	testutil.WaitFor(t, waitTimeout, func() bool { return h.link.State() != Disconnected }, "link never connected")
}

// stop cancels the session and fails the test unless it ends cleanly.
func (h *linkHarness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	if err := testutil.Receive[error](t, h.done, waitTimeout); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func (h *linkHarness) waitForCommand(t *testing.T, line string) {
	t.Helper()
	testutil.WaitFor(t, waitTimeout, func() bool {
		return slices.Contains(h.board.Commands(), line)
	}, "board never received "+line)
}

func TestLink_SendsCommandsAndStopsOnExit(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.link.Send(Vel(10, 20).WithNote("steering"))
	h.waitForCommand(t, "VEL 10 20")
	h.stop(t)

	if diff := cmp.Diff([]string{"VEL 10 20", "VEL 0 0"}, h.board.Commands()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if !h.board.IsClosed() {
		t.Error("port should be closed after Run returns")
	}
	if got := h.link.State(); got != Disconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
	if err := h.link.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after a clean stop", err)
	}
	select {
	case <-h.link.Down():
	default:
		t.Error("Down should be closed after Run returns")
	}
}

func TestLink_NewestCommandWins(t *testing.T) {
	h := newHarness(t, nil)
	h.link.Send(Vel(1, 1))
	h.link.Send(Vel(2, 2))
	h.link.Send(Vel(3, 3))

	h.start(t)
	h.waitForCommand(t, "VEL 3 3")
	h.stop(t)

	if diff := cmp.Diff([]string{"VEL 3 3", "VEL 0 0"}, h.board.Commands()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestLink_StopNotRepeatedOnExit(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.link.Send(Stop())
	h.waitForCommand(t, "VEL 0 0")
	h.stop(t)

	if diff := cmp.Diff([]string{"VEL 0 0"}, h.board.Commands()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestLink_PendingCommandFlushedOnExit(t *testing.T) {
	h := newHarness(t, nil)
	h.link.Send(Vel(7, 9))
	h.start(t)
	h.stop(t)

	got := h.board.Commands()
	if len(got) == 0 {
		t.Fatal("no commands written")
	}
	if last := got[len(got)-1]; last != "VEL 0 0" {
		t.Errorf("last command = %q, want VEL 0 0", last)
	}
	if !slices.Contains(got, "VEL 7 9") {
		t.Errorf("pending command not flushed: %q", got)
	}
}

func TestLink_StatusRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.board.SetStatusLine("4.9,7.2,3.6,3.6,81,70,0")
	h.start(t)

	h.link.RequestStatus()

	var st Status
	testutil.WaitFor(t, waitTimeout, func() bool {
		var ok bool
		st, ok = h.link.TakeStatus()
		return ok
	}, "no status received")

	if st.RPiBatteryVoltage != 4.9 {
		t.Errorf("RPiBatteryVoltage = %v, want 4.9", st.RPiBatteryVoltage)
	}
	if st.MotorBatteryCharge != 70 {
		t.Errorf("MotorBatteryCharge = %d, want 70", st.MotorBatteryCharge)
	}
	if st.ShutdownFlag {
		t.Error("ShutdownFlag should be false")
	}
	if st.Received.IsZero() {
		t.Error("Received should be stamped")
	}

	last, ok := h.link.LastStatus()
	if !ok {
		t.Fatal("LastStatus reported nothing")
	}
	if diff := cmp.Diff(st, last); diff != "" {
		t.Errorf("LastStatus mismatch (-taken +last):\n%s", diff)
	}
	h.stop(t)
}

func TestLink_StatusRequestFlushesPendingCommandFirst(t *testing.T) {
	h := newHarness(t, nil)
	h.link.Send(Vel(5, 5))
	h.link.RequestStatus()
	h.start(t)

	testutil.WaitFor(t, waitTimeout, func() bool {
		_, ok := h.link.LastStatus()
		return ok
	}, "no status received")
	h.stop(t)

	lines := h.board.WrittenLines()
	if len(lines) < 2 {
		t.Fatalf("written lines = %q, want at least 2", lines)
	}
	if diff := cmp.Diff([]string{"VEL 5 5", StatusRequest}, lines[:2]); diff != "" {
		t.Errorf("write order mismatch (-want +got):\n%s", diff)
	}
}

func TestLink_MalformedStatusDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.board.SetStatusLine("5.0,7.0,garbage")
	h.start(t)

	h.link.RequestStatus()
	testutil.WaitFor(t, waitTimeout, func() bool {
		return slices.Contains(h.board.WrittenLines(), StatusRequest) && h.link.State() == Connected
	}, "status reply never processed")

	if _, ok := h.link.TakeStatus(); ok {
		t.Error("a malformed reply must not produce a status")
	}
	h.stop(t)
}

func TestLink_StatusTimeoutSerializesCommands(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	h := newHarness(t, func(o *Options) {
		o.Clock = clock
		o.StatusTimeout = time.Second
	})
	h.board.SetSilent(true)
	h.start(t)

	h.link.RequestStatus()
	testutil.WaitFor(t, waitTimeout, func() bool { return h.link.State() == AwaitingStatus }, "never awaited status")

	h.link.Send(Vel(30, 30))
	time.Sleep(20 * time.Millisecond)
	if slices.Contains(h.board.Commands(), "VEL 30 30") {
		t.Error("commands should wait for the status reply")
	}

	clock.Advance(time.Second)
	h.waitForCommand(t, "VEL 30 30")
	if got := h.link.State(); got != Connected {
		t.Errorf("State() = %v, want connected", got)
	}
	h.stop(t)
}

func TestLink_UnserializedCommandsFlowWhileAwaiting(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SerializeStatus = false })
	h.board.SetSilent(true)
	h.start(t)

	h.link.RequestStatus()
	testutil.WaitFor(t, waitTimeout, func() bool { return h.link.State() == AwaitingStatus }, "never awaited status")

	h.link.Send(Vel(30, 30))
	h.waitForCommand(t, "VEL 30 30")
	if got := h.link.State(); got != AwaitingStatus {
		t.Errorf("State() = %v, want awaiting-status", got)
	}
	h.stop(t)
}

func TestLink_UnsolicitedLineIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.board.AddReadData([]byte("5.0,7.0,3.5,3.5,80,80,1\n"))
	time.Sleep(20 * time.Millisecond)

	if _, ok := h.link.TakeStatus(); ok {
		t.Error("an unsolicited line must not produce a status")
	}
	h.stop(t)
}

func TestLink_WriteErrorEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	writeErr := errors.New("i/o error")
	h.board.SetWriteError(writeErr)
	h.link.Send(Vel(40, 40))

	err := testutil.Receive[error](t, h.done, waitTimeout)
	if !errors.Is(err, ErrLinkDown) || !errors.Is(err, writeErr) {
		t.Errorf("Run error = %v, want ErrLinkDown wrapping %v", err, writeErr)
	}
	if !errors.Is(h.link.Err(), writeErr) {
		t.Errorf("Err() = %v, want %v", h.link.Err(), writeErr)
	}
	if diff := cmp.Diff([]string{"VEL 0 0"}, h.board.Commands()); diff != "" {
		t.Errorf("best-effort stop after failure mismatch (-want +got):\n%s", diff)
	}
	if !h.board.IsClosed() {
		t.Error("port should be closed after a failed session")
	}
}

func TestLink_ReadErrorEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	readErr := errors.New("framing error")
	h.board.FailReads(readErr)

	err := testutil.Receive[error](t, h.done, waitTimeout)
	if !errors.Is(err, ErrLinkDown) || !errors.Is(err, readErr) {
		t.Errorf("Run error = %v, want ErrLinkDown wrapping %v", err, readErr)
	}
}

func TestLink_ShortWriteNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.board.SetShortWrite()
	h.link.Send(Vel(1, 2))
	testutil.WaitFor(t, waitTimeout, func() bool { return len(h.board.GetWrittenData()) > 0 }, "no write")
	if _, ok := h.link.LastSent(); ok {
		t.Error("a truncated command must not count as sent")
	}

	h.link.Send(Vel(3, 4))
	testutil.WaitFor(t, waitTimeout, func() bool {
		return strings.Contains(string(h.board.GetWrittenData()), "\nVEL 3 4\n")
	}, "link stopped writing after a short write")
	if got := h.link.State(); got != Connected {
		t.Errorf("State() = %v, want connected", got)
	}
	if last, _ := h.link.LastSent(); last.Line() != "VEL 3 4" {
		t.Errorf("LastSent() = %v, want VEL 3 4", last)
	}
	h.stop(t)
}

func TestLink_ShortStopIsResentOnExit(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.link.Send(Vel(40, 40))
	h.waitForCommand(t, "VEL 40 40")

	h.board.SetShortWrite()
	h.link.Send(Stop())
	testutil.WaitFor(t, waitTimeout, func() bool {
		return string(h.board.GetWrittenData()) != "VEL 40 40\n"
	}, "stop never written")
	if last, _ := h.link.LastSent(); last.IsStop() {
		t.Error("a truncated stop must not count as sent")
	}
	h.stop(t)

	wire := string(h.board.GetWrittenData())
	if !strings.HasSuffix(wire, "\nVEL 0 0\n") {
		t.Errorf("wire = %q, want it to end with a complete stop line", wire)
	}
	if got := h.board.LastCommand(); got != "VEL 0 0" {
		t.Errorf("LastCommand() = %q, want VEL 0 0", got)
	}
	if last, ok := h.link.LastSent(); !ok || !last.IsStop() {
		t.Errorf("LastSent() = %v, %v; want a stop", last, ok)
	}
}

func TestLink_OpenFailure(t *testing.T) {
	openErr := errors.New("no such device")
	link := NewLink(Options{
		Path:   "/dev/missing",
		Open:   func(string, serialmux.PortOptions) (serialmux.SerialPorter, error) { return nil, openErr },
		Logger: zaptest.NewLogger(t),
	})

	err := link.Run(context.Background())
	if !errors.Is(err, ErrLinkDown) || !errors.Is(err, openErr) {
		t.Errorf("Run error = %v, want ErrLinkDown wrapping %v", err, openErr)
	}
	if got := link.State(); got != Disconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
	if _, _, ok := link.Subscribe(); ok {
		t.Error("Subscribe should fail without a session")
	}
}

func TestLink_AdminRoutes(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.link.Send(Vel(12, 13))
	h.waitForCommand(t, "VEL 12 13")

	mux := http.NewServeMux()
	h.link.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/vehicle", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"state":"connected"`, `"left":12`} {
		if !strings.Contains(body, want) {
			t.Errorf("body %s missing %s", body, want)
		}
	}
	h.stop(t)
}
