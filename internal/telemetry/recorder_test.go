package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/banshee-data/lanekeeper/internal/testutil"
	"github.com/banshee-data/lanekeeper/internal/vehicle"
)

// beginRun opens a test store with one run started.
func beginRun(t *testing.T) (*Store, string) {
	t.Helper()
	s := openTestStore(t)
	id, err := s.BeginRun(context.Background(), time.Unix(0, 0), "test", "replay")
	if err != nil {
		t.Fatalf("BeginRun returned error: %v", err)
	}
	return s, id
}

func TestRecorder_WritesAndDrainsOnCancel(t *testing.T) {
	s, id := beginRun(t)
	ctx := context.Background()

	r := NewRecorder(s, id, 16, zaptest.NewLogger(t))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Run(runCtx) }()

	for i := range 10 {
		r.Record(Cycle{Seq: uint64(i + 1), Time: time.Unix(0, int64(i)), Command: vehicle.Stop()})
	}
	cancel()
	if err := testutil.Receive[error](t, done, 2*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got, err := s.Cycles(ctx, id)
	if err != nil {
		t.Fatalf("Cycles returned error: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("stored %d cycles, want 10", len(got))
	}
	if st := r.Stats(); st != (RecorderStats{Written: 10}) {
		t.Errorf("Stats() = %+v, want 10 written", st)
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	s, id := beginRun(t)

	// not running: the queue fills and further records are dropped
	r := NewRecorder(s, id, 2, zaptest.NewLogger(t))
	for i := range 5 {
		r.Record(Cycle{Seq: uint64(i + 1)})
	}
	if got := r.Stats().Dropped; got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
}

func TestRecorder_StoreFailureCounted(t *testing.T) {
	s, id := beginRun(t)

	r := NewRecorder(s, id, 4, zaptest.NewLogger(t))
	r.Record(Cycle{Seq: 1})
	r.Record(Cycle{Seq: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := r.Stats().Failed; got != 2 {
		t.Errorf("Failed = %d, want 2", got)
	}
}

func TestRecorder_WithoutStore(t *testing.T) {
	r := NewRecorder(nil, "", 0, zaptest.NewLogger(t))
	r.Record(Cycle{Seq: 1})
	if st := r.Stats(); st != (RecorderStats{}) {
		t.Errorf("Stats() = %+v, want zero without a store", st)
	}

	if _, ok := r.Latest(); ok {
		t.Error("Latest() before any Publish should report nothing")
	}
	r.Publish(Snapshot{Image: []byte{1}})
	snap, ok := r.Latest()
	if !ok || len(snap.Image) != 1 || snap.Image[0] != 1 {
		t.Errorf("Latest() = %+v, %v; want the published snapshot", snap, ok)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Errorf("Run returned error: %v", err)
	}
}

func get(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutes(t *testing.T) {
	s, id := beginRun(t)
	r := NewRecorder(s, id, 4, zaptest.NewLogger(t))

	mux := http.NewServeMux()
	if err := s.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes returned error: %v", err)
	}
	r.AttachAdminRoutes(mux)

	if code := get(t, mux, "/debug/telemetry").Code; code != http.StatusServiceUnavailable {
		t.Errorf("telemetry before publish = %d, want 503", code)
	}
	if code := get(t, mux, "/debug/frame").Code; code != http.StatusNotFound {
		t.Errorf("frame before publish = %d, want 404", code)
	}

	r.Publish(Snapshot{Time: time.Unix(0, 0).UTC(), Image: []byte("\xff\xd8\xff\xe0jpeg"), LinkDown: true})
	rec := get(t, mux, "/debug/telemetry")
	if rec.Code != http.StatusOK {
		t.Fatalf("telemetry = %d, want 200", rec.Code)
	}
	for _, want := range []string{`"link":"down"`, `"rpiBatteryVoltage":null`} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("telemetry body %s missing %s", rec.Body.String(), want)
		}
	}

	rec = get(t, mux, "/debug/frame")
	if rec.Code != http.StatusOK {
		t.Errorf("frame = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("frame Content-Type = %q, want image/jpeg", ct)
	}

	rec = get(t, mux, "/debug/runs")
	if rec.Code != http.StatusOK {
		t.Errorf("runs = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), id) {
		t.Errorf("runs body missing run %s", id)
	}
}
