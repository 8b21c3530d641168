package telemetry

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/banshee-data/lanekeeper/internal/monitoring"
)

// maxBatch bounds how many queued records are written per transaction.
const maxBatch = 64

// RecorderStats counts records handled by a Recorder.
type RecorderStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Recorder accepts telemetry from the control loop without ever blocking
// it. Snapshots replace each other; cycle records are queued for the store
// and dropped when the queue is full.
type Recorder struct {
	store  *Store
	runID  string
	queue  chan Cycle
	logger *zap.Logger

	latest                   atomic.Pointer[Snapshot]
	written, dropped, failed atomic.Uint64
}

// NewRecorder returns a recorder writing to run id in store. A nil store
// keeps only the latest snapshot.
func NewRecorder(store *Store, runID string, buffer int, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1
	}
	return &Recorder{
		store:  store,
		runID:  runID,
		queue:  make(chan Cycle, buffer),
		logger: monitoring.Or(logger).Named("telemetry"),
	}
}

// RunID returns the run the recorder writes to.
func (r *Recorder) RunID() string { return r.runID }

// Publish replaces the live snapshot.
func (r *Recorder) Publish(s Snapshot) {
	r.latest.Store(&s)
}

// Latest returns the most recently published snapshot.
func (r *Recorder) Latest() (Snapshot, bool) {
	if s := r.latest.Load(); s != nil {
		return *s, true
	}
	return Snapshot{}, false
}

// Record queues c for the store.
func (r *Recorder) Record(c Cycle) {
	if r.store == nil {
		return
	}
	select {
	case r.queue <- c:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("telemetry queue full, dropping cycle records")
		}
	}
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}

// Run writes queued records until ctx is cancelled, then writes whatever is
// still queued and returns. Store errors are logged; recording continues.
func (r *Recorder) Run(ctx context.Context) error {
	if r.store == nil {
		<-ctx.Done()
		return nil
	}
	batch := make([]Cycle, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			r.flush(r.drain(batch[:0], len(r.queue)))
			return nil
		case c := <-r.queue:
			batch = append(batch[:0], c)
			r.flush(r.drain(batch, maxBatch-1))
		}
	}
}

// drain appends up to n queued records to batch without blocking.
func (r *Recorder) drain(batch []Cycle, n int) []Cycle {
	for range n {
		select {
		case c := <-r.queue:
			batch = append(batch, c)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) flush(batch []Cycle) {
	if len(batch) == 0 {
		return
	}
	// a cancelled run context must not abort the final write
	if err := r.store.InsertCycles(context.Background(), r.runID, batch); err != nil {
		r.failed.Add(uint64(len(batch)))
		r.logger.Error("write cycle records", zap.Error(err), zap.Int("records", len(batch)))
		return
	}
	r.written.Add(uint64(len(batch)))
}
