package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/lane"
	"github.com/banshee-data/lanekeeper/internal/mailbox"
	"github.com/banshee-data/lanekeeper/internal/monitoring"
	"github.com/banshee-data/lanekeeper/internal/timeutil"
	"github.com/banshee-data/lanekeeper/internal/tracker"
)

// Result is what the perception worker hands to the control loop.
type Result struct {
	Seq  uint64
	Time time.Time
	// Measured are this frame's raw fits; Tracked the filtered estimates.
	Measured lane.Pair
	Tracked  lane.Pair
	// Tracking is false for cycles that did not advance the trackers.
	Tracking bool
	Segments int
	// Image is the encoded display stage, nil without an encoder.
	Image   []byte
	Elapsed time.Duration
}

// WorkerStats counts what the worker has done since it started.
type WorkerStats struct {
	Frames    uint64 `json:"frames"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
	Patches   uint64 `json:"patches"`
	Rejected  uint64 `json:"rejected"`
}

// WorkerOptions configures a Worker.
type WorkerOptions[I any] struct {
	Source     FrameSource[I]
	Primitives Primitives[I]
	// Encoder is optional; without one results carry no image.
	Encoder  Encoder[I]
	Settings config.Settings
	Tracker  tracker.Config
	Clock    timeutil.Clock
	Logger   *zap.Logger
}

// Worker runs the perception pipeline on its own goroutine. It owns the
// frame source, the pipeline and both lane trackers. Results are handed over
// one at a time: the worker keeps only its newest result and delivers it
// once the consumer has signalled Ready, so a slow consumer never queues
// more than one frame.
type Worker[I any] struct {
	opts     WorkerOptions[I]
	pipeline *Pipeline[I]
	clock    timeutil.Clock
	logger   *zap.Logger

	left, right *tracker.Tracker

	settings atomic.Pointer[config.Settings]
	patches  *mailbox.Latest[config.SettingsPatch]

	results *mailbox.Latest[Result]
	ready   *mailbox.Flag

	held    *Result
	heldImg I
	hasImg  bool
	seq     uint64

	frames, dropped, delivered, applied, rejected atomic.Uint64
}

// NewWorker returns a worker that has not started. The consumer starts out
// ready, so the first result is delivered as soon as it exists.
func NewWorker[I any](opts WorkerOptions[I]) *Worker[I] {
	w := &Worker[I]{
		opts:     opts,
		pipeline: NewPipeline(opts.Primitives),
		clock:    timeutil.OrReal(opts.Clock),
		logger:   monitoring.Or(opts.Logger).Named("vision"),
		left:     tracker.New(opts.Tracker),
		right:    tracker.New(opts.Tracker),
		patches:  mailbox.NewLatest[config.SettingsPatch](),
		results:  mailbox.NewLatest[Result](),
		ready:    mailbox.NewFlag(),
	}
	s := opts.Settings
	w.settings.Store(&s)
	w.ready.Set()
	return w
}

// TakeResult returns the delivered result, if any.
func (w *Worker[I]) TakeResult() (Result, bool) {
	return w.results.TryTake()
}

// ResultC exposes the result slot for use in a select.
func (w *Worker[I]) ResultC() <-chan Result { return w.results.C() }

// Ready tells the worker the consumer can take another result.
func (w *Worker[I]) Ready() { w.ready.Set() }

// Patch queues a settings change. Patches not yet applied are merged key by
// key, later values winning. The change takes effect between frames. Patch
// must only be called from one goroutine: the merge happens on the caller's
// side of the slot, and the worker only ever takes from it.
func (w *Worker[I]) Patch(p config.SettingsPatch) {
	if p.IsEmpty() {
		return
	}
	if pending, ok := w.patches.TryTake(); ok {
		p = pending.Merge(p)
	}
	w.patches.Put(p)
}

// Settings returns the snapshot the next frame will be processed with.
func (w *Worker[I]) Settings() config.Settings {
	return *w.settings.Load()
}

// Stats returns the worker counters.
func (w *Worker[I]) Stats() WorkerStats {
	return WorkerStats{
		Frames:    w.frames.Load(),
		Dropped:   w.dropped.Load(),
		Delivered: w.delivered.Load(),
		Patches:   w.applied.Load(),
		Rejected:  w.rejected.Load(),
	}
}

// Run processes frames until the source ends or ctx is cancelled, which
// both return nil. Any other source error is returned. The source is closed
// on return.
func (w *Worker[I]) Run(ctx context.Context) error {
	defer func() {
		w.dropHeld()
		if err := w.opts.Source.Close(); err != nil {
			w.logger.Warn("close frame source", zap.Error(err))
		}
	}()

	for {
		w.applyPatches()

		frame, err := w.opts.Source.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			w.logger.Info("frame source exhausted", zap.Uint64("frames", w.frames.Load()))
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrFrameDropped):
			w.logger.Debug("frame dropped")
			w.cycleWithoutFrame()
			w.offer()
			w.dropped.Add(1)
			continue
		default:
			return fmt.Errorf("read frame: %w", err)
		}

		w.cycle(frame)
		w.opts.Primitives.Release(frame)
		w.offer()
		w.frames.Add(1)
	}
}

func (w *Worker[I]) applyPatches() {
	p, ok := w.patches.TryTake()
	if !ok {
		return
	}
	next, err := w.settings.Load().Apply(p)
	if err != nil {
		w.rejected.Add(1)
		w.logger.Warn("rejected settings patch", zap.Error(err))
		return
	}
	w.applied.Add(1)
	w.settings.Store(&next)
	w.logger.Info("applied settings patch", zap.Any("settings", next))
}

func (w *Worker[I]) cycle(frame I) {
	start := w.clock.Now()
	s := w.Settings()

	out := w.pipeline.Process(frame, s)
	res := w.track(out.Measured, out.Disabled)
	res.Time = start
	res.Segments = len(out.Segments)
	res.Elapsed = w.clock.Since(start)
	w.hold(res, out.Display, true)
}

// cycleWithoutFrame counts a lost frame as a cycle with no measurement, so
// the trackers coast.
func (w *Worker[I]) cycleWithoutFrame() {
	var zero I
	res := w.track(lane.Pair{Left: lane.Absent, Right: lane.Absent}, !w.Settings().Enabled)
	res.Time = w.clock.Now()
	w.hold(res, zero, false)
}

func (w *Worker[I]) track(measured lane.Pair, disabled bool) Result {
	res := Result{Measured: measured}
	if disabled {
		res.Tracked = lane.Pair{Left: w.left.Estimate(), Right: w.right.Estimate()}
		return res
	}
	res.Tracked = lane.Pair{Left: w.left.Step(measured.Left), Right: w.right.Step(measured.Right)}
	res.Tracking = true
	return res
}

// hold replaces the undelivered result with res.
func (w *Worker[I]) hold(res Result, img I, hasImg bool) {
	w.seq++
	res.Seq = w.seq
	w.dropHeld()
	w.held = &res
	w.heldImg, w.hasImg = img, hasImg
}

func (w *Worker[I]) dropHeld() {
	if w.hasImg {
		w.opts.Primitives.Release(w.heldImg)
	}
	var zero I
	w.held, w.heldImg, w.hasImg = nil, zero, false
}

// offer delivers the held result if the consumer is ready. The display
// image is encoded only here.
func (w *Worker[I]) offer() {
	if w.held == nil || !w.ready.Take() {
		return
	}
	res := *w.held
	if w.hasImg && w.opts.Encoder != nil {
		img, err := w.opts.Encoder.Encode(w.heldImg)
		if err != nil {
			w.logger.Warn("encode display", zap.Error(err))
		} else {
			res.Image = img
		}
	}
	w.dropHeld()
	w.results.Put(res)
	w.delivered.Add(1)
}
