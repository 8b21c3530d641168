package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/drive"
	"github.com/banshee-data/lanekeeper/internal/tracker"
	"github.com/banshee-data/lanekeeper/internal/vision"
)

// perception is a running perception worker, whatever its image type.
type perception interface {
	drive.Perception
	Run(ctx context.Context) error
	AttachAdminRoutes(mux *http.ServeMux)
}

// newReplayPerception replays recorded segments at the configured frame
// rate, looping forever.
func newReplayPerception(cfg config.App, logger *zap.Logger) (perception, error) {
	frames, err := vision.LoadReplay(cfg.Camera.ReplayPath)
	if err != nil {
		return nil, err
	}
	src := vision.NewReplaySource(frames, time.Second/time.Duration(cfg.Camera.FPS), true, nil)
	return vision.NewWorker(vision.WorkerOptions[*vision.ReplayFrame]{
		Source:     src,
		Primitives: vision.ReplayPrimitives{},
		Encoder:    vision.ReplayEncoder{},
		Settings:   cfg.Perception,
		Tracker:    tracker.ConfigFrom(cfg.Tracker),
		Logger:     logger,
	}), nil
}
