//go:build gocv

package main

import (
	"context"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/tracker"
	"github.com/banshee-data/lanekeeper/internal/vision"
)

type cameraPerception struct {
	*vision.Worker[gocv.Mat]
	prims *vision.GocvPrimitives
}

func (p cameraPerception) Run(ctx context.Context) error {
	defer p.prims.Close()
	return p.Worker.Run(ctx)
}

func newPerception(cfg config.App, logger *zap.Logger) (perception, error) {
	if cfg.Camera.Source == "replay" {
		return newReplayPerception(cfg, logger)
	}

	c := cfg.Camera
	src, err := vision.OpenCamera(c.Device, c.Width, c.Height, c.FPS)
	if err != nil {
		return nil, err
	}
	prims := vision.NewGocvPrimitives(vision.DefaultCalibration(), c.Width, c.Height)
	w := vision.NewWorker(vision.WorkerOptions[gocv.Mat]{
		Source:     src,
		Primitives: prims,
		Encoder:    vision.JPEGEncoder{},
		Settings:   cfg.Perception,
		Tracker:    tracker.ConfigFrom(cfg.Tracker),
		Logger:     logger,
	})
	return cameraPerception{Worker: w, prims: prims}, nil
}
