//go:build !gocv

package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/banshee-data/lanekeeper/internal/config"
)

func newPerception(cfg config.App, logger *zap.Logger) (perception, error) {
	if cfg.Camera.Source != "replay" {
		return nil, fmt.Errorf("camera source %q needs a build with -tags gocv", cfg.Camera.Source)
	}
	return newReplayPerception(cfg, logger)
}
