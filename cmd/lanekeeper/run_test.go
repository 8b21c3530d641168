package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/drive"
	"github.com/banshee-data/lanekeeper/internal/lane"
	"github.com/banshee-data/lanekeeper/internal/serialmux"
	"github.com/banshee-data/lanekeeper/internal/telemetry"
	"github.com/banshee-data/lanekeeper/internal/vision"
)

func writeReplay(t *testing.T, dir string) string {
	t.Helper()
	frame := vision.ReplayFrame{
		Width:  480,
		Height: 320,
		Segments: []lane.Segment{
			{X1: 120, Y1: 190, X2: 160, Y2: 110},
			{X1: 320, Y1: 110, X2: 360, Y2: 190},
		},
	}
	line, err := json.Marshal(frame)
	require.NoError(t, err)
	path := filepath.Join(dir, "segments.jsonl")
	require.NoError(t, os.WriteFile(path, append(line, '\n'), 0o644))
	return path
}

type runHarness struct {
	runner   *runner
	board    *serialmux.SimulatedBoard
	db       string
	poweroff atomic.Int32
}

func newRunHarness(t *testing.T) *runHarness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Dev = true
	cfg.Camera.Source = "replay"
	cfg.Camera.ReplayPath = writeReplay(t, dir)
	cfg.Telemetry.DBPath = filepath.Join(dir, "telemetry.db")
	cfg.Telemetry.Listen = ""
	require.NoError(t, cfg.Validate())

	h := &runHarness{board: serialmux.NewSimulatedBoard(), db: cfg.Telemetry.DBPath}
	h.runner = &runner{
		cfg:    cfg,
		logger: zaptest.NewLogger(t),
		opener: h.board.Opener(),
		powerOff: func(context.Context) error {
			h.poweroff.Add(1)
			return nil
		},
	}
	return h
}

func (h *runHarness) runs(t *testing.T) []telemetry.Run {
	t.Helper()
	s, err := telemetry.Open(h.db)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Runs(context.Background())
	require.NoError(t, err)
	return runs
}

func TestRun_CancelledRecordsRun(t *testing.T) {
	h := newRunHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	reason, err := h.runner.run(ctx)
	require.NoError(t, err)
	assert.Equal(t, drive.ReasonCancelled, reason)
	assert.Equal(t, "VEL 0 0", h.board.LastCommand())

	runs := h.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, "cancelled", runs[0].Reason)
	assert.Equal(t, "replay", runs[0].Source)
	assert.False(t, runs[0].Ended.IsZero())

	s, err := telemetry.Open(h.db)
	require.NoError(t, err)
	defer s.Close()
	cycles, err := s.Cycles(context.Background(), runs[0].ID)
	require.NoError(t, err)
	assert.NotEmpty(t, cycles)
	assert.Zero(t, h.poweroff.Load())
}

func TestRun_ConsoleQuit(t *testing.T) {
	h := newRunHarness(t)
	h.runner.console = strings.NewReader("w\nq\n")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reason, err := h.runner.run(ctx)
	require.NoError(t, err)
	assert.Equal(t, drive.ReasonQuit, reason)
	assert.Equal(t, "VEL 0 0", h.board.LastCommand())
	assert.Equal(t, "quit", h.runs(t)[0].Reason)
}

func TestRun_LowPowerPowersOff(t *testing.T) {
	h := newRunHarness(t)
	h.board.SetStatusLine("4.61,6.02,3.01,3.01,5,3,1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reason, err := h.runner.run(ctx)
	require.NoError(t, err)
	assert.Equal(t, drive.ReasonLowPower, reason)
	assert.Equal(t, int32(1), h.poweroff.Load())
	assert.Equal(t, "low-power", h.runs(t)[0].Reason)
}

func TestRun_LowPowerWithoutPowerOff(t *testing.T) {
	h := newRunHarness(t)
	h.runner.cfg.Shutdown.PowerOff = false
	h.board.SetStatusLine("4.61,6.02,3.01,3.01,5,3,1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reason, err := h.runner.run(ctx)
	require.NoError(t, err)
	assert.Equal(t, drive.ReasonLowPower, reason)
	assert.Zero(t, h.poweroff.Load())
}
