package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/telemetry"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func effectiveConfig(t *testing.T, args ...string) config.App {
	t.Helper()
	out, err := execute(t, append([]string{"config"}, args...)...)
	require.NoError(t, err, out)
	var cfg config.App
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	return cfg
}

func TestConfig_Defaults(t *testing.T) {
	assert.Equal(t, config.Default(), effectiveConfig(t))
}

func TestConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "lanekeeper.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
serial:
  port: /dev/ttyS0
  status_interval: 2s
control:
  kp: 0.2
perception:
  blurIterations: 3
telemetry:
  listen: localhost:9000
`), 0o644))
	t.Setenv("LANEKEEPER_CONTROL_KI", "0.5")
	t.Setenv("LANEKEEPER_TELEMETRY_LISTEN", "localhost:9100")

	cfg := effectiveConfig(t, "--config", file, "--log-level", "debug", "--db", "")

	assert.Equal(t, "/dev/ttyS0", cfg.Serial.Port, "file")
	assert.Equal(t, 2*time.Second, cfg.Serial.StatusInterval, "file duration")
	assert.Equal(t, 0.2, cfg.Control.Kp, "file")
	assert.Equal(t, 3, cfg.Perception.BlurIterations, "file settings")
	assert.Equal(t, 0.5, cfg.Control.Ki, "env")
	assert.Equal(t, "localhost:9100", cfg.Telemetry.Listen, "env over file")
	assert.Equal(t, "debug", cfg.Log.Level, "flag")
	assert.Empty(t, cfg.Telemetry.DBPath, "flag set to empty")
	assert.Equal(t, config.Default().Control.Kd, cfg.Control.Kd, "default")
}

func TestConfig_Invalid(t *testing.T) {
	_, err := execute(t, "config", "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")

	_, err = execute(t, "config", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRunFlagsReachConfig(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--dev", "--source", "replay", "--replay", "x.jsonl", "--port", "/dev/null", "--power-off=false"}))
	cfgFile = ""

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.True(t, cfg.Dev)
	assert.Equal(t, "replay", cfg.Camera.Source)
	assert.Equal(t, "x.jsonl", cfg.Camera.ReplayPath)
	assert.Equal(t, "/dev/null", cfg.Serial.Port)
	assert.False(t, cfg.Shutdown.PowerOff)
}

func TestReplayWithoutPathRejected(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--source", "replay"}))
	cfgFile = ""

	_, err := loadConfig(cmd)
	require.Error(t, err)
}

func TestUsageNamesEnvironment(t *testing.T) {
	assert.Equal(t, "serial port (env LANEKEEPER_SERIAL_PORT)", usage("serial port", "port"))
}

func TestRunsAndPlot(t *testing.T) {
	h := newRunHarness(t)
	s, err := telemetry.Open(h.db)
	require.NoError(t, err)
	ctx := t.Context()
	t0 := time.Unix(1_700_000_000, 0)
	id, err := s.BeginRun(ctx, t0, "test", "replay")
	require.NoError(t, err)
	require.NoError(t, s.InsertCycles(ctx, id, []telemetry.Cycle{
		{Seq: 1, Time: t0},
		{Seq: 2, Time: t0.Add(50 * time.Millisecond)},
	}))
	require.NoError(t, s.EndRun(ctx, id, t0.Add(3*time.Second), "quit"))
	require.NoError(t, s.Close())

	out, err := execute(t, "runs", "--db", h.db)
	require.NoError(t, err, out)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "3s")
	assert.Contains(t, out, "quit")

	dir := filepath.Join(t.TempDir(), "plots")
	out, err = execute(t, "plot", "--db", h.db, "--out", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, filepath.Join(dir, "speeds.png"))
	assert.FileExists(t, filepath.Join(dir, "speeds.png"))

	_, err = execute(t, "plot", "--db", h.db, "--run", "nope", "--out", dir)
	require.Error(t, err)
}
