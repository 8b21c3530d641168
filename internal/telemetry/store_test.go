package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lanekeeper/internal/control"
	"github.com/banshee-data/lanekeeper/internal/lane"
	"github.com/banshee-data/lanekeeper/internal/vehicle"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleCycles(t0 time.Time) []Cycle {
	return []Cycle{
		{
			Seq:      1,
			Time:     t0,
			Measured: lane.Pair{Left: lane.NewFit(-0.5, 215)},
			Tracked:  lane.Pair{Left: lane.NewFit(-0.5, 214.9), Right: lane.NewFit(0, 0)},
			Tracking: true,
			Command:  vehicle.Stop(),
		},
		{
			Seq:                 2,
			Time:                t0.Add(50 * time.Millisecond),
			FrameSeq:            7,
			Measured:            lane.Pair{Left: lane.NewFit(-0.5, 215), Right: lane.NewFit(0.5, 265)},
			Tracked:             lane.Pair{Left: lane.NewFit(-0.5, 215), Right: lane.NewFit(0.5, 265)},
			Tracking:            true,
			Control:             true,
			Motors:              true,
			Steering:            true,
			Terms:               control.Terms{Error: 10, P: 0.5, I: 0.025, D: 2, Output: 2.525},
			Command:             vehicle.Vel(47, 52).WithNote("pid"),
			RPiBatteryVoltage:   ptr(5.02),
			MotorBatteryVoltage: ptr(7.61),
		},
		{
			Seq:      3,
			Time:     t0.Add(100 * time.Millisecond),
			Command:  vehicle.Stop(),
			LinkDown: true,
		},
	}
}

func TestStore_Pragmas(t *testing.T) {
	s := openTestStore(t)

	var journal string
	require.NoError(t, s.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)

	var busy int
	require.NoError(t, s.QueryRow("PRAGMA busy_timeout").Scan(&busy))
	assert.Equal(t, 5000, busy)
}

func TestStore_MigratesToLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.db")
	s, err := Open(path)
	require.NoError(t, err)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
	require.NoError(t, s.Close())

	// reopening an up-to-date store is a no-op
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestStore_CyclesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	id, err := s.BeginRun(ctx, t0, "test", "replay")
	require.NoError(t, err)
	assert.Len(t, id, 36)

	want := sampleCycles(t0)
	require.NoError(t, s.InsertCycles(ctx, id, want))

	got, err := s.Cycles(ctx, id)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cycles mismatch (-want +got):\n%s", diff)
	}

	other, err := s.Cycles(ctx, "no-such-run")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStore_DuplicateSeqRejectedWhole(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.BeginRun(ctx, time.Unix(0, 0), "test", "replay")
	require.NoError(t, err)

	cycles := sampleCycles(time.Unix(0, 0))
	cycles[2].Seq = 1
	assert.Error(t, s.InsertCycles(ctx, id, cycles))

	got, err := s.Cycles(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got, "a failed batch leaves nothing behind")
}

func TestStore_Runs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.LatestRun(ctx)
	assert.Error(t, err)

	first, err := s.BeginRun(ctx, time.Unix(100, 0), "v1", "camera")
	require.NoError(t, err)
	second, err := s.BeginRun(ctx, time.Unix(200, 0), "v1", "replay")
	require.NoError(t, err)
	require.NoError(t, s.EndRun(ctx, first, time.Unix(150, 0), "quit"))
	assert.Error(t, s.EndRun(ctx, "missing", time.Unix(150, 0), "quit"))

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, latest)

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.True(t, runs[0].Ended.IsZero())
	assert.Equal(t, first, runs[1].ID)
	assert.Equal(t, "quit", runs[1].Reason)
	assert.Equal(t, time.Unix(150, 0), runs[1].Ended)
	assert.Equal(t, "camera", runs[1].Source)
}
