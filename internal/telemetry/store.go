package telemetry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/lanekeeper/internal/lane"
	"github.com/banshee-data/lanekeeper/internal/monitoring"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store persists runs and cycle records in sqlite.
type Store struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the store at path and migrates it to the
// latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	// one writer; it also keeps the pragmas below on the only connection
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{DB: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// MigrateUp runs all pending migrations. It is a no-op on an up-to-date
// store.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion reports the schema version and dirty state.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	monitoring.L().Sugar().Infof("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// BeginRun records the start of a run and returns its id.
func (s *Store) BeginRun(ctx context.Context, started time.Time, version, source string) (string, error) {
	id := uuid.NewString()
	_, err := s.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_ns, version, source) VALUES (?, ?, ?, ?)`,
		id, started.UnixNano(), version, source)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// EndRun records why and when a run finished.
func (s *Store) EndRun(ctx context.Context, id string, ended time.Time, reason string) error {
	res, err := s.ExecContext(ctx,
		`UPDATE runs SET ended_ns = ?, reason = ? WHERE run_id = ?`,
		ended.UnixNano(), reason, id)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end run: unknown run %q", id)
	}
	return nil
}

const insertCycle = `INSERT INTO cycles (
	run_id, seq, time_ns, frame_seq,
	measured_left_slope, measured_left_intercept, measured_right_slope, measured_right_intercept,
	tracked_left_slope, tracked_left_intercept, tracked_right_slope, tracked_right_intercept,
	tracking, control, motors, steering,
	steer_error, steer_p, steer_i, steer_d, steer_output,
	left_speed, right_speed, command_note,
	rpi_voltage, motor_voltage, link_down
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertCycles writes a batch of records for run id in one transaction.
func (s *Store) InsertCycles(ctx context.Context, id string, cycles []Cycle) error {
	if len(cycles) == 0 {
		return nil
	}
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert cycles: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertCycle)
	if err != nil {
		return fmt.Errorf("insert cycles: %w", err)
	}
	defer stmt.Close()

	for _, c := range cycles {
		ml, mr := nullFit(c.Measured.Left), nullFit(c.Measured.Right)
		tl, tr := nullFit(c.Tracked.Left), nullFit(c.Tracked.Right)
		terms := [5]sql.NullFloat64{}
		if c.Steering {
			for i, v := range []float64{c.Terms.Error, c.Terms.P, c.Terms.I, c.Terms.D, c.Terms.Output} {
				terms[i] = sql.NullFloat64{Float64: v, Valid: true}
			}
		}
		frame := sql.NullInt64{Int64: int64(c.FrameSeq), Valid: c.FrameSeq != 0}
		_, err := stmt.ExecContext(ctx,
			id, int64(c.Seq), c.Time.UnixNano(), frame,
			ml[0], ml[1], mr[0], mr[1],
			tl[0], tl[1], tr[0], tr[1],
			c.Tracking, c.Control, c.Motors, c.Steering,
			terms[0], terms[1], terms[2], terms[3], terms[4],
			c.Command.Left, c.Command.Right, c.Command.Note,
			nullFloat(c.RPiBatteryVoltage), nullFloat(c.MotorBatteryVoltage), c.LinkDown,
		)
		if err != nil {
			return fmt.Errorf("insert cycle %d: %w", c.Seq, err)
		}
	}
	return tx.Commit()
}

// Runs lists the recorded runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT run_id, started_ns, ended_ns, version, source, reason FROM runs ORDER BY started_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r      Run
			start  int64
			end    sql.NullInt64
			reason sql.NullString
		)
		if err := rows.Scan(&r.ID, &start, &end, &r.Version, &r.Source, &reason); err != nil {
			return nil, err
		}
		r.Started = time.Unix(0, start)
		if end.Valid {
			r.Ended = time.Unix(0, end.Int64)
		}
		r.Reason = reason.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the id of the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (string, error) {
	var id string
	err := s.QueryRowContext(ctx, `SELECT run_id FROM runs ORDER BY started_ns DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no runs recorded")
	}
	return id, err
}

// Cycles returns the records of run id in sequence order.
func (s *Store) Cycles(ctx context.Context, id string) ([]Cycle, error) {
	rows, err := s.QueryContext(ctx, `SELECT
		seq, time_ns, frame_seq,
		measured_left_slope, measured_left_intercept, measured_right_slope, measured_right_intercept,
		tracked_left_slope, tracked_left_intercept, tracked_right_slope, tracked_right_intercept,
		tracking, control, motors, steering,
		steer_error, steer_p, steer_i, steer_d, steer_output,
		left_speed, right_speed, command_note,
		rpi_voltage, motor_voltage, link_down
	FROM cycles WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("read cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		var (
			c              Cycle
			seq, ts        int64
			frame          sql.NullInt64
			ml, mr, tl, tr [2]sql.NullFloat64
			terms          [5]sql.NullFloat64
			note           sql.NullString
			rpi, motor     sql.NullFloat64
		)
		err := rows.Scan(&seq, &ts, &frame,
			&ml[0], &ml[1], &mr[0], &mr[1],
			&tl[0], &tl[1], &tr[0], &tr[1],
			&c.Tracking, &c.Control, &c.Motors, &c.Steering,
			&terms[0], &terms[1], &terms[2], &terms[3], &terms[4],
			&c.Command.Left, &c.Command.Right, &note,
			&rpi, &motor, &c.LinkDown)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.Seq = uint64(seq)
		c.Time = time.Unix(0, ts)
		c.FrameSeq = uint64(frame.Int64)
		c.Measured = lane.Pair{Left: fitFrom(ml), Right: fitFrom(mr)}
		c.Tracked = lane.Pair{Left: fitFrom(tl), Right: fitFrom(tr)}
		c.Terms.Error, c.Terms.P, c.Terms.I = terms[0].Float64, terms[1].Float64, terms[2].Float64
		c.Terms.D, c.Terms.Output = terms[3].Float64, terms[4].Float64
		c.Command.Note = note.String
		c.RPiBatteryVoltage = floatPtr(rpi)
		c.MotorBatteryVoltage = floatPtr(motor)
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullFit(f lane.Fit) [2]sql.NullFloat64 {
	if !f.Valid {
		return [2]sql.NullFloat64{}
	}
	return [2]sql.NullFloat64{{Float64: f.Slope, Valid: true}, {Float64: f.Intercept, Valid: true}}
}

func fitFrom(v [2]sql.NullFloat64) lane.Fit {
	if !v[0].Valid || !v[1].Valid {
		return lane.Absent
	}
	return lane.NewFit(v[0].Float64, v[1].Float64)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
