package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/control"
	"github.com/banshee-data/lanekeeper/internal/drive"
	"github.com/banshee-data/lanekeeper/internal/monitoring"
	"github.com/banshee-data/lanekeeper/internal/serialmux"
	"github.com/banshee-data/lanekeeper/internal/telemetry"
	"github.com/banshee-data/lanekeeper/internal/vehicle"
	"github.com/banshee-data/lanekeeper/internal/version"
)

func newRunCmd() *cobra.Command {
	var noConsole bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive the vehicle until quit, interrupt or low battery",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := monitoring.NewLogger(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			r := &runner{cfg: cfg, logger: logger, powerOff: systemPowerOff}
			if !noConsole {
				r.console = cmd.InOrStdin()
				fmt.Fprintln(cmd.ErrOrStderr(), consoleHelp)
			}
			_, err = r.run(ctx)
			return err
		},
	}

	d := config.Default()
	f := cmd.Flags()
	f.Bool("dev", d.Dev, usage("simulate the motor board", "dev"))
	f.String("port", d.Serial.Port, usage("motor board serial port", "port"))
	f.Int("baud", d.Serial.BaudRate, usage("motor board baud rate", "baud"))
	f.String("source", d.Camera.Source, usage("frame source: camera or replay", "source"))
	f.String("device", d.Camera.Device, usage("camera device index or path", "device"))
	f.String("replay", d.Camera.ReplayPath, usage("JSON-lines segment recording for the replay source", "replay"))
	f.String("listen", d.Telemetry.Listen, usage("debug and operator HTTP address, empty to disable", "listen"))
	f.Bool("power-off", d.Shutdown.PowerOff, usage("power the host off after a low-battery stop", "power-off"))
	f.BoolVar(&noConsole, "no-console", false, "do not read operator keys from stdin")
	return cmd
}

func systemPowerOff(ctx context.Context) error {
	return exec.CommandContext(ctx, "sudo", "shutdown", "-h", "now").Run()
}

// runner wires the vehicle link, perception worker, control loop and
// telemetry together for one run.
type runner struct {
	cfg    config.App
	logger *zap.Logger
	// console is read for operator keys when set.
	console io.Reader
	// opener replaces the serial port opener when set.
	opener   serialmux.Opener
	powerOff func(context.Context) error
}

// run drives until ctx ends, the operator quits, the perception worker
// stops, or the board reports low power. Workers are stopped in order:
// perception and control first, then the link once the final stop is
// queued, then telemetry.
func (r *runner) run(ctx context.Context) (drive.Reason, error) {
	cfg, logger := r.cfg, r.logger
	started := time.Now()

	var store *telemetry.Store
	runID := ""
	if cfg.Telemetry.DBPath != "" {
		s, err := telemetry.Open(cfg.Telemetry.DBPath)
		if err != nil {
			return 0, err
		}
		defer s.Close()
		id, err := s.BeginRun(ctx, started, version.Version, cfg.Camera.Source)
		if err != nil {
			return 0, err
		}
		store, runID = s, id
	}
	recorder := telemetry.NewRecorder(store, runID, cfg.Telemetry.Buffer, logger)

	perc, err := newPerception(cfg, logger)
	if err != nil {
		return 0, err
	}

	open := r.opener
	if open == nil && cfg.Dev {
		open = serialmux.NewSimulatedBoard().Opener()
		logger.Info("dev mode: simulating the motor board")
	}
	link := vehicle.NewLink(vehicle.Options{
		Path:            cfg.Serial.Port,
		Port:            serialmux.PortOptions{BaudRate: cfg.Serial.BaudRate},
		Open:            open,
		StatusTimeout:   cfg.Serial.StatusTimeout,
		SerializeStatus: cfg.Serial.SerializeStatus,
		Logger:          logger,
	})

	loop := drive.NewLoop(drive.Options{
		Period:         cfg.Control.Period,
		StatusInterval: cfg.Serial.StatusInterval,
		Steering:       control.ConfigFrom(cfg.Control),
		Perception:     perc,
		Vehicle:        link,
		Telemetry:      recorder,
		Logger:         logger,
	})

	linkCtx, stopLink := context.WithCancel(context.Background())
	defer stopLink()
	linkDone := make(chan error, 1)
	go func() { linkDone <- link.Run(linkCtx) }()

	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	recDone := make(chan error, 1)
	go func() { recDone <- recorder.Run(recCtx) }()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	percDone := make(chan error, 1)
	go func() {
		err := perc.Run(runCtx)
		if err != nil {
			logger.Error("perception stopped", zap.Error(err))
		}
		cancelRun()
		percDone <- err
	}()

	if cfg.Telemetry.Listen != "" {
		mux := http.NewServeMux()
		link.AttachAdminRoutes(mux)
		loop.AttachAdminRoutes(mux)
		perc.AttachAdminRoutes(mux)
		recorder.AttachAdminRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				logger.Warn("telemetry db routes unavailable", zap.Error(err))
			}
		}
		srv := &http.Server{Addr: cfg.Telemetry.Listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("debug server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				srv.Close()
			}
		}()
		logger.Info("debug server listening", zap.String("addr", cfg.Telemetry.Listen))
	}

	if r.console != nil {
		go func() {
			if err := runConsole(runCtx, r.console, loop, logger); err != nil {
				logger.Warn("console stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("run started", zap.String("run", runID), zap.String("version", version.Version))
	reason := loop.Run(runCtx)
	cancelRun()

	var percErr error
	select {
	case percErr = <-percDone:
	case <-time.After(cfg.Shutdown.Grace):
		logger.Warn("perception did not stop in time", zap.Duration("grace", cfg.Shutdown.Grace))
	}

	stopLink()
	select {
	case err := <-linkDone:
		if err != nil {
			logger.Warn("vehicle link ended with error", zap.Error(err))
		}
	case <-time.After(cfg.Serial.Grace):
		logger.Warn("vehicle link did not stop in time", zap.Duration("grace", cfg.Serial.Grace))
	}

	stopRecorder()
	select {
	case <-recDone:
	case <-time.After(cfg.Shutdown.Grace):
		logger.Warn("telemetry recorder did not drain in time")
	}
	if store != nil {
		if err := store.EndRun(context.Background(), runID, time.Now(), reason.String()); err != nil {
			logger.Warn("could not record end of run", zap.Error(err))
		}
	}
	stats := recorder.Stats()
	logger.Info("run finished",
		zap.Stringer("reason", reason),
		zap.Duration("elapsed", time.Since(started)),
		zap.Uint64("cycles", loop.Cycles()),
		zap.Uint64("records_written", stats.Written),
		zap.Uint64("records_dropped", stats.Dropped))

	if reason == drive.ReasonLowPower && cfg.Shutdown.PowerOff && r.powerOff != nil {
		logger.Warn("low battery, powering off")
		if err := r.powerOff(context.Background()); err != nil {
			return reason, fmt.Errorf("power off: %w", err)
		}
	}
	if percErr != nil {
		return reason, fmt.Errorf("perception: %w", percErr)
	}
	return reason, nil
}
