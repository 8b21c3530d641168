// Package config defines the process configuration and the hot-swappable
// perception settings.
//
// Process configuration is read once at start-up through viper (YAML file,
// LANEKEEPER_* environment variables, command-line flags) and validated with
// go-playground/validator. Perception settings are an immutable snapshot that
// is replaced wholesale when an operator patch is applied.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// LANEKEEPER_SERIAL_PORT for serial.port.
const EnvPrefix = "LANEKEEPER"

// App is the full process configuration.
type App struct {
	Dev        bool      `mapstructure:"dev" yaml:"dev"`
	Log        Log       `mapstructure:"log" yaml:"log"`
	Serial     Serial    `mapstructure:"serial" yaml:"serial"`
	Camera     Camera    `mapstructure:"camera" yaml:"camera"`
	Control    Control   `mapstructure:"control" yaml:"control"`
	Tracker    Tracker   `mapstructure:"tracker" yaml:"tracker"`
	Perception Settings  `mapstructure:"perception" yaml:"perception"`
	Telemetry  Telemetry `mapstructure:"telemetry" yaml:"telemetry"`
	Shutdown   Shutdown  `mapstructure:"shutdown" yaml:"shutdown"`
}

// Log selects the zap logger flavour.
type Log struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json console"`
}

// Serial configures the motor board link.
type Serial struct {
	Port     string `mapstructure:"port" yaml:"port" validate:"required"`
	BaudRate int    `mapstructure:"baud_rate" yaml:"baud_rate" validate:"gte=0"`
	// StatusInterval is how often the control loop asks the board for power
	// telemetry.
	StatusInterval time.Duration `mapstructure:"status_interval" yaml:"status_interval" validate:"gt=0"`
	// StatusTimeout bounds the wait for a reply to one STATUS request.
	StatusTimeout time.Duration `mapstructure:"status_timeout" yaml:"status_timeout" validate:"gt=0"`
	// SerializeStatus suspends motion commands while a STATUS reply is
	// outstanding.
	SerializeStatus bool `mapstructure:"serialize_status" yaml:"serialize_status"`
	// Grace bounds how long the link may take to flush the final stop.
	Grace time.Duration `mapstructure:"grace" yaml:"grace" validate:"gt=0"`
}

// Camera configures the frame source.
type Camera struct {
	// Source is "camera" for a live device or "replay" for recorded segments.
	Source     string `mapstructure:"source" yaml:"source" validate:"oneof=camera replay"`
	Device     string `mapstructure:"device" yaml:"device"`
	ReplayPath string `mapstructure:"replay_path" yaml:"replay_path" validate:"required_if=Source replay"`
	Width      int    `mapstructure:"width" yaml:"width" validate:"gt=0"`
	Height     int    `mapstructure:"height" yaml:"height" validate:"gt=0"`
	FPS        int    `mapstructure:"fps" yaml:"fps" validate:"gt=0"`
}

// Line holds the coefficients of x = Slope·y + Intercept.
type Line struct {
	Slope     float64 `mapstructure:"slope" yaml:"slope"`
	Intercept float64 `mapstructure:"intercept" yaml:"intercept"`
}

// Control configures the steering controller and the loop cadence.
type Control struct {
	Period        time.Duration `mapstructure:"period" yaml:"period" validate:"gt=0"`
	Kp            float64       `mapstructure:"kp" yaml:"kp"`
	Ki            float64       `mapstructure:"ki" yaml:"ki"`
	Kd            float64       `mapstructure:"kd" yaml:"kd"`
	IntegralLimit float64       `mapstructure:"integral_limit" yaml:"integral_limit" validate:"gte=0"`
	BaseSpeed     int           `mapstructure:"base_speed" yaml:"base_speed" validate:"gte=0,lte=100"`
	// ReferenceRow is the image row, in pixels, at which lateral error is
	// measured.
	ReferenceRow   float64 `mapstructure:"reference_row" yaml:"reference_row" validate:"gte=0"`
	ReferenceLeft  Line    `mapstructure:"reference_left" yaml:"reference_left"`
	ReferenceRight Line    `mapstructure:"reference_right" yaml:"reference_right"`
}

// Tracker configures the per-lane Kalman filters.
type Tracker struct {
	Dt                       float64 `mapstructure:"dt" yaml:"dt" validate:"gt=0"`
	InitialUncertainty       float64 `mapstructure:"initial_uncertainty" yaml:"initial_uncertainty" validate:"gt=0"`
	SlopeProcessVariance     float64 `mapstructure:"slope_process_variance" yaml:"slope_process_variance" validate:"gte=0"`
	InterceptProcessVariance float64 `mapstructure:"intercept_process_variance" yaml:"intercept_process_variance" validate:"gte=0"`
	MeasurementVariance      float64 `mapstructure:"measurement_variance" yaml:"measurement_variance" validate:"gt=0"`
	MaxCovarianceDiag        float64 `mapstructure:"max_covariance_diag" yaml:"max_covariance_diag" validate:"gtfield=InitialUncertainty"`
}

// Telemetry configures the cycle store and the debug HTTP listener.
type Telemetry struct {
	// DBPath is the sqlite file receiving per-cycle records. Empty disables
	// recording.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
	Listen string `mapstructure:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
	// Buffer is the number of records queued for the store before new ones
	// are dropped.
	Buffer int `mapstructure:"buffer" yaml:"buffer" validate:"gt=0"`
}

// Shutdown configures process exit.
type Shutdown struct {
	// Grace bounds how long start-up waits for each worker to stop.
	Grace time.Duration `mapstructure:"grace" yaml:"grace" validate:"gt=0"`
	// PowerOff requests an OS power-off after a low-battery stop.
	PowerOff bool `mapstructure:"power_off" yaml:"power_off"`
}

// Default returns the configuration used when nothing overrides it. The
// control and tracker numbers are the values the vehicle was tuned with.
func Default() App {
	const frameHeight = 320
	return App{
		Log: Log{Level: "info", Format: "console"},
		Serial: Serial{
			Port:            "/dev/ttyAMA0",
			BaudRate:        115200,
			StatusInterval:  time.Second,
			StatusTimeout:   time.Second,
			SerializeStatus: true,
			Grace:           time.Second,
		},
		Camera: Camera{
			Source: "camera",
			Device: "0",
			Width:  480,
			Height: frameHeight,
			FPS:    24,
		},
		Control: Control{
			Period:         50 * time.Millisecond,
			Kp:             0.05,
			Ki:             0.05,
			Kd:             0.01,
			IntegralLimit:  50,
			BaseSpeed:      50,
			ReferenceRow:   0.57 * frameHeight,
			ReferenceLeft:  Line{Slope: -3.45, Intercept: 778.36},
			ReferenceRight: Line{Slope: 3.66, Intercept: -328.14},
		},
		Tracker: Tracker{
			Dt:                       1.0 / 20,
			InitialUncertainty:       500,
			SlopeProcessVariance:     30,
			InterceptProcessVariance: 30,
			MeasurementVariance:      0.5,
			MaxCovarianceDiag:        1e6,
		},
		Perception: DefaultSettings(),
		Telemetry: Telemetry{
			DBPath: "lanekeeper.db",
			Listen: "localhost:8080",
			Buffer: 256,
		},
		Shutdown: Shutdown{
			Grace:    5 * time.Second,
			PowerOff: true,
		},
	}
}

// ControlPeriodSeconds returns the control period as the Δt used by the PID.
func (c Control) ControlPeriodSeconds() float64 {
	return c.Period.Seconds()
}

// SetDefaults registers every leaf of Default() with v so that environment
// variables and config files can override any key.
func SetDefaults(v *viper.Viper) error {
	raw, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("unmarshal defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// NewViper returns a viper instance with defaults and environment overrides
// wired. A non-empty path is read as a YAML config file.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	if err := SetDefaults(v); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Load decodes v into an App and validates it.
func Load(v *viper.Viper) (App, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return App{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return App{}, err
	}
	return cfg, nil
}

// Validate checks every section of the configuration.
func (c App) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if math.IsNaN(c.Control.Kp) || math.IsNaN(c.Control.Ki) || math.IsNaN(c.Control.Kd) {
		return fmt.Errorf("invalid config: controller gains must be numbers")
	}
	return nil
}

// YAML renders the configuration the way it would be written in a config
// file.
func (c App) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
