// Command lanekeeper drives a camera-guided vehicle along a two-line lane.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/banshee-data/lanekeeper/internal/config"
	"github.com/banshee-data/lanekeeper/internal/version"
)

var cfgFile string

// flagKeys maps command-line flags to configuration keys. Flags not listed
// here are command options and never reach the configuration.
var flagKeys = map[string]string{
	"dev":        "dev",
	"log-level":  "log.level",
	"log-format": "log.format",
	"port":       "serial.port",
	"baud":       "serial.baud_rate",
	"source":     "camera.source",
	"device":     "camera.device",
	"replay":     "camera.replay_path",
	"db":         "telemetry.db_path",
	"listen":     "telemetry.listen",
	"power-off":  "shutdown.power_off",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lanekeeper",
		Short:         "Lane-keeping controller for a two-wheel vehicle",
		Version:       version.FullVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	d := config.Default()
	root.PersistentFlags().String("log-level", d.Log.Level, usage("log level: debug, info, warn or error", "log-level"))
	root.PersistentFlags().String("log-format", d.Log.Format, usage("log format: console or json", "log-format"))
	root.PersistentFlags().String("db", d.Telemetry.DBPath, usage("telemetry database path, empty to disable recording", "db"))

	root.AddCommand(newRunCmd())
	root.AddCommand(newPlotCmd())
	root.AddCommand(newRunsCmd())
	root.AddCommand(newConfigCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lanekeeper:", err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration for cmd: defaults, then the config
// file, then LANEKEEPER_* environment variables, then flags set on the
// command line.
func loadConfig(cmd *cobra.Command) (config.App, error) {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return config.App{}, err
	}
	if err := bindFlags(cmd, v); err != nil {
		return config.App{}, err
	}
	return config.Load(v)
}

// bindFlags binds every mapped flag of cmd, persistent ones included, to its
// configuration key.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("bind flag --%s: %w", f.Name, err)
		}
	})
	return bindErr
}

// usage appends the environment variable that also sets flag.
func usage(desc, flag string) string {
	key := flagKeys[flag]
	return fmt.Sprintf("%s (env %s_%s)", desc, config.EnvPrefix, strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
}
