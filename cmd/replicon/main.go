// Replicon - reliable UDP transport and entity replication host.
//
// Replicon runs an authoritative entity world, replicates it to connected
// peers over a reliable UDP protocol, exposes a REST API for remote
// management and publishes telemetry via MQTT.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/replicon-project/replicon/internal/config"
	"github.com/replicon-project/replicon/internal/util"
)

const (
	AppName    = "Replicon"
	AppVersion = "1.0.0"
	Banner     = `
  ____            _ _
 |  _ \ ___ _ __ | (_) ___ ___  _ __
 | |_) / _ \ '_ \| | |/ __/ _ \| '_ \
 |  _ <  __/ |_) | | | (_| (_) | | | |
 |_| \_\___| .__/|_|_|\___\___/|_| |_|
           |_|  v%s
 Reliable UDP entity replication
`
)

func main() {
	var configDir string

	rootCmd := &cobra.Command{
		Use:           "replicon",
		Short:         "Reliable UDP transport and entity replication host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", config.DefaultConfigDir, "configuration directory")

	rootCmd.AddCommand(
		serveCmd(&configDir),
		connectCmd(&configDir),
		initCmd(&configDir),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s/%s)\n", AppName, AppVersion, runtime.GOOS, runtime.GOARCH)
		},
	}
}

func initCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Run the interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configDir)
			if err != nil {
				return err
			}
			return config.RunSetupWizard(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// loadConfig loads the configuration and reconfigures the global logger from
// it. name tags the log file.
func loadConfig(configDir, name string) (*config.Config, error) {
	if _, err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logging := cfg.GetApplicationData().Logging
	logFile, err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    true,
		Name:       name,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else {
		log.Debug().Str("file", logFile).Msg("logging to file")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return nil, fmt.Errorf("configuration validation failed, run 'replicon init' or fix %s", cfg.Path())
	}
	return cfg, nil
}
