// Package cmd implements the CLI commands for vigil-worker.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vigil-video/vigil/internal/config"
	"github.com/vigil-video/vigil/internal/observability"
	"github.com/vigil-video/vigil/internal/version"
)

var (
	// cfgFile holds the config file path from the CLI flag.
	cfgFile string

	// cfg and cfgErr are populated by initConfig before any RunE executes.
	cfg    *config.Config
	cfgErr error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "vigil-worker",
	Short:   "Inference worker for vigil",
	Version: version.Short(),
	Long: `vigil-worker accepts frame streams from vigil-edge agents over TCP,
runs object detection on every frame, tracks objects across the frames of
each recording session, and writes session artifacts (metadata, track
segments) to disk.

One worker serves many edges; model engines are shared across the
connections that request them.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Global flags. The log flags are NOT bound to viper: they override the
	// config/env values only when explicitly set, which keeps the priority
	// flag > env > file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default vigil.yaml in ., $HOME/.config/vigil, /etc/vigil)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig loads configuration from file and environment. Errors surface
// from PersistentPreRunE so they travel cobra's usual reporting path.
func initConfig() {
	cfg, cfgErr = config.Load(cfgFile)
}

// initLogging configures the default slog logger from the loaded
// configuration and any explicitly set log flags.
func initLogging() error {
	if cfgErr != nil {
		return cfgErr
	}

	logCfg := cfg.Log
	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		logCfg.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		logCfg.Format, _ = flags.GetString("log-format")
	}

	logCfg.Level = strings.ToLower(logCfg.Level)
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	observability.SetDefault(observability.WithApp(logger, "vigil-worker"))
	return nil
}
