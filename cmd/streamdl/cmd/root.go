// Package cmd implements the CLI commands for streamdl.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/streamdl/internal/config"
	"github.com/jmylchreest/streamdl/internal/observability"
	"github.com/jmylchreest/streamdl/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// ExitError carries a process exit status through cobra's error plumbing.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "streamdl",
	Short:   "Streaming service downloader",
	Version: version.Short(),
	Long: `streamdl downloads titles from streaming services: it parses DASH, HLS and
Smooth Streaming manifests, fetches and decrypts the selected tracks, and
muxes them into a single Matroska file.

Service adapters provide authentication and manifest discovery; keys are
cached in a federation of local and remote vaults.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		var exit *ExitError
		if !errors.As(err, &exit) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/streamdl, $HOME/.streamdl)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig reads the configuration and applies the logging flags, which
// override config and environment values only when explicitly set.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		if strings.EqualFold(level, "warning") {
			level = "warn"
		}
		cfg.Logging.Level = strings.ToLower(level)
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ := rootCmd.PersistentFlags().GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	return logger
}
