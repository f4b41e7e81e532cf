package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cdcw/intake/internal/config"
	"github.com/cdcw/intake/pkg/intake"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:          "intake",
	Short:        "Intake - offline-first guest services station",
	Long:         "Records guest services locally and delivers them to the shared ledger in order.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides INTAKE_CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(logServiceCmd)
	rootCmd.AddCommand(anonymousCmd)
	rootCmd.AddCommand(clothingCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(replaceCardCmd)
	rootCmd.AddCommand(guestCmd)
}

// loadConfig reads the file named by --config if given, else the default
// lookup with env overrides.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openStation loads config, installs the logger and opens the station.
// Command output goes to stdout, so logs go to stderr.
func openStation(cmd *cobra.Command) (*intake.Station, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Log))

	st, err := intake.Open(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open station: %w", err)
	}
	return st, nil
}

// withStation runs fn against an open station and closes it afterwards.
func withStation(cmd *cobra.Command, fn func(ctx context.Context, st *intake.Station) error) error {
	st, err := openStation(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("station close error", "error", err)
		}
	}()
	return fn(cmd.Context(), st)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}
