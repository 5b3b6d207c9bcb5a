// Command livescribe captures audio, streams it to a transcription relay and
// shows the running transcript in a terminal UI.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jwulff/livescribe/internal/config"
)

var version = "dev"

type rootFlags struct {
	configPath string
	envFile    string
	env        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "livescribe",
		Short:         "Live audio transcription over a websocket relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file")
	root.PersistentFlags().StringVar(&flags.env, "env", "", "preset: development, staging or production")

	run := newRunCmd(flags)
	root.RunE = run.RunE
	root.Flags().AddFlagSet(run.Flags())

	root.AddCommand(
		run,
		newRelayCmd(flags),
		newSessionsCmd(flags),
		newExportCmd(flags),
		newMCPCmd(flags),
	)
	return root
}

// loadConfig resolves configuration for a subcommand.
func (f *rootFlags) loadConfig() (config.Config, error) {
	opts := config.LoadOptions{Path: f.configPath, EnvFile: f.envFile}
	if f.env != "" {
		env := f.env
		opts.Lookup = func(key string) (string, bool) {
			if key == "LIVESCRIBE_ENV" {
				return env, true
			}
			return os.LookupEnv(key)
		}
	}
	return config.Load(opts)
}

// newLogger builds the process logger. When toFile is set, output goes to
// cfg.LogFile, or a file next to the archive, so the terminal stays clean.
func newLogger(cfg config.Config, toFile bool) (*slog.Logger, io.Closer, error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if !toFile {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), io.NopCloser(nil), nil
	}

	path := cfg.LogFile
	if path == "" {
		path = filepath.Join(filepath.Dir(cfg.DBPath), "livescribe.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return slog.New(slog.NewJSONHandler(f, opts)), f, nil
}
