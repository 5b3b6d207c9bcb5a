package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/jwulff/livescribe/internal/app"
	"github.com/jwulff/livescribe/internal/capture"
	"github.com/jwulff/livescribe/internal/db"
	"github.com/jwulff/livescribe/internal/session"
)

func newRunCmd(root *rootFlags) *cobra.Command {
	var (
		endpoint  string
		source    string
		noArchive bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open the transcription UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if endpoint != "" {
				cfg.Endpoint = endpoint
			}
			if source != "" {
				cfg.Source = source
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, closeLog, err := newLogger(cfg, true)
			if err != nil {
				return err
			}
			defer closeLog.Close()

			opts := session.Options{Config: cfg, Logger: logger}
			if cfg.Source != "" {
				opts.Provider = &capture.WAVProvider{Path: cfg.Source}
			}
			if !noArchive {
				store, err := db.Open(cfg.DBPath)
				if err != nil {
					return err
				}
				defer store.Close()
				opts.Store = store
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			s := session.New(opts)
			p := tea.NewProgram(app.New(ctx, s, cfg.Endpoint), tea.WithAltScreen())
			s.Log().Observe(app.Observer(ctx, p.Send))

			if err := s.Open(ctx); err != nil {
				return err
			}
			defer s.Close()

			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run ui: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "relay websocket url")
	cmd.Flags().StringVar(&source, "source", "", "WAV file to replay as the microphone")
	cmd.Flags().BoolVar(&noArchive, "no-archive", false, "do not record the session in the archive")
	return cmd
}
