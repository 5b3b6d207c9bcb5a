package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jwulff/livescribe/internal/config"
	"github.com/jwulff/livescribe/internal/relay"
)

func newRelayCmd(root *rootFlags) *cobra.Command {
	var echo bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the websocket relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cfg, false)
			if err != nil {
				return err
			}
			defer closeLog.Close()

			srv := relay.NewServer(cfg.Relay, recognizerFor(cfg.Relay, echo, logger), logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() { errc <- srv.Listen() }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			logger.Info("relay shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&echo, "echo", false, "answer with byte counts instead of calling Deepgram")
	return cmd
}

// recognizerFor picks Deepgram when a key is configured.
func recognizerFor(cfg config.RelayConfig, echo bool, logger *slog.Logger) relay.Recognizer {
	if echo || cfg.Deepgram.APIKey == "" {
		logger.Info("using echo recognizer")
		return relay.EchoRecognizer{}
	}
	return &relay.DeepgramRecognizer{Config: cfg.Deepgram, Logger: logger.With("component", "deepgram")}
}
