package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jwulff/livescribe/internal/db"
	"github.com/jwulff/livescribe/internal/export"
)

func newSessionsCmd(root *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List archived sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.Sessions(limit)
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessions)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

func printSessions(w io.Writer, sessions []db.Session) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tMESSAGES\tENDPOINT")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.StartedAt.Local().Format(time.DateTime), s.Status, s.MessageCount, s.Endpoint)
	}
	return tw.Flush()
}

func newExportCmd(root *rootFlags) *cobra.Command {
	var (
		sessionID  string
		format     string
		timestamps bool
		system     bool
		outDir     string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export an archived session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var sess *db.Session
			if sessionID != "" {
				sess, err = store.Session(sessionID)
			} else {
				sess, err = store.LatestSession()
			}
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("no archived session found")
			}

			msgs, err := store.MessagesForSession(sess.ID)
			if err != nil {
				return err
			}
			now := time.Now()
			payload, err := export.Transcription(msgs, export.Options{
				Format:                f,
				IncludeTimestamps:     timestamps,
				IncludeSystemMessages: system,
			}, now)
			if err != nil {
				return fmt.Errorf("export session %s: %w", sess.ID, err)
			}

			dir := outDir
			if dir == "" {
				dir = cfg.ExportDir
			}
			path, err := export.Save(dir, now, f, payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: latest)")
	cmd.Flags().StringVar(&format, "format", "txt", "txt, json, csv or srt")
	cmd.Flags().BoolVar(&timestamps, "timestamps", false, "include timestamps (txt, csv)")
	cmd.Flags().BoolVar(&system, "system", false, "include system messages")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default: export_dir)")
	return cmd
}
