package main

import (
	"fmt"

	"pairfinder/database"
	"pairfinder/export"
	"pairfinder/report"
	"pairfinder/types"

	"github.com/spf13/cobra"
)

func newReportCommand() *cobra.Command {
	var manifestPath string
	var showPairs bool

	cmd := &cobra.Command{
		Use:         "report",
		Short:       "Summarize an exported manifest",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := export.ReadManifest(manifestPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s (%s)\n", doc.SessionID, doc.CreatedAt.Format("2006-01-02 15:04:05"))
			if doc.HQRoot != "" || doc.LQRoot != "" {
				fmt.Fprintf(out, "HQ: %s\nLQ: %s\n", doc.HQRoot, doc.LQRoot)
			}
			if err := report.RenderSummary(out, doc.PairingManifest); err != nil {
				return err
			}
			if showPairs {
				return report.RenderPairs(out, doc.PairingManifest)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Manifest JSON written by pair")
	cmd.Flags().BoolVar(&showPairs, "pairs", false, "Print every confirmed pair")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [SESSION_ID]",
		Short: "List recorded sessions, or the action log of one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			db, err := database.OpenDatabase(cfg.Storage.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				actions, err := database.SessionActions(db, args[0])
				if err != nil {
					return err
				}
				if len(actions) == 0 {
					return fmt.Errorf("no recorded actions for session %s", args[0])
				}
				if err := report.RenderSummary(out, types.PairingManifest{Actions: actions}); err != nil {
					return err
				}
				for _, a := range actions {
					fmt.Fprintln(out, a.String())
				}
				return nil
			}

			sessions, err := database.ListSessions(db, limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions recorded.")
				return nil
			}
			for _, s := range sessions {
				partial := ""
				if s.Partial {
					partial = " (partial)"
				}
				fmt.Fprintf(out, "%s  %s  %d pairs, %d/%d orphans%s\n",
					s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"), s.Pairs, s.OrphansHQ, s.OrphansLQ, partial)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of sessions to list")
	return cmd
}
