package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pairfinder/database"
	"pairfinder/export"
	"pairfinder/logging"
	"pairfinder/pairing"
	"pairfinder/report"
	"pairfinder/scanner"
	"pairfinder/signalhandler"
	"pairfinder/utils"

	"github.com/spf13/cobra"
)

type pairFlags struct {
	hqDir         string
	lqDir         string
	outDir        string
	manifestPath  string
	threshold     string
	workers       int
	fingerprinter string
	dryRun        bool
	force         bool
	noCache       bool
	showPairs     bool
}

func newPairCommand(ctx *commandContext) *cobra.Command {
	var f pairFlags

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair an HQ directory with an LQ directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPair(cmd, ctx, f)
		},
	}

	cmd.Flags().StringVar(&f.hqDir, "hq", "", "Directory of high-resolution images")
	cmd.Flags().StringVar(&f.lqDir, "lq", "", "Directory of low-resolution images")
	cmd.Flags().StringVar(&f.outDir, "out", "", "Export paired images, manifest and action log here")
	cmd.Flags().StringVar(&f.manifestPath, "manifest", "", "Write the manifest JSON to this file")
	cmd.Flags().StringVar(&f.threshold, "threshold", "", "Content similarity threshold in [0, 1]")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Worker pool size (0 uses 3/4 of the CPUs)")
	cmd.Flags().StringVar(&f.fingerprinter, "fingerprinter", "", "Fingerprint backend: phash, pixelstats or embedding")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Report the pairing without exporting images")
	cmd.Flags().BoolVar(&f.force, "force", false, "Recompute cached fingerprints")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "Do not use the fingerprint cache")
	cmd.Flags().BoolVar(&f.showPairs, "pairs", false, "Print every confirmed pair")
	_ = cmd.MarkFlagRequired("hq")
	_ = cmd.MarkFlagRequired("lq")

	return cmd
}

func runPair(cmd *cobra.Command, ctx *commandContext, f pairFlags) error {
	cfg, err := ctx.config()
	if err != nil {
		return err
	}
	if f.fingerprinter != "" {
		cfg.Session.Fingerprinter = f.fingerprinter
	}
	if f.workers > 0 {
		cfg.Session.Workers = f.workers
	}
	if f.threshold != "" {
		threshold, err := utils.ParseThreshold(f.threshold)
		if err != nil {
			return err
		}
		cfg.Matching.Threshold = threshold
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	pcfg, err := cfg.Pairing()
	if err != nil {
		return err
	}
	if pcfg.HQRoot, err = filepath.Abs(f.hqDir); err != nil {
		return err
	}
	if pcfg.LQRoot, err = filepath.Abs(f.lqDir); err != nil {
		return err
	}

	hq, err := scanner.ListImages(pcfg.HQRoot)
	if err != nil {
		return fmt.Errorf("list hq images: %w", err)
	}
	lq, err := scanner.ListImages(pcfg.LQRoot)
	if err != nil {
		return fmt.Errorf("list lq images: %w", err)
	}

	logger := logging.Logger()
	opts := []pairing.Option{
		pairing.WithLogger(logger),
		pairing.WithProgress(scanner.TerminalWriter(os.Stderr)),
	}

	var db *sql.DB
	if cfg.Storage.Cache && !f.noCache {
		if db, err = openDatabase(cfg.Storage.Database); err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, pairing.WithCache(db, f.force))
	}

	runCtx, cancel := signalhandler.NotifyContext(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pairing %d HQ images with %d LQ images...\n", len(hq), len(lq))
	m, err := pairing.RunSession(runCtx, hq, lq, pcfg, opts...)
	if err != nil {
		if errors.Is(err, pairing.ErrNoInput) {
			return fmt.Errorf("%w (hq: %s, lq: %s)", err, pcfg.HQRoot, pcfg.LQRoot)
		}
		return err
	}

	if err := report.RenderSummary(out, m); err != nil {
		return err
	}
	if f.showPairs {
		if err := report.RenderPairs(out, m); err != nil {
			return err
		}
	}

	if db != nil {
		if err := database.RecordSession(db, m); err != nil {
			logger.Warn("failed to record session", "session", m.SessionID, "error", err)
		}
	}

	if f.manifestPath != "" {
		if err := export.WriteManifest(m, f.manifestPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "Manifest written to %s\n", f.manifestPath)
	}
	if f.outDir != "" && !f.dryRun {
		doc, err := export.Write(m, f.outDir, export.Options{Logger: logger})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Exported %d pairs to %s\n", len(doc.Files), f.outDir)
	}

	if m.Partial {
		return errors.New("session was cancelled; results are partial")
	}
	return nil
}
