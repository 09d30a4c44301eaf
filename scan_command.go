package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"pairfinder/database"
	"pairfinder/logging"
	"pairfinder/scanner"
	"pairfinder/signalhandler"
	"pairfinder/utils"

	"github.com/spf13/cobra"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	var folder string
	var force bool
	var workers int

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Fingerprint a folder into the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			info, err := os.Stat(folder)
			if err != nil {
				return fmt.Errorf("cannot access folder path %s: %w", folder, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("path is not a directory: %s", folder)
			}

			fp, release, err := newFingerprinter(cfg)
			if err != nil {
				return err
			}
			defer release()

			db, err := openDatabase(cfg.Storage.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			runCtx, cancel := signalhandler.NotifyContext(cmd.Context())
			defer cancel()

			if workers <= 0 {
				workers = cfg.Session.Workers
			}
			start := time.Now()
			out := cmd.OutOrStdout()
			results, err := scanner.ScanAndStoreFolder(runCtx, db, fp, scanner.ScanOptions{
				FolderPath:   folder,
				ForceRewrite: force,
				Workers:      workers,
				Out:          out,
			})
			if err != nil {
				return fmt.Errorf("scan folder: %w", err)
			}
			var cached, failed int
			for _, r := range results {
				switch {
				case r.Err != nil:
					failed++
				case r.Cached:
					cached++
				}
			}
			logging.LogInfo("scanned %s: %d images, %d cached, %d failed in %v",
				folder, len(results), cached, failed, time.Since(start).Round(time.Millisecond))

			fmt.Fprintf(out, "\nScan completed successfully!\n")
			fmt.Fprintf(out, "Total execution time: %v\n", time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(out, "Database: %s\n", cfg.Storage.Database)

			stats, err := database.GetScanStats(db, fp.Name())
			if err == nil && stats != nil {
				fmt.Fprintf(out, "\nSummary (%s):\n", stats.Fingerprinter)
				fmt.Fprintf(out, "- Total images cached: %d\n", stats.TotalImages)
				formats := make([]string, 0, len(stats.Formats))
				for format := range stats.Formats {
					formats = append(formats, format)
				}
				sort.Strings(formats)
				for _, format := range formats {
					fmt.Fprintf(out, "- %s: %d\n", format, stats.Formats[format])
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "Folder to fingerprint")
	cmd.Flags().BoolVar(&force, "force", false, "Recompute fingerprints of unchanged files")
	cmd.Flags().IntVar(&workers, "workers", 0, "Worker pool size (0 uses 3/4 of the CPUs)")
	_ = cmd.MarkFlagRequired("folder")
	return cmd
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var image string
	var thresholdStr string
	var limit int

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find cached counterparts of one image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			threshold := cfg.Matching.Threshold
			if thresholdStr != "" {
				if threshold, err = utils.ParseThreshold(thresholdStr); err != nil {
					return err
				}
			}
			if _, err := os.Stat(image); err != nil {
				return fmt.Errorf("query image: %w", err)
			}
			if _, err := os.Stat(cfg.Storage.Database); os.IsNotExist(err) {
				return fmt.Errorf("database does not exist: %s. Run scan command first", cfg.Storage.Database)
			}

			pcfg, err := cfg.Pairing()
			if err != nil {
				return err
			}
			fp, release, err := newFingerprinter(cfg)
			if err != nil {
				return err
			}
			defer release()

			db, err := database.OpenDatabase(cfg.Storage.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			start := time.Now()
			fmt.Fprintln(out, "Searching for counterpart images...")
			query, candidates, err := scanner.SearchCache(cmd.Context(), db, fp, scanner.SearchOptions{
				QueryPath: image,
				Threshold: threshold,
				Limit:     limit,
				Scale:     pcfg.Scale,
			})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			logging.LogInfo("searched %s: %d matches above %.2f", query.Path, len(candidates), threshold)
			fmt.Fprintf(out, "Query: %s (%dx%d)\n", query.Path, query.Width, query.Height)
			fmt.Fprintln(out, "\nTop Matches:")
			if len(candidates) == 0 {
				fmt.Fprintln(out, "No matches found.")
			}
			for i, c := range candidates {
				fmt.Fprintf(out, "%d. Image: %s (%dx%d)\n", i+1, c.Record.Path, c.Record.Width, c.Record.Height)
				fmt.Fprintf(out, "   Similarity: %.4f\n", c.Similarity)
				scaleInfo := c.Estimate.Verdict.String()
				if c.Estimate.Scale.Known() {
					scaleInfo = fmt.Sprintf("%s (x%s)", scaleInfo, c.Estimate.Scale)
				} else if c.Estimate.Reason != "" {
					scaleInfo = fmt.Sprintf("%s (%s)", scaleInfo, c.Estimate.Reason)
				}
				fmt.Fprintf(out, "   Scale: %s\n", scaleInfo)
			}
			fmt.Fprintf(out, "\nTotal search time: %v\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "Query image")
	cmd.Flags().StringVar(&thresholdStr, "threshold", "", "Minimum similarity in [0, 1]")
	cmd.Flags().IntVar(&limit, "limit", 5, "Maximum number of matches")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}
