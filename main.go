package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"pairfinder/config"
	"pairfinder/database"
	"pairfinder/imageprocessor"
	"pairfinder/logging"
	"pairfinder/signalhandler"
	"pairfinder/utils"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "~/.config/pairfinder/config.toml"

func main() {
	runtime.GOMAXPROCS(signalhandler.GetOptimalProcs())

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commandContext carries global flags and the lazily loaded configuration
type commandContext struct {
	configPath string
	dbPath     string
	logFile    string
	debug      bool

	cfg    config.Config
	loaded bool
}

func (c *commandContext) config() (config.Config, error) {
	if c.loaded {
		return c.cfg, nil
	}
	path := c.configPath
	if path == "" {
		path = defaultConfigPath
	}
	cfg, _, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if c.dbPath != "" {
		cfg.Storage.Database = utils.ExpandHome(c.dbPath)
	}
	if c.logFile != "" {
		cfg.Logging.File = utils.ExpandHome(c.logFile)
	}
	if c.debug {
		cfg.Logging.Level = "debug"
	}
	c.cfg, c.loaded = cfg, true
	return cfg, nil
}

// openDatabase initializes the cache database, retrying briefly while
// another process holds it
func openDatabase(path string) (*sql.DB, error) {
	const maxRetries = 3
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		db, err := database.InitDatabase(path)
		if err == nil {
			return db, nil
		}
		lastErr = err
		if i < maxRetries-1 {
			logging.LogWarning("Error initializing database (attempt %d/%d): %v - retrying...", i+1, maxRetries, err)
			time.Sleep(time.Second * time.Duration(i+1))
		}
	}
	return nil, fmt.Errorf("initialize database after %d attempts: %w", maxRetries, lastErr)
}

// newFingerprinter builds the configured backend; the release func closes it
func newFingerprinter(cfg config.Config) (imageprocessor.Fingerprinter, func(), error) {
	p, err := cfg.Pairing()
	if err != nil {
		return nil, nil, err
	}
	fp, err := imageprocessor.NewFingerprinter(p.Fingerprinter, imageprocessor.Options{Embedder: p.Embedder})
	if err != nil {
		return nil, nil, err
	}
	release := func() {}
	if c, ok := fp.(io.Closer); ok {
		release = func() { _ = c.Close() }
	}
	return fp, release, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "pairfinder",
		Short:         "Find and align HQ/LQ image pairs for super-resolution datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["skipConfigLoad"] == "true" {
				return nil
			}
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			if err := logging.SetupLogger(cfg.Logging.File, logging.ParseLevel(cfg.Logging.Level)); err != nil {
				return fmt.Errorf("setup logging: %w", err)
			}
			if ctx.debug && cfg.Logging.File != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Debug mode enabled. Logging to: %s\n", cfg.Logging.File)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.CloseLogger()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configPath, "config", "c", "", "Configuration file path (default "+defaultConfigPath+")")
	flags.StringVar(&ctx.dbPath, "database", "", "Fingerprint cache database path")
	flags.StringVar(&ctx.logFile, "logfile", "", "Write JSON logs to this file")
	flags.BoolVar(&ctx.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newPairCommand(ctx))
	rootCmd.AddCommand(newScanCommand(ctx))
	rootCmd.AddCommand(newSearchCommand(ctx))
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
