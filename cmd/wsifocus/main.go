package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wsifocus/internal/models"
	"wsifocus/pkg/batch"
	"wsifocus/pkg/config"
	"wsifocus/pkg/logging"
)

// app carries the state shared by every subcommand of one invocation
type app struct {
	configPath string
	verbose    bool
	logFile    string

	cfg    *config.Config
	logger *zap.Logger
}

// exitError ends the process with a specific exit code
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitCode maps an Execute error to the process exit code
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return models.ExitCode(err)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "wsifocus",
		Short: "Extended depth-of-field fusion for multi-plane whole-slide images",
		Long: `wsifocus fuses the focal planes of gigapixel whole-slide scans into one
in-focus composite, tile by tile.

Slides are read from <name>.zstack directories holding one image per focal
plane (z0.png, z1.tif, ...); split builds them from multi-page TIFF scans.
Tiles can be fused directly from the slide, or extracted per plane, regrouped
and fused by an external focus-stack tool.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.logFile, "log-file", "", "Write logs to a rotating file instead of stderr")

	root.AddCommand(
		a.fuseCmd(),
		a.extractCmd(),
		a.stackTilesCmd(),
		a.bestFocusCmd(),
		a.splitCmd(),
		a.infoCmd(),
		a.configCmd(),
	)
	return root
}

// init loads the configuration and builds the logger
func (a *app) init() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if a.logFile != "" {
		cfg.Logging.File = a.logFile
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to initialize logger: %v", models.ErrInvalidConfiguration, err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// finish logs and prints the summary of a run and turns it into an exit code
func (a *app) finish(out io.Writer, results []batch.Result, unrecognized int, start time.Time) error {
	s := batch.Summarize(results)
	s.Unrecognized = unrecognized
	s.Log(a.logger)
	fmt.Fprintf(out, "%s in %.2f seconds\n", s, time.Since(start).Seconds())

	if code := s.ExitCode(); code != models.ExitOK {
		return &exitError{
			code: code,
			err:  fmt.Errorf("%d of %d items were not processed", s.Skipped+s.Failed, s.Total()),
		}
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
