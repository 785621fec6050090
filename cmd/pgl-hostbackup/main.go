package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-hostbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-hostbackup/pkg/config"
	"github.com/paulschiretz/pgl-hostbackup/pkg/engine"
	"github.com/paulschiretz/pgl-hostbackup/pkg/plog"
)

var (
	cfgFile  string
	baseDir  string
	logLevel string
	quiet    bool
	dryRun   bool
)

var rootCmd = &cobra.Command{
	Use:   "pgl-hostbackup <host> [port]",
	Short: "Backs up one remote host into a rotated per-host snapshot tree",
	Long: `pgl-hostbackup mirrors a remote host over SSH into a per-host directory
tree and keeps rollback snapshots of every changed or deleted file: a
time-windowed rotating set for everything, plus a never-purged set for
paths the host opts into via its incremental list.`,
	Args:          cobra.RangeArgs(1, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := args[0]
		port := 0
		if len(args) == 2 {
			p, err := strconv.Atoi(args[1])
			if err != nil || p < 1 || p > 65535 {
				return fmt.Errorf("invalid port %q", args[1])
			}
			port = p
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		// Flags explicitly set on the command line win over the file.
		if cmd.Flags().Changed("base-dir") {
			cfg.BaseDir = baseDir
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		cfg.Runtime.Quiet = quiet
		cfg.Runtime.DryRun = dryRun

		plog.SetLevel(plog.LevelFromString(cfg.LogLevel))
		plog.SetQuiet(cfg.Runtime.Quiet)

		if err := cfg.Validate(); err != nil {
			return err
		}

		target := cfg.TargetFor(host, port)
		cfg.LogSummary(target)

		startTime := time.Now()
		err = engine.New(cfg, target).Execute(cmd.Context())
		duration := time.Since(startTime).Round(time.Millisecond)
		if err != nil {
			if errors.Is(err, engine.ErrBusy) {
				// Not a failure: the other run is doing the work.
				plog.Notice("Skipping run, host is already being backed up", "host", host, "detail", err.Error())
				return nil
			}
			return err
		}

		plog.Info(buildinfo.Name+" finished successfully.", "host", host, "duration", duration)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the application version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s version %s\n", buildinfo.Name, buildinfo.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to the config file (default: /etc/pgl-hostbackup/config.yaml)")
	rootCmd.Flags().StringVar(&baseDir, "base-dir", "", "Base directory holding the per-host backup trees")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Logging level: debug, notice, info, warn, error")
	rootCmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress NOTICE and INFO output")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without making any changes")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// A run is expected to complete or fail outright; interrupts cancel
	// the in-flight external primitive via the context.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		plog.Error("Run failed", "error", err)
		os.Exit(1)
	}
}
