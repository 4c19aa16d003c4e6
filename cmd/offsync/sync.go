package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/offsync"
)

var syncLocal bool

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(retryCmd)
	for _, c := range []*cobra.Command{syncCmd, retryCmd} {
		c.Flags().BoolVar(&syncLocal, "local", false, "run in-process instead of through a running host")
	}
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync every pending item now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.Context(), "/sync", func(ctx context.Context, r *offsync.SyncRegistry) []offsync.FeatureResult {
			return r.SyncAll(ctx)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry every failed item now",
	Long:  "Move failed items back to pending and sync them. This also re-arms automatic retries that ran out.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.Context(), "/retry", func(ctx context.Context, r *offsync.SyncRegistry) []offsync.FeatureResult {
			return r.RetryAllFailed(ctx)
		})
	},
}

func runSweep(ctx context.Context, path string, local func(context.Context, *offsync.SyncRegistry) []offsync.FeatureResult) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !syncLocal {
		var results []offsync.SweepResult
		if err := newBridgeClient(cfg).post(ctx, path, nil, &results); err != nil {
			return err
		}
		printSweeps(results)
		return nil
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	cfg.Realtime.Enabled = false
	cfg.Sync.AutoSync = false
	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.remote.Probe(ctx); err != nil {
		logger.Warn("backend unreachable; items stay queued", "error", err)
		a.monitor.HandlePlatformOffline()
	}
	printSweeps(offsync.ToSweepResults(local(ctx, a.registry)))
	return nil
}
