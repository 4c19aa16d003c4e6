package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync host and its bridge",
	Long: "Start the connectivity monitor, the sync queues of every configured collection and the\n" +
		"realtime channel, and serve the host bridge until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		// settle the initial state before anything tries to sync; the
		// watcher brings the monitor back once a probe succeeds
		if err := a.remote.Probe(ctx); err != nil {
			logger.Warn("backend unreachable at startup", "url", cfg.Remote.URL, "error", err)
			a.monitor.HandlePlatformOffline()
		}

		srv := &http.Server{
			Addr:    cfg.Bridge.Listen,
			Handler: a.bridge().Handler(),
		}
		ln, err := net.Listen("tcp", cfg.Bridge.Listen)
		if err != nil {
			return err
		}
		logger.Info("offsync running",
			"bridge", ln.Addr().String(),
			"remote", cfg.Remote.URL,
			"collections", cfg.Sync.Collections,
			"online", a.monitor.IsOnline(),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			a.monitor.Watch(gctx, cfg.Connectivity.PollInterval)
			return nil
		})
		g.Go(func() error {
			if a.realtime != nil {
				if err := a.realtime.Initialize(gctx); err != nil {
					logger.Warn("realtime not available yet; will retry", "error", err)
				}
			}
			for _, res := range a.registry.SyncAll(gctx) {
				if res.Err != nil {
					logger.Warn("startup sync failed", "feature", res.Feature, "error", res.Err)
				}
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		err = g.Wait()
		logger.Info("offsync stopped")
		return err
	},
}
