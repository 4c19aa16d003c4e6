package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/offsync"
)

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pendingCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status document")
	pendingCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw item list")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, sync and realtime status",
	Long: "Ask the running host for its status. When no host is running, the local store is\n" +
		"read directly and only queue counts are shown.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var st offsync.BridgeStatus
		if err := newBridgeClient(cfg).get(cmd.Context(), "/status", &st); err != nil {
			fmt.Printf("Host not running (%v); reading local store.\n\n", err)
			return localStatus(cmd, cfg)
		}
		if statusJSON {
			return printJSON(st)
		}

		fmt.Println("Connectivity:")
		fmt.Printf("  Online:           %t\n", st.Connectivity.Online)
		fmt.Printf("  Platform online:  %t\n", st.Connectivity.PlatformOnline)
		fmt.Printf("  Failures:         %d\n", st.Connectivity.ConsecutiveFailures)
		if st.Connectivity.SimulatedOffline {
			fmt.Println("  Simulated offline: on")
		}
		fmt.Println()
		printSummary(st.Sync)
		if len(st.Realtime) > 0 {
			fmt.Println()
			fmt.Printf("Realtime (initialized: %t):\n", st.Initialized)
			for topic, state := range st.Realtime {
				fmt.Printf("  %-30s %s\n", topic, state)
			}
		}
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List items waiting to sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var items []offsync.PendingItem
		if err := newBridgeClient(cfg).get(cmd.Context(), "/pending", &items); err != nil {
			a, err := newApp(cmd.Context(), cfg, quietLogger(), appOptions{offline: true})
			if err != nil {
				return err
			}
			defer a.Close()
			items = a.registry.AllPendingItems(cmd.Context())
		}
		if statusJSON {
			return printJSON(items)
		}
		printPending(items)
		return nil
	},
}

func localStatus(cmd *cobra.Command, cfg *offsync.Config) error {
	a, err := newApp(cmd.Context(), cfg, quietLogger(), appOptions{offline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	summary := a.registry.Status(cmd.Context())
	if statusJSON {
		return printJSON(summary)
	}
	printSummary(summary)
	return nil
}

func printSummary(s offsync.SyncStatusSummary) {
	fmt.Println("Sync:")
	fmt.Printf("  Syncing:  %t\n", s.IsSyncing)
	fmt.Printf("  Pending:  %d\n", s.PendingCount)
	fmt.Printf("  Failed:   %d\n", s.FailedCount)
	last := "(never)"
	if s.LastSyncTime != nil {
		last = s.LastSyncTime.Local().Format(time.RFC3339)
	}
	fmt.Printf("  Last sync: %s\n", last)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
