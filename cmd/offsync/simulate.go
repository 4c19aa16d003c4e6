package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/offsync"
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(reconnectCmd)
}

var simulateCmd = &cobra.Command{
	Use:       "simulate <offline|online>",
	Short:     "Toggle simulated offline mode on the running host",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"offline", "online"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[0] {
		case "offline":
			enabled = true
		case "online":
		default:
			return fmt.Errorf("expected offline or online, got %q", args[0])
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var st offsync.ConnectivityState
		if err := newBridgeClient(cfg).post(cmd.Context(), "/diagnostics/simulate-offline", map[string]bool{"enabled": enabled}, &st); err != nil {
			return err
		}
		fmt.Printf("Simulated offline: %t (online: %t)\n", st.SimulatedOffline, st.Online)
		return nil
	},
}

var signalCmd = &cobra.Command{
	Use:       "signal <online|offline|visible>",
	Short:     "Send a platform connectivity signal to the running host",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"online", "offline", "visible"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var st offsync.ConnectivityState
		if err := newBridgeClient(cfg).post(cmd.Context(), "/platform/"+args[0], nil, &st); err != nil {
			return err
		}
		fmt.Printf("Online: %t (platform: %t)\n", st.Online, st.PlatformOnline)
		return nil
	},
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Tear down and re-open every realtime subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var topics map[string]offsync.TopicState
		if err := newBridgeClient(cfg).post(cmd.Context(), "/realtime/reconnect", nil, &topics); err != nil {
			return err
		}
		for topic, state := range topics {
			fmt.Printf("%-30s %s\n", topic, state)
		}
		return nil
	},
}
