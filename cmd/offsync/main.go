package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/offsync"
)

// ============================================================================
// Root command
// ============================================================================

var (
	configFile string
	bridgeAddr string
)

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Offline-first sync host",
	Long: "Run the offline sync core against a PocketBase-style backend, inspect queued items,\n" +
		"and drive manual syncs, retries and diagnostics through the host bridge.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile(), "path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&bridgeAddr, "bridge", "", "bridge address (defaults to bridge.listen)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// defaultConfigFile prefers $OFFSYNC_CONFIG, then ./offsync.toml when present.
func defaultConfigFile() string {
	if p := os.Getenv("OFFSYNC_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("offsync.toml"); err == nil {
		return "offsync.toml"
	}
	return ""
}

func loadConfig() (*offsync.Config, error) {
	cfg, err := offsync.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if bridgeAddr != "" {
		cfg.Bridge.Listen = bridgeAddr
	}
	return cfg, nil
}

func newLogger(cfg offsync.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
