package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/offsync"
)

const defaultConfigName = "offsync.toml"

var configEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configEffective, "effective", false, "print the merged configuration (defaults, file and environment)")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage offsync configuration",
	Long:  "View or modify the offsync configuration file (TOML). Environment variables prefixed with OFFSYNC_ override it.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configEffective {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Remote.Token != "" {
				cfg.Remote.Token = maskSecret(cfg.Remote.Token)
			}
			if cfg.Bridge.Secret != "" {
				cfg.Bridge.Secret = maskSecret(cfg.Bridge.Secret)
			}
			return printJSON(cfg)
		}

		path := valueOrDefault(configFile, defaultConfigName)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Printf("No configuration file at %s; built-in defaults apply.\n", path)
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Example: offsync config set backoff.max_attempts 5",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		path := valueOrDefault(configFile, defaultConfigName)

		doc, err := readTOML(path)
		if err != nil {
			return err
		}
		if err := setTOMLValue(doc, key, value); err != nil {
			return err
		}

		data, err := toml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		// refuse to write a file the host would not start with
		tmp, err := os.CreateTemp("", "offsync-*.toml")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return err
		}
		tmp.Close()
		if _, err := offsync.LoadConfig(tmp.Name()); err != nil {
			return err
		}

		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("cannot write config: %w", err)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

func readTOML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	doc := map[string]any{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return doc, nil
}

// knownKeys are the settable keys, grouped by section.
var knownKeys = map[string][]string{
	"remote":       {"url", "token", "timeout"},
	"store":        {"driver", "path"},
	"backoff":      {"min", "max", "jitter", "max_attempts"},
	"connectivity": {"failure_threshold", "probe_timeout", "poll_interval", "simulate_offline"},
	"sync":         {"auto_sync", "concurrency", "collections"},
	"realtime":     {"enabled", "transport", "user_id", "topics", "nats_url", "subject_prefix", "heartbeat", "idle_timeout"},
	"bridge":       {"listen", "secret"},
	"log":          {"level", "format"},
}

// setTOMLValue sets section.field in doc, typing value as a bool, integer
// or comma-separated list where the field calls for it.
func setTOMLValue(doc map[string]any, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || field == "" {
		return fmt.Errorf("key must use dot notation: section.field (e.g. backoff.max_attempts)")
	}
	fields, ok := knownKeys[section]
	if !ok {
		return fmt.Errorf("unknown config section %q", section)
	}
	if !slices.Contains(fields, field) {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}

	table, _ := doc[section].(map[string]any)
	if table == nil {
		table = map[string]any{}
		doc[section] = table
	}

	switch field {
	case "collections", "topics":
		var list []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				list = append(list, v)
			}
		}
		table[field] = list
	case "max_attempts", "failure_threshold", "concurrency":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		table[field] = n
	case "simulate_offline", "auto_sync", "enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s must be true or false: %w", key, err)
		}
		table[field] = b
	default:
		table[field] = value
	}
	return nil
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
