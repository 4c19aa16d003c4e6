package main

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/offsync"
)

var enqueueID string

func init() {
	rootCmd.AddCommand(enqueueCmd)
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "existing record id to update (omit to create)")
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <collection> <json>",
	Short: "Queue a record change in the local store",
	Long: "Write a record to the local store as pending. A running host picks it up on its next\n" +
		"sweep; 'offsync sync' pushes it immediately.\n" +
		"Example: offsync enqueue notes '{\"title\":\"Groceries\",\"body\":\"milk\"}'",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, raw := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !slices.Contains(cfg.Sync.Collections, collection) {
			return fmt.Errorf("collection %q is not configured (sync.collections = %v)", collection, cfg.Sync.Collections)
		}

		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return fmt.Errorf("record must be a JSON object: %w", err)
		}

		a, err := newApp(cmd.Context(), cfg, quietLogger(), appOptions{offline: true})
		if err != nil {
			return err
		}
		defer a.Close()

		doc := offsync.NewDocument(fields)
		doc.ID = enqueueID
		if err := a.queues[collection].QueueItem(cmd.Context(), doc); err != nil {
			return err
		}
		fmt.Printf("Queued %s/%s (%s)\n", collection, doc.ID, doc.Status)
		return nil
	},
}
