package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var gcOlderThan time.Duration

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Purge old task history",
	Long:  "Delete task history records that finished before the retention window.",
	RunE:  runGC,
}

func init() {
	gcCmd.Flags().DurationVar(&gcOlderThan, "older-than", 0, "Delete records older than this (defaults to scheduler.retention)")
}

func runGC(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	age := gcOlderThan
	if age <= 0 {
		age = cfg.Scheduler.Retention.D()
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.PurgeOlderThan(cmd.Context(), time.Now().Add(-age))
	if err != nil {
		return fmt.Errorf("gc failed: %w", err)
	}
	if n == 0 {
		fmt.Println("[GC] Nothing to clean up")
		return nil
	}
	fmt.Printf("[GC] Removed %d task records older than %s\n", n, age)
	return nil
}
