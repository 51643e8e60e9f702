package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/workhorse/internal/ratelimit"
)

var ratelimitFormat string

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect per-operation rate limits",
}

var ratelimitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the configured rate limits",
	RunE:  ratelimitStatus,
}

func init() {
	ratelimitStatusCmd.Flags().StringVar(&ratelimitFormat, "format", "", "Output format (json)")
	ratelimitCmd.AddCommand(ratelimitStatusCmd)
}

func ratelimitStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	g := ratelimit.NewGroup()
	for _, rl := range cfg.Client.RateLimits {
		g.Add(rl.Operation, rl.RPS, rl.Burst)
	}

	statuses := g.Status()
	switch {
	case ratelimitFormat == "json":
		fmt.Println(ratelimit.FormatStatusJSON(statuses))
	case len(statuses) == 0:
		fmt.Println(ratelimit.FormatStatus(statuses))
	default:
		fmt.Print(ratelimit.FormatStatus(statuses))
	}
	return nil
}
