package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/workhorse/internal/cache"
	"github.com/lyndonlyu/workhorse/internal/config"
	"github.com/lyndonlyu/workhorse/internal/health"
)

var healthFormat string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check configuration, data directory and stores",
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthFormat, "format", "", "Output format (json)")
}

// evaluateOffline runs the checks that do not need a running engine.
func evaluateOffline(ctx context.Context, cfg *config.Config) *health.Report {
	components := []health.ComponentStatus{
		health.CheckConfig(configPath),
		health.CheckDataDir(cfg.BaseDir),
	}

	if store, err := openStore(cfg); err != nil {
		components = append(components, health.ComponentStatus{
			Name:     "task_store",
			Category: health.Critical,
			Detail:   fmt.Sprintf("Open failed: %v", err),
		})
	} else {
		components = append(components, health.CheckStore(ctx, store))
		store.Close()
	}

	if cfg.Cache.Backend == "redis" {
		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		rs, err := cache.DialRedis(dialCtx, cfg.Cache.RedisAddr, cache.WithPrefix(cfg.Cache.Prefix))
		cancel()
		if err != nil {
			components = append(components, health.ComponentStatus{
				Name:     "cache",
				Category: health.Optional,
				Detail:   err.Error(),
			})
		} else {
			components = append(components, health.CheckCache(ctx, rs))
			rs.Close()
		}
	}
	return health.Evaluate(components...)
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		// An unloadable config is itself a health finding.
		cfg = config.Default()
	}
	report := evaluateOffline(cmd.Context(), cfg)

	if healthFormat == "json" {
		out, err := health.FormatJSON(report)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}

	fmt.Println(styleBanner.Render("Workhorse Health"))
	fmt.Println()
	for _, c := range report.Components {
		mark := styleSuccess.Render("✓")
		if !c.Healthy {
			mark = styleError.Render("✗")
		}
		fmt.Printf("  %s %-16s %-10s %s\n", mark, c.Name, styleDim.Render(c.Category), c.Detail)
	}
	fmt.Println()
	fmt.Printf("Level: %s\n", renderLevel(report.Level))
	return nil
}
