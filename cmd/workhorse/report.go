package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/lyndonlyu/workhorse/internal/config"
	"github.com/lyndonlyu/workhorse/internal/health"
	"github.com/lyndonlyu/workhorse/internal/taskstore"
)

var (
	reportLimit int
	reportRaw   bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render a markdown report of configuration, health and task history",
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().IntVar(&reportLimit, "limit", 10, "Number of recent tasks to include")
	reportCmd.Flags().BoolVar(&reportRaw, "raw", false, "Print the markdown without rendering")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.Count(cmd.Context())
	if err != nil {
		return err
	}
	recent, err := store.List(cmd.Context(), reportLimit, "")
	if err != nil {
		return err
	}
	report := evaluateOffline(cmd.Context(), cfg)

	md := buildReport(cfg, report, counts, recent)
	if reportRaw {
		fmt.Print(md)
		return nil
	}
	fmt.Println(renderMarkdown(md))
	return nil
}

// buildReport assembles the markdown document.
func buildReport(cfg *config.Config, report *health.Report, counts map[string]int, recent []taskstore.Record) string {
	var b strings.Builder
	b.WriteString("# Workhorse Report\n\n")

	fmt.Fprintf(&b, "## Health: %s\n\n", report.Level)
	b.WriteString("| Component | Category | Healthy | Detail |\n|---|---|---|---|\n")
	for _, c := range report.Components {
		fmt.Fprintf(&b, "| %s | %s | %t | %s |\n", c.Name, c.Category, c.Healthy, c.Detail)
	}

	b.WriteString("\n## Configuration\n\n")
	fmt.Fprintf(&b, "- Pool: %d connections, acquire timeout %s\n", cfg.Pool.MaxSize, cfg.Pool.AcquireTimeout)
	fmt.Fprintf(&b, "- Batching: up to %d requests or %s\n", cfg.Batch.MaxBatchSize, cfg.Batch.MaxWait)
	fmt.Fprintf(&b, "- Retries: %d, backoff %s to %s\n", cfg.Client.MaxRetries, cfg.Client.BaseBackoff, cfg.Client.MaxBackoff)
	fmt.Fprintf(&b, "- Cache: %s\n", cfg.Cache.Backend)
	for _, cl := range cfg.Scheduler.Classes {
		fmt.Fprintf(&b, "- Class `%s`: %d workers\n", cl.Name, cl.Workers)
	}

	b.WriteString("\n## Task History\n\n")
	if len(counts) == 0 {
		b.WriteString("No task history.\n")
		return b.String()
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&b, "- %s: %d\n", s, counts[s])
	}

	b.WriteString("\n### Recent\n\n| Task | Class | Name | Status | ms |\n|---|---|---|---|---|\n")
	for _, r := range recent {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d |\n", id, r.Class, r.Name, r.Status, r.DurationMs)
	}
	return b.String()
}

// renderMarkdown renders markdown text for terminal display.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimSpace(out)
}
