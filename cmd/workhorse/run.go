package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/workhorse/internal/engine"
	"github.com/lyndonlyu/workhorse/internal/metrics"
	"github.com/lyndonlyu/workhorse/internal/remote"
	"github.com/lyndonlyu/workhorse/internal/scheduler"
	"github.com/lyndonlyu/workhorse/internal/sim"
	"github.com/lyndonlyu/workhorse/internal/taskstore"
)

var (
	runTasks       int
	runFailEvery   int64
	runLatency     time.Duration
	runTimeout     time.Duration
	runShowMetrics bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a demo workload against the simulated service",
	Long:  "Submit calls across every priority class against an in-memory flaky service and report how the pool, retries, batching and cache handled them.",
	RunE:  runDemo,
}

func init() {
	runCmd.Flags().IntVar(&runTasks, "tasks", 24, "Number of tasks to submit")
	runCmd.Flags().Int64Var(&runFailEvery, "fail-every", 5, "Fail every Nth backend request with a connection reset (0 disables)")
	runCmd.Flags().DurationVar(&runLatency, "latency", 20*time.Millisecond, "Simulated round-trip latency")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Second, "Give up waiting after this long")
	runCmd.Flags().BoolVar(&runShowMetrics, "metrics", false, "Print collected metrics afterwards")
}

func runDemo(cmd *cobra.Command, args []string) error {
	if runTasks < 1 {
		return fmt.Errorf("--tasks must be at least 1, got %d", runTasks)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	backend := &sim.Backend{Latency: runLatency, FailEvery: runFailEvery}
	eng, err := engine.New(ctx, cfg, logger, backend)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace.D()+5*time.Second)
		defer closeCancel()
		if err := eng.Close(closeCtx); err != nil {
			fmt.Println(styleError.Render("shutdown: " + err.Error()))
		}
	}()

	fmt.Println(styleBanner.Render(fmt.Sprintf("Running %d tasks across %v", runTasks, cfg.ClassNames())))

	classes := cfg.ClassNames()
	ids := make([]string, 0, runTasks)
	for i := 0; i < runTasks; i++ {
		class := classes[i%len(classes)]
		op := sim.Operations[i%len(sim.Operations)]
		var opts []remote.CallOption
		if i%4 == 0 {
			opts = append(opts, remote.Cacheable(0))
		}
		id, err := eng.SubmitCall(class, op, fmt.Sprintf("item-%d", i%8), opts...)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		ids = append(ids, id)
	}

	records, err := waitForTasks(ctx, eng, ids)
	if err != nil {
		fmt.Println(styleWarn.Render("stopped waiting: " + err.Error()))
	}

	printRecords(records)
	printSummary(eng, backend, records)
	if runShowMetrics {
		fmt.Println()
		fmt.Print(metrics.FormatHuman(eng.Metrics()))
	}
	return nil
}

// waitForTasks polls until every task is terminal or ctx ends.
func waitForTasks(ctx context.Context, eng *engine.Engine, ids []string) ([]taskstore.Record, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		records := make([]taskstore.Record, 0, len(ids))
		done := true
		for _, id := range ids {
			rec, err := eng.Task(ctx, id)
			if err != nil {
				return records, err
			}
			records = append(records, rec)
			if !scheduler.Status(rec.Status).IsTerminal() {
				done = false
			}
		}
		if done {
			return records, nil
		}
		select {
		case <-ctx.Done():
			return records, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printRecords(records []taskstore.Record) {
	fmt.Println()
	fmt.Printf("%-10s %-8s %-22s %6s  %s\n", "TASK", "CLASS", "NAME", "MS", "STATUS")
	for _, r := range records {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		name := r.Name
		if len(name) > 22 {
			name = name[:19] + "..."
		}
		fmt.Printf("%-10s %-8s %-22s %6d  %s\n", id, r.Class, name, r.DurationMs, renderStatus(r.Status))
	}
}

func printSummary(eng *engine.Engine, backend *sim.Backend, records []taskstore.Record) {
	counts := map[string]int{}
	for _, r := range records {
		counts[r.Status]++
	}
	st := eng.Client().Stats()

	fmt.Println()
	fmt.Printf("Tasks:    %s completed, %s failed, %s cancelled\n",
		styleSuccess.Render(fmt.Sprint(counts["completed"])),
		styleError.Render(fmt.Sprint(counts["failed"])),
		styleWarn.Render(fmt.Sprint(counts["cancelled"])))
	fmt.Printf("Calls:    %d (%d attempts, %d retries, %d cache hits)\n", st.Calls, st.Attempts, st.Retries, st.CacheHits)
	fmt.Printf("Pool:     %d created, %d reused, %d discarded, peak %d/%d\n",
		st.Pool.Created, st.Pool.Reused, st.Pool.Discarded, st.Pool.PeakInUse, st.Pool.MaxSize)
	fmt.Printf("Batches:  %d flushes for %d requests\n", st.Batch.Batches, st.Batch.Requests)
	fmt.Println(styleDim.Render(fmt.Sprintf("Backend:  %d round trips over %d connections", backend.Requests(), backend.Dials())))
}
