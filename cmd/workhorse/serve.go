package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lyndonlyu/workhorse/internal/engine"
	"github.com/lyndonlyu/workhorse/internal/server"
	"github.com/lyndonlyu/workhorse/internal/sim"
)

var (
	serveAddr      string
	serveFailEvery int64
	serveLatency   time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine behind the HTTP server",
	Long:  "Start the engine and serve /healthz, /readyz, /metrics and /tasks until interrupted, then shut down gracefully.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().Int64Var(&serveFailEvery, "fail-every", 0, "Fail every Nth simulated request (0 disables)")
	serveCmd.Flags().DurationVar(&serveLatency, "latency", 10*time.Millisecond, "Simulated round-trip latency")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, logger, &sim.Backend{Latency: serveLatency, FailEvery: serveFailEvery})
	if err != nil {
		return err
	}

	srv := server.New(cfg.Server.Addr, eng, logger.Named("server"))
	serveErr := srv.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace.D()+5*time.Second)
	defer cancel()
	closeErr := eng.Close(closeCtx)
	if closeErr != nil {
		logger.Error("engine shutdown", zap.Error(closeErr))
	}
	return errors.Join(serveErr, closeErr)
}
