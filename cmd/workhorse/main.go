package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lyndonlyu/workhorse/internal/config"
	"github.com/lyndonlyu/workhorse/internal/logging"
)

const version = "v0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "workhorse",
	Short:         "Workhorse - pooled, batched and scheduled remote calls",
	Long:          "Workhorse runs remote calls through a bounded connection pool, batches them, retries transient failures and schedules work across priority classes.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("workhorse " + version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to config file")
	rootCmd.AddCommand(
		versionCmd,
		runCmd,
		serveCmd,
		tasksCmd,
		gcCmd,
		healthCmd,
		reportCmd,
		ratelimitCmd,
	)
}

// loadConfig reads the config selected by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
