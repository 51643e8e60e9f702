package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/workhorse/internal/config"
	"github.com/lyndonlyu/workhorse/internal/taskstore"
)

var (
	tasksFormat string
	tasksLimit  int
	tasksClass  string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Task history",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recently finished tasks",
	RunE:  runTasksList,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksShow,
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show history database status",
	RunE:  runTasksStatus,
}

func init() {
	tasksListCmd.Flags().StringVar(&tasksFormat, "format", "", "Output format (json)")
	tasksListCmd.Flags().IntVar(&tasksLimit, "limit", 20, "Number of tasks to show")
	tasksListCmd.Flags().StringVar(&tasksClass, "class", "", "Only show tasks of this class")
	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksStatusCmd)
}

// openStore opens the task history named by cfg.
func openStore(cfg *config.Config) (*taskstore.Store, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return taskstore.Open(cfg.Store.Path)
}

func runTasksList(cmd *cobra.Command, args []string) error {
	if tasksLimit < 1 {
		return fmt.Errorf("--limit must be at least 1, got %d", tasksLimit)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(cmd.Context(), tasksLimit, tasksClass)
	if err != nil {
		return err
	}

	if tasksFormat == "json" {
		out, err := taskstore.FormatListJSON(records)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(taskstore.FormatList(records))
	return nil
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Get(cmd.Context(), args[0])
	if errors.Is(err, taskstore.ErrNotFound) {
		return fmt.Errorf("task %s not found", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Print(taskstore.FormatRecord(rec))
	return nil
}

func runTasksStatus(cmd *cobra.Command, args []string) error {
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
	version, err := store.SchemaVersion()
	if err != nil {
		return err
	}
	fmt.Print(taskstore.FormatStatus(store.Path(), counts))
	fmt.Printf("Schema: v%d\n", version)
	return nil
}
