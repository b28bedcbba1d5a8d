package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"executor/internal/app"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and run periodic tasks",
	Long: `Inspect and run the periodic tasks of the executor.

Tasks writing the cluster and statistics caches only affect the process that
runs them; trigger those through the service's in-process scheduler.`,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List periodic tasks and their intervals",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run one periodic task now",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRun,
}

var taskTimeout time.Duration

func init() {
	taskRunCmd.Flags().DurationVar(&taskTimeout, "timeout", 0, "bound on the run (default: the task's own timeout)")
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskRunCmd)
}

// withApp opens the application for the duration of fn.
func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	// Schema changes are explicit through the migrate command.
	cfg.AutoMigrate = false

	a, err := app.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()
	return fn(a)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tINTERVAL\tTIMEOUT")
		for _, t := range a.Scheduler.Tasks() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.Interval, t.Timeout)
		}
		return w.Flush()
	})
}

func runTaskRun(cmd *cobra.Command, args []string) error {
	name := args[0]
	return withApp(cmd.Context(), func(a *app.App) error {
		ctx := cmd.Context()
		if taskTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, taskTimeout)
			defer cancel()
		}

		start := time.Now()
		if err := a.Scheduler.RunOnce(ctx, name); err != nil {
			return fmt.Errorf("task %s: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s completed in %s\n", name, time.Since(start).Round(time.Millisecond))
		return nil
	})
}
