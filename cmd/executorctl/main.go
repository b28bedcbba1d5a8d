// executorctl is the operator CLI: database migrations and one-off runs of
// the periodic tasks for external cron triggers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"executor/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "executorctl",
	Short: "Operate the executor service",
	Long: `executorctl operates the executor service.

Configuration is read from the same environment variables as executor-service.

Examples:
  executorctl migrate                       # Apply database migrations
  executorctl task list                     # List periodic tasks
  executorctl task run stale-running-sweep  # Run one task now`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := config.ParseLogLevel(config.GetEnv("LOG_LEVEL", "info"))
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(taskCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
