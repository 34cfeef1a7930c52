package commands

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brewflow/brewflow/internal/logger"
	"github.com/brewflow/brewflow/internal/metrics"
	"github.com/brewflow/brewflow/internal/pipeline"
)

var workerCmd = &cobra.Command{
	Use:   "worker <name>",
	Short: "Run one pipeline worker",
	Long: `Run a single pipeline worker until interrupted.

The worker name selects the stage to run; replica identity and fan-in/out
counts come from the environment. Available workers:

  ` + strings.Join(pipeline.Workers(), "\n  ") + `

Examples:
  # Second replica of the transactions cleaner
  CONTROLLER_ID=1 brewflow worker cleaner-transactions

  # Year filter fed by three cleaners, feeding two workers per output
  PREV_CONTROLLERS_AMOUNT=3 NEXT_CONTROLLERS_AMOUNT=2 \
    brewflow worker filter-transactions-year`,
	Args: cobra.ExactArgs(1),
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	name := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	metrics.Serve(cfg.MetricsAddress)

	runner, err := pipeline.Build(name, cfg)
	if err != nil {
		return fmt.Errorf("build worker %q: %w", name, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting",
		logger.KeyWorker, name,
		logger.KeyController, cfg.ControllerID)

	if err := runner.Run(ctx); err != nil {
		logger.Error("worker failed", logger.KeyWorker, name, logger.KeyError, err)
		return err
	}

	logger.Info("worker stopped", logger.KeyWorker, name)
	return nil
}
