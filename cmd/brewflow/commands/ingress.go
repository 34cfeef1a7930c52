package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/ingress"
	"github.com/brewflow/brewflow/internal/logger"
	"github.com/brewflow/brewflow/internal/metrics"
	"github.com/brewflow/brewflow/internal/protocol"
)

var ingressCmd = &cobra.Command{
	Use:   "ingress",
	Short: "Run the client-facing session router",
	Long: `Run the ingress: the TCP front door of the pipeline.

The ingress accepts client connections, mints a session per connection,
fans the client's records out to the cleaner queues and streams the query
results back once the pipeline has produced them.

Examples:
  # Listen on the default address
  brewflow ingress

  # Override the listen address and broker host
  LISTEN_ADDRESS=:7070 RABBITMQ_HOST=rabbit brewflow ingress`,
	RunE: runIngress,
}

func runIngress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	metrics.Serve(cfg.MetricsAddress)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := ingress.NewServer(ingress.Config{
		ListenAddress: cfg.Ingress.ListenAddress,
		CleanerWorkers: map[string]int{
			protocol.KindMenuItems:        cfg.Ingress.MenuItemsCleanersAmount,
			protocol.KindStores:           cfg.Ingress.StoresCleanersAmount,
			protocol.KindTransactionItems: cfg.Ingress.TransactionItemsCleanersAmount,
			protocol.KindTransactions:     cfg.Ingress.TransactionsCleanersAmount,
			protocol.KindUsers:            cfg.Ingress.UsersCleanersAmount,
		},
		OutputBuilders: cfg.Ingress.OutputBuildersAmount,
	}, func(queueName string) (broker.Endpoint, error) {
		return broker.NewQueue(cfg.RabbitMQHost, queueName)
	})

	if err := server.Run(ctx); err != nil {
		logger.Error("ingress failed", logger.KeyError, err)
		return err
	}
	return nil
}
