// Package commands implements the CLI commands for the brewflow processes.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brewflow/brewflow/internal/logger"
	"github.com/brewflow/brewflow/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "brewflow",
	Short: "Brewflow - distributed coffee-shop analytics pipeline",
	Long: `Brewflow answers analytical queries over coffee-shop transaction data
by streaming it through a pipeline of RabbitMQ-connected workers. Clients
send their datasets to the ingress over TCP and receive the query results
on the same connection.

Every process is configured through environment variables (CONTROLLER_ID,
RABBITMQ_HOST, LISTEN_ADDRESS, ...).

Use "brewflow [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ingressCmd)
	rootCmd.AddCommand(workerCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig reads the environment configuration and points the global
// logger at it. Every runnable subcommand starts here.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger.Init(logger.Config{
		Level:  cfg.LoggingLevel,
		Format: cfg.LoggingFormat,
	})
	return cfg, nil
}
