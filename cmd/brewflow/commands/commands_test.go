package commands

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewflow/brewflow/pkg/config"
)

// The help text must spell environment keys exactly the way the config
// loader reads them; a prefixed spelling would be silently ignored and
// every worker would fall back to the defaults.
func TestHelpSpellsEnvironmentKeysTheLoaderReads(t *testing.T) {
	for _, cmd := range []*cobra.Command{rootCmd, ingressCmd, workerCmd} {
		assert.NotContains(t, cmd.Long, "BREWFLOW_", "command %q", cmd.Name())
	}

	t.Run("documented keys are honored by the loader", func(t *testing.T) {
		t.Setenv("CONTROLLER_ID", "7")
		t.Setenv("RABBITMQ_HOST", "rabbit-3")
		t.Setenv("LISTEN_ADDRESS", ":7070")
		t.Setenv("PREV_CONTROLLERS_AMOUNT", "3")
		t.Setenv("NEXT_CONTROLLERS_AMOUNT", "2")

		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.ControllerID)
		assert.Equal(t, "rabbit-3", cfg.RabbitMQHost)
		assert.Equal(t, ":7070", cfg.Ingress.ListenAddress)
		assert.Equal(t, 3, cfg.PrevControllersAmount)
		assert.Equal(t, 2, cfg.NextControllersAmount)
	})
}
