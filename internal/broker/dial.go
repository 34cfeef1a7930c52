package broker

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/brewflow/brewflow/internal/logger"
)

// dialTimeout bounds the total time spent retrying the initial connection.
// Workers typically start alongside the broker container, so the first few
// attempts are expected to fail.
const dialTimeout = 60 * time.Second

// dial connects to the broker at host, retrying with exponential backoff.
func dial(host string) (*amqp.Connection, error) {
	url := URL(host)

	var conn *amqp.Connection
	operation := func() error {
		c, err := amqp.Dial(url)
		if err != nil {
			logger.Warn("broker dial failed, retrying", "host", host, logger.KeyError, err)
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = dialTimeout

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("dial broker at %s: %w", host, err)
	}
	return conn, nil
}
