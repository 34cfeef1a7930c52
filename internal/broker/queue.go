package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/brewflow/brewflow/internal/logger"
)

// Queue is a point-to-point endpoint. Multiple consumers may share the
// queue name; the broker load-balances deliveries among them.
type Queue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	name string
	tag  string
}

// NewQueue connects to the broker at host and declares the named queue.
func NewQueue(host, name string) (*Queue, error) {
	conn, err := dial(host)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(name, false, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}

	return &Queue{conn: conn, ch: ch, name: name, tag: "consumer-" + name}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Send publishes one frame to the queue via the default exchange.
func (q *Queue) Send(body []byte) error {
	err := q.ch.PublishWithContext(context.Background(), "", q.name, false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish to queue %s: %w", q.name, err)
	}
	return nil
}

// Consume delivers messages to handler until Stop, ctx cancellation or a
// fatal handler error. Each delivery is acknowledged after handler returns
// nil and rejected without requeue otherwise.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos on queue %s: %w", q.name, err)
	}

	deliveries, err := q.ch.Consume(q.name, q.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", q.name, err)
	}

	return consumeLoop(ctx, q, deliveries, handler)
}

// Stop cancels the active consumer; the delivery channel closes and
// Consume returns.
func (q *Queue) Stop() error {
	return q.ch.Cancel(q.tag, false)
}

// Delete removes the queue server-side.
func (q *Queue) Delete() error {
	if _, err := q.ch.QueueDelete(q.name, false, false, false); err != nil {
		return fmt.Errorf("delete queue %s: %w", q.name, err)
	}
	return nil
}

// Close releases the channel and connection.
func (q *Queue) Close() error {
	if err := q.ch.Close(); err != nil && err != amqp.ErrClosed {
		q.conn.Close()
		return err
	}
	if err := q.conn.Close(); err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

// consumeLoop is the shared delivery loop for both endpoint flavors.
func consumeLoop(ctx context.Context, ep Endpoint, deliveries <-chan amqp.Delivery, handler Handler) error {
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			if err := ep.Stop(); err != nil {
				return err
			}
		case d, ok := <-deliveries:
			if !ok {
				// Cancelled via Stop or the connection dropped; either way
				// the consumer is done.
				return nil
			}
			if err := handler(d.Body); err != nil {
				if nackErr := d.Nack(false, false); nackErr != nil {
					logger.Error("nack failed", logger.KeyError, nackErr)
				}
				if IsFatal(err) {
					return err
				}
				logger.Warn("message rejected", logger.KeyError, err)
				continue
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		}
	}
}
