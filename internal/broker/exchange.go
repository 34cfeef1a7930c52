package broker

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is a topic endpoint. Producers publish with a routing key
// <prefix>.<producer_index>; each consumer binds its own queue to exactly
// one routing key, giving one consumer per key.
type Exchange struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	keys     []string
	queue    string
	tag      string
}

// NewExchange connects to the broker at host and declares the topic
// exchange. Send publishes to every routing key; Consume binds queue to
// all of them. Distinct queue names give independent consumer groups on
// the same exchange; an empty queue name derives one from the exchange
// and keys.
func NewExchange(host, exchange, queue string, routingKeys []string) (*Exchange, error) {
	if len(routingKeys) == 0 {
		return nil, fmt.Errorf("exchange %s: at least one routing key required", exchange)
	}

	conn, err := dial(host)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", false, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	if queue == "" {
		queue = exchange + "-" + strings.Join(routingKeys, "-")
	}
	return &Exchange{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		keys:     routingKeys,
		queue:    queue,
		tag:      "consumer-" + queue,
	}, nil
}

// Send publishes one frame to every routing key of this endpoint.
func (e *Exchange) Send(body []byte) error {
	for _, key := range e.keys {
		err := e.ch.PublishWithContext(context.Background(), e.exchange, key, false, false, amqp.Publishing{
			ContentType: "text/plain",
			Body:        body,
		})
		if err != nil {
			return fmt.Errorf("publish to exchange %s key %s: %w", e.exchange, key, err)
		}
	}
	return nil
}

// Consume declares and binds this endpoint's queue, then delivers messages
// to handler until Stop, ctx cancellation or a fatal handler error.
func (e *Exchange) Consume(ctx context.Context, handler Handler) error {
	if _, err := e.ch.QueueDeclare(e.queue, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", e.queue, err)
	}
	for _, key := range e.keys {
		if err := e.ch.QueueBind(e.queue, key, e.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", e.queue, key, err)
		}
	}

	if err := e.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos on queue %s: %w", e.queue, err)
	}

	deliveries, err := e.ch.Consume(e.queue, e.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", e.queue, err)
	}

	return consumeLoop(ctx, e, deliveries, handler)
}

// Stop cancels the active consumer.
func (e *Exchange) Stop() error {
	return e.ch.Cancel(e.tag, false)
}

// Delete removes this endpoint's bound queue and, when no longer in use,
// the exchange itself.
func (e *Exchange) Delete() error {
	if _, err := e.ch.QueueDelete(e.queue, false, false, false); err != nil {
		return fmt.Errorf("delete queue %s: %w", e.queue, err)
	}
	// Best effort: other workers may still be bound.
	_ = e.ch.ExchangeDelete(e.exchange, true, false)
	return nil
}

// Close releases the channel and connection.
func (e *Exchange) Close() error {
	if err := e.ch.Close(); err != nil && err != amqp.ErrClosed {
		e.conn.Close()
		return err
	}
	if err := e.conn.Close(); err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}
