// Package broker adapts RabbitMQ to the two endpoint flavors the pipeline
// uses: point-to-point queues (sends load-balanced by the broker across
// consumers sharing the queue name) and topic exchanges with routing keys
// of the form <prefix>.<producer_index>.
//
// Delivery semantics: messages are acknowledged after the consume callback
// returns nil and negatively acknowledged (without requeue) when it returns
// an error, so the broker gives at-least-once and the application sees
// at-most-once per delivery. The joiner's stream-EOF requeue republishes to
// the tail of its own queue and relies on RabbitMQ's per-queue FIFO, which
// holds for a single consumer but is not guaranteed by AMQP in general.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Handler processes one raw frame delivered from the broker. Returning a
// non-nil error rejects the delivery; wrap it with Fatal to also terminate
// the consume loop.
type Handler func(body []byte) error

// Endpoint is the uniform interface over both addressing modes.
type Endpoint interface {
	// Send publishes one frame.
	Send(body []byte) error

	// Consume blocks delivering messages to handler until Stop is called,
	// ctx is cancelled, or a fatal error occurs.
	Consume(ctx context.Context, handler Handler) error

	// Stop cancels the active consumer. Consume returns nil afterwards.
	Stop() error

	// Delete removes the server-side resource. Called on graceful shutdown
	// for consumer endpoints only.
	Delete() error

	// Close releases the channel and connection.
	Close() error
}

// ErrClosed reports an operation on a closed endpoint.
var ErrClosed = errors.New("broker: endpoint closed")

type fatalError struct {
	err error
}

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

// Fatal marks err so that the consume loop terminates after rejecting the
// current delivery.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}

// URL builds the broker connection URL for the given host. A bare host
// gets the default AMQP port; a host:port is used as given.
func URL(host string) string {
	if strings.Contains(host, ":") {
		return fmt.Sprintf("amqp://guest:guest@%s/", host)
	}
	return fmt.Sprintf("amqp://guest:guest@%s:5672/", host)
}
