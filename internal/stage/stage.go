// Package stage implements the generic worker runtime shared by every
// pipeline stage, the fan-out policies between stages, and the concrete
// stage kinds (cleaner, filter, mapper, reducer, sorter, joiner, output
// builder).
//
// A stage worker consumes frames from one queue, dispatches batches to the
// stage implementation and counts EOF markers per session. When a session
// has received one EOF from every upstream worker the runtime asks the
// stage to flush its terminal state, forwards exactly one EOF to every
// downstream endpoint and drops the session.
package stage

import (
	"context"
	"fmt"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/logger"
	"github.com/brewflow/brewflow/internal/metrics"
	"github.com/brewflow/brewflow/internal/protocol"
)

// Runner is anything the worker command can run to completion.
type Runner interface {
	Run(ctx context.Context) error
}

// Stage is the per-kind behavior plugged into a Controller.
type Stage interface {
	// HandleBatch processes one inbound batch, calling emit.Emit once per
	// output batch.
	HandleBatch(emit *Emitter, b *protocol.Batch) error

	// FlushSession emits any terminal data for the session. It runs when
	// the session's EOF barrier fires, before the downstream EOFs are
	// sent. Stateless stages return nil.
	FlushSession(emit *Emitter, sessionID string) error
}

// maxMalformed is the number of undecodable frames tolerated before the
// worker treats the condition as fatal.
const maxMalformed = 8

// Controller is the generic consume-transform-produce loop. It is single
// threaded: one consumer endpoint, the callback runs in the consumer
// goroutine, so per-session state needs no locking.
type Controller struct {
	worker          string
	id              int
	consumer        broker.Endpoint
	emitter         *Emitter
	prevControllers int
	stage           Stage

	eofSeen   map[string]int
	malformed int
}

// NewController wires a stage implementation into the runtime.
func NewController(worker string, id int, consumer broker.Endpoint, emitter *Emitter, prevControllers int, st Stage) *Controller {
	return &Controller{
		worker:          worker,
		id:              id,
		consumer:        consumer,
		emitter:         emitter,
		prevControllers: prevControllers,
		stage:           st,
		eofSeen:         make(map[string]int),
	}
}

// Run consumes until ctx is cancelled, Stop is requested, or a fatal error
// occurs. Producers are closed and the consumer queue deleted on the way
// out regardless of the outcome.
func (c *Controller) Run(ctx context.Context) error {
	defer c.closeAll()

	logger.Info("worker running", logger.KeyWorker, c.worker, logger.KeyController, c.id)
	err := c.consumer.Consume(ctx, c.handleMessage)
	if err != nil {
		logger.Error("worker failed", logger.KeyWorker, c.worker, logger.KeyError, err)
		return err
	}
	logger.Info("worker stopped", logger.KeyWorker, c.worker, logger.KeyController, c.id)
	return nil
}

func (c *Controller) handleMessage(body []byte) error {
	msg, err := protocol.Decode(body)
	if err != nil {
		c.malformed++
		if c.malformed >= maxMalformed {
			return broker.Fatal(fmt.Errorf("too many malformed frames: %w", err))
		}
		return err
	}

	switch m := msg.(type) {
	case *protocol.Batch:
		metrics.BatchesConsumed.WithLabelValues(c.worker).Inc()
		if err := c.stage.HandleBatch(c.emitter, m); err != nil {
			return broker.Fatal(err)
		}
		return nil
	case *protocol.EOF:
		return c.handleEOF(m)
	default:
		return fmt.Errorf("unexpected frame on stage queue")
	}
}

func (c *Controller) handleEOF(eof *protocol.EOF) error {
	sessionID := eof.SessionID
	c.eofSeen[sessionID]++
	metrics.EOFsReceived.WithLabelValues(c.worker).Inc()
	logger.Debug("eof received",
		logger.KeySession, sessionID,
		logger.KeyEOFCount, c.eofSeen[sessionID])

	if c.eofSeen[sessionID] < c.prevControllers {
		return nil
	}

	logger.Info("all eofs received", logger.KeySession, sessionID, logger.KeyWorker, c.worker)

	if err := c.stage.FlushSession(c.emitter, sessionID); err != nil {
		return broker.Fatal(fmt.Errorf("flush session %s: %w", sessionID, err))
	}
	if err := c.emitter.EmitEOF(sessionID, eof.BatchKind); err != nil {
		return broker.Fatal(err)
	}

	delete(c.eofSeen, sessionID)
	return nil
}

// closeAll runs the close-down sequence: producers first (no server-side
// delete), then delete and close the private consumer queue.
func (c *Controller) closeAll() {
	c.emitter.CloseProducers()

	if err := c.consumer.Delete(); err != nil {
		logger.Warn("consumer delete failed", logger.KeyError, err)
	}
	if err := c.consumer.Close(); err != nil {
		logger.Warn("consumer close failed", logger.KeyError, err)
	}
	logger.Debug("all endpoints closed", logger.KeyWorker, c.worker)
}
