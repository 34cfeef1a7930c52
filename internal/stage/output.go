package stage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/logger"
	"github.com/brewflow/brewflow/internal/metrics"
	"github.com/brewflow/brewflow/internal/protocol"
)

// ProducerFactory opens the per-session result endpoint. The output
// builder owns the returned endpoint and closes it when the session's
// barrier fires.
type ProducerFactory func(sessionID string) (broker.Endpoint, error)

// OutputBuilderConfig parameterizes an output builder worker.
type OutputBuilderConfig struct {
	Worker string
	ID     int

	// Columns is the final projection of every result record, in report
	// column order.
	Columns []string

	// ResultKind retags outbound batches with the query's result kind.
	ResultKind string

	// PrevControllers is the EOF count completing a session's barrier.
	PrevControllers int
}

// OutputBuilder is the terminal stage of one query. It projects each
// batch down to the report columns, retags it with the query's result
// kind and publishes it on the session's private result queue, followed
// by one EOF when the upstream barrier completes.
type OutputBuilder struct {
	cfg         OutputBuilderConfig
	consumer    broker.Endpoint
	newProducer ProducerFactory

	producers map[string]broker.Endpoint
	eofSeen   map[string]int
	malformed int
}

// NewOutputBuilder wires an output builder over its consumer endpoint.
func NewOutputBuilder(cfg OutputBuilderConfig, consumer broker.Endpoint, newProducer ProducerFactory) *OutputBuilder {
	return &OutputBuilder{
		cfg:         cfg,
		consumer:    consumer,
		newProducer: newProducer,
		producers:   make(map[string]broker.Endpoint),
		eofSeen:     make(map[string]int),
	}
}

// Run consumes until ctx is cancelled or a fatal error occurs.
func (o *OutputBuilder) Run(ctx context.Context) error {
	defer o.closeAll()

	logger.Info("output builder running", logger.KeyWorker, o.cfg.Worker, logger.KeyController, o.cfg.ID)
	if err := o.consumer.Consume(ctx, o.handleMessage); err != nil {
		logger.Error("output builder failed", logger.KeyWorker, o.cfg.Worker, logger.KeyError, err)
		return err
	}
	logger.Info("output builder stopped", logger.KeyWorker, o.cfg.Worker, logger.KeyController, o.cfg.ID)
	return nil
}

func (o *OutputBuilder) handleMessage(body []byte) error {
	msg, err := protocol.Decode(body)
	if err != nil {
		o.malformed++
		if o.malformed >= maxMalformed {
			return broker.Fatal(fmt.Errorf("too many malformed frames: %w", err))
		}
		return err
	}

	switch m := msg.(type) {
	case *protocol.Batch:
		metrics.BatchesConsumed.WithLabelValues(o.cfg.Worker).Inc()
		if err := o.handleBatch(m); err != nil {
			return broker.Fatal(err)
		}
		return nil
	case *protocol.EOF:
		return o.handleEOF(m)
	default:
		return fmt.Errorf("unexpected frame on output queue")
	}
}

func (o *OutputBuilder) handleBatch(b *protocol.Batch) error {
	producer, err := o.producer(b.SessionID)
	if err != nil {
		return err
	}

	out := &protocol.Batch{
		Kind:       o.cfg.ResultKind,
		SessionID:  b.SessionID,
		MessageID:  uuid.New().String(),
		ProducerID: fmt.Sprint(o.cfg.ID),
		Records:    make([]protocol.Record, 0, len(b.Records)),
	}
	for _, record := range b.Records {
		out.Records = append(out.Records, record.Project(o.cfg.Columns))
	}
	if err := producer.Send(out.Encode()); err != nil {
		return err
	}

	metrics.BatchesEmitted.WithLabelValues(o.cfg.Worker).Inc()
	metrics.RecordsEmitted.WithLabelValues(o.cfg.Worker).Add(float64(len(out.Records)))
	logger.Debug("result batch sent",
		logger.KeySession, b.SessionID,
		logger.KeyKind, o.cfg.ResultKind,
		logger.KeyBatchSize, len(out.Records))
	return nil
}

func (o *OutputBuilder) handleEOF(eof *protocol.EOF) error {
	sessionID := eof.SessionID
	o.eofSeen[sessionID]++
	metrics.EOFsReceived.WithLabelValues(o.cfg.Worker).Inc()
	if o.eofSeen[sessionID] < o.cfg.PrevControllers {
		return nil
	}

	producer, err := o.producer(sessionID)
	if err != nil {
		return broker.Fatal(err)
	}
	done := &protocol.EOF{
		SessionID:  sessionID,
		MessageID:  uuid.New().String(),
		ProducerID: fmt.Sprint(o.cfg.ID),
		BatchKind:  o.cfg.ResultKind,
	}
	if err := producer.Send(done.Encode()); err != nil {
		return broker.Fatal(err)
	}
	logger.Info("query complete",
		logger.KeySession, sessionID,
		logger.KeyKind, o.cfg.ResultKind)

	if err := producer.Close(); err != nil {
		logger.Warn("result producer close failed", logger.KeyError, err)
	}
	delete(o.producers, sessionID)
	delete(o.eofSeen, sessionID)
	return nil
}

// producer returns the session's result endpoint, opening it on first use.
func (o *OutputBuilder) producer(sessionID string) (broker.Endpoint, error) {
	if p, ok := o.producers[sessionID]; ok {
		return p, nil
	}
	p, err := o.newProducer(sessionID)
	if err != nil {
		return nil, fmt.Errorf("open result endpoint for session %s: %w", sessionID, err)
	}
	o.producers[sessionID] = p
	return p, nil
}

func (o *OutputBuilder) closeAll() {
	for sessionID, producer := range o.producers {
		if err := producer.Close(); err != nil {
			logger.Warn("result producer close failed",
				logger.KeySession, sessionID, logger.KeyError, err)
		}
	}
	if err := o.consumer.Delete(); err != nil {
		logger.Warn("consumer delete failed", logger.KeyError, err)
	}
	if err := o.consumer.Close(); err != nil {
		logger.Warn("consumer close failed", logger.KeyError, err)
	}
	logger.Debug("all endpoints closed", logger.KeyWorker, o.cfg.Worker)
}
