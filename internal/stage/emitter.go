package stage

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/logger"
	"github.com/brewflow/brewflow/internal/metrics"
	"github.com/brewflow/brewflow/internal/protocol"
)

// Policy selects how an emitted batch is spread over the producer list.
type Policy int

const (
	// RoundRobin sends each batch to the next producer in rotation.
	RoundRobin Policy = iota

	// KeySharded splits each batch by hash of a sharding column and sends
	// one sub-batch per bucket.
	KeySharded

	// Broadcast sends each batch to every producer.
	Broadcast
)

// EmitterConfig selects the fan-out policy of one stage.
type EmitterConfig struct {
	Policy Policy

	// ShardColumn names the column hashed under KeySharded. It must match
	// the next stage's grouping key.
	ShardColumn string

	// ShardNumeric parses the sharding value as a number and uses value
	// mod N instead of the text hash.
	ShardNumeric bool

	// GroupSize is the number of producers addressed per shard bucket.
	// The producer list is treated as buckets of GroupSize consecutive
	// endpoints, so a stage can feed two downstream subgraphs in parallel.
	// Zero means one.
	GroupSize int
}

// Emitter owns a stage's producer endpoints and applies its fan-out
// policy. Every emission stamps a fresh message id and this controller's
// producer id.
type Emitter struct {
	worker     string
	producerID string
	producers  []broker.Endpoint
	cfg        EmitterConfig
	next       int
}

// NewEmitter builds an emitter for the given producers.
func NewEmitter(worker string, controllerID int, producers []broker.Endpoint, cfg EmitterConfig) *Emitter {
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 1
	}
	return &Emitter{
		worker:     worker,
		producerID: strconv.Itoa(controllerID),
		producers:  producers,
		cfg:        cfg,
	}
}

// Emit sends the batch downstream under the configured policy. Empty
// batches are dropped.
func (e *Emitter) Emit(b *protocol.Batch) error {
	if len(e.producers) == 0 {
		return fmt.Errorf("emit from %s: no downstream producers configured", e.worker)
	}
	if len(b.Records) == 0 {
		return nil
	}

	switch e.cfg.Policy {
	case KeySharded:
		return e.emitSharded(b)
	case Broadcast:
		return e.emitBroadcast(b)
	default:
		return e.emitRoundRobin(b)
	}
}

func (e *Emitter) emitRoundRobin(b *protocol.Batch) error {
	producer := e.producers[e.next]
	e.next = (e.next + 1) % len(e.producers)
	return e.sendBatch(producer, b)
}

func (e *Emitter) emitBroadcast(b *protocol.Batch) error {
	for _, producer := range e.producers {
		if err := e.sendBatch(producer, b); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) emitSharded(b *protocol.Batch) error {
	buckets := len(e.producers) / e.cfg.GroupSize
	if buckets == 0 {
		return fmt.Errorf("emit from %s: %d producers cannot fill a group of %d",
			e.worker, len(e.producers), e.cfg.GroupSize)
	}
	byBucket := make(map[int][]protocol.Record)

	for _, record := range b.Records {
		value := record.Value(e.cfg.ShardColumn)
		bucket, canonical, err := shardBucket(value, e.cfg.ShardNumeric, buckets)
		if err != nil {
			return fmt.Errorf("shard on %s: %w", e.cfg.ShardColumn, err)
		}
		if canonical != value {
			record.Set(e.cfg.ShardColumn, canonical)
		}
		byBucket[bucket] = append(byBucket[bucket], record)
	}

	for bucket, records := range byBucket {
		sub := &protocol.Batch{Kind: b.Kind, SessionID: b.SessionID, Records: records}
		for g := 0; g < e.cfg.GroupSize; g++ {
			producer := e.producers[bucket*e.cfg.GroupSize+g]
			if err := e.sendBatch(producer, sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// sendBatch stamps the emission header and publishes.
func (e *Emitter) sendBatch(producer broker.Endpoint, b *protocol.Batch) error {
	out := &protocol.Batch{
		Kind:       b.Kind,
		SessionID:  b.SessionID,
		MessageID:  uuid.New().String(),
		ProducerID: e.producerID,
		Records:    b.Records,
	}
	if err := producer.Send(out.Encode()); err != nil {
		return err
	}

	metrics.BatchesEmitted.WithLabelValues(e.worker).Inc()
	metrics.RecordsEmitted.WithLabelValues(e.worker).Add(float64(len(out.Records)))
	logger.Debug("batch sent",
		logger.KeySession, out.SessionID,
		logger.KeyKind, out.Kind,
		logger.KeyBatchSize, len(out.Records))
	return nil
}

// EmitEOF broadcasts one EOF for the session to every producer endpoint.
func (e *Emitter) EmitEOF(sessionID, kind string) error {
	for _, producer := range e.producers {
		eof := &protocol.EOF{
			SessionID:  sessionID,
			MessageID:  uuid.New().String(),
			ProducerID: e.producerID,
			BatchKind:  kind,
		}
		if err := producer.Send(eof.Encode()); err != nil {
			return err
		}
	}
	logger.Info("eof sent", logger.KeySession, sessionID, logger.KeyKind, kind)
	return nil
}

// CloseProducers closes every producer endpoint without deleting the
// server-side resources, which downstream consumers still own.
func (e *Emitter) CloseProducers() {
	for _, producer := range e.producers {
		if err := producer.Close(); err != nil {
			logger.Warn("producer close failed", logger.KeyError, err)
		}
	}
}
