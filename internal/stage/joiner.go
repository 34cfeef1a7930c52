package stage

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/logger"
	"github.com/brewflow/brewflow/internal/metrics"
	"github.com/brewflow/brewflow/internal/protocol"
)

// JoinerConfig parameterizes a joiner worker.
type JoinerConfig struct {
	Worker string
	ID     int

	// JoinColumn is the equality column present on both inputs.
	JoinColumn string

	// Numeric normalizes join values through integer parsing before
	// comparison, so "7.0" on one side matches "7" on the other.
	Numeric bool

	// BasePrev and StreamPrev are the upstream worker counts of the base
	// and stream queues, hence the EOFs expected per session on each.
	BasePrev   int
	StreamPrev int
}

// joinSession is the per-session join state.
type joinSession struct {
	// base maps normalized join values to the base-side records holding
	// them. Populated until the base EOF barrier fires.
	base map[string][]protocol.Record

	baseEOFs int
	baseDone bool

	streamEOFs int

	// buffered holds stream batches that arrived before the base side was
	// complete. Drained, joined and emitted when baseDone flips.
	buffered []*protocol.Batch
}

// Joiner is an equality hash join over two queues. The base side (the
// small reference table) is materialized per session; stream batches are
// joined against it, buffering any that arrive before the base side's EOF
// barrier. A stream EOF that completes its barrier while the base side is
// still open is republished to the stream queue's tail and its count
// rolled back, deferring the barrier until the base is done.
type Joiner struct {
	cfg     JoinerConfig
	base    broker.Endpoint
	stream  broker.Endpoint
	emitter *Emitter

	mu        sync.Mutex
	sessions  map[string]*joinSession
	malformed int
}

// NewJoiner wires a joiner over its two consumer endpoints.
func NewJoiner(cfg JoinerConfig, base, stream broker.Endpoint, emitter *Emitter) *Joiner {
	return &Joiner{
		cfg:      cfg,
		base:     base,
		stream:   stream,
		emitter:  emitter,
		sessions: make(map[string]*joinSession),
	}
}

// Run consumes both queues until ctx is cancelled or a fatal error occurs
// on either.
func (j *Joiner) Run(ctx context.Context) error {
	defer j.closeAll()

	logger.Info("joiner running", logger.KeyWorker, j.cfg.Worker, logger.KeyController, j.cfg.ID)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return j.base.Consume(ctx, j.handleBase) })
	g.Go(func() error { return j.stream.Consume(ctx, j.handleStream) })

	if err := g.Wait(); err != nil {
		logger.Error("joiner failed", logger.KeyWorker, j.cfg.Worker, logger.KeyError, err)
		return err
	}
	logger.Info("joiner stopped", logger.KeyWorker, j.cfg.Worker, logger.KeyController, j.cfg.ID)
	return nil
}

func (j *Joiner) handleBase(body []byte) error {
	msg, err := j.decode(body)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.Batch:
		metrics.BatchesConsumed.WithLabelValues(j.cfg.Worker).Inc()
		sess := j.session(m.SessionID)
		for _, record := range m.Records {
			key, err := j.normalize(record.Value(j.cfg.JoinColumn))
			if err != nil {
				return broker.Fatal(fmt.Errorf("base join key: %w", err))
			}
			sess.base[key] = append(sess.base[key], record)
		}
		return nil
	case *protocol.EOF:
		return j.handleBaseEOF(m)
	default:
		return fmt.Errorf("unexpected frame on base queue")
	}
}

func (j *Joiner) handleBaseEOF(eof *protocol.EOF) error {
	sess := j.session(eof.SessionID)
	sess.baseEOFs++
	metrics.EOFsReceived.WithLabelValues(j.cfg.Worker).Inc()
	if sess.baseEOFs < j.cfg.BasePrev {
		return nil
	}

	sess.baseDone = true
	logger.Info("base side complete",
		logger.KeySession, eof.SessionID,
		logger.KeyWorker, j.cfg.Worker)

	buffered := sess.buffered
	sess.buffered = nil
	for _, b := range buffered {
		if err := j.join(sess, b); err != nil {
			return broker.Fatal(err)
		}
	}
	return nil
}

func (j *Joiner) handleStream(body []byte) error {
	msg, err := j.decode(body)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.Batch:
		metrics.BatchesConsumed.WithLabelValues(j.cfg.Worker).Inc()
		sess := j.session(m.SessionID)
		if !sess.baseDone {
			sess.buffered = append(sess.buffered, m)
			return nil
		}
		if err := j.join(sess, m); err != nil {
			return broker.Fatal(err)
		}
		return nil
	case *protocol.EOF:
		return j.handleStreamEOF(m)
	default:
		return fmt.Errorf("unexpected frame on stream queue")
	}
}

func (j *Joiner) handleStreamEOF(eof *protocol.EOF) error {
	sess := j.session(eof.SessionID)
	sess.streamEOFs++
	metrics.EOFsReceived.WithLabelValues(j.cfg.Worker).Inc()
	if sess.streamEOFs < j.cfg.StreamPrev {
		return nil
	}

	if !sess.baseDone {
		// The stream finished before the base table did. Push the barrier
		// back: roll the count back and requeue the EOF behind whatever
		// base frames are still in flight.
		sess.streamEOFs--
		requeued := &protocol.EOF{
			SessionID:  eof.SessionID,
			MessageID:  uuid.New().String(),
			ProducerID: eof.ProducerID,
			BatchKind:  eof.BatchKind,
		}
		logger.Debug("stream eof requeued", logger.KeySession, eof.SessionID)
		return j.stream.Send(requeued.Encode())
	}

	logger.Info("all eofs received",
		logger.KeySession, eof.SessionID,
		logger.KeyWorker, j.cfg.Worker)

	if err := j.emitter.EmitEOF(eof.SessionID, eof.BatchKind); err != nil {
		return broker.Fatal(err)
	}
	j.dropSession(eof.SessionID)
	return nil
}

// join emits the batch's records merged with their base matches. Stream
// records without a base match are dropped with a warning.
func (j *Joiner) join(sess *joinSession, b *protocol.Batch) error {
	joined := make([]protocol.Record, 0, len(b.Records))
	for _, record := range b.Records {
		key, err := j.normalize(record.Value(j.cfg.JoinColumn))
		if err != nil {
			return fmt.Errorf("stream join key: %w", err)
		}
		matches, ok := sess.base[key]
		if !ok {
			logger.Warn("unmatched stream record",
				logger.KeySession, b.SessionID,
				logger.KeyKind, b.Kind,
				j.cfg.JoinColumn, record.Value(j.cfg.JoinColumn))
			continue
		}
		for _, base := range matches {
			joined = append(joined, record.Merge(base))
		}
	}
	if len(joined) == 0 {
		return nil
	}
	return j.emitter.Emit(&protocol.Batch{
		Kind:      b.Kind,
		SessionID: b.SessionID,
		Records:   joined,
	})
}

// normalize canonicalizes a join value so both sides compare equal
// regardless of spelling. Empty values stay empty.
func (j *Joiner) normalize(value string) (string, error) {
	if !j.cfg.Numeric || value == "" {
		return value, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(int64(f), 10), nil
}

func (j *Joiner) decode(body []byte) (protocol.Message, error) {
	msg, err := protocol.Decode(body)
	if err != nil {
		j.mu.Lock()
		j.malformed++
		fatal := j.malformed >= maxMalformed
		j.mu.Unlock()
		if fatal {
			return nil, broker.Fatal(fmt.Errorf("too many malformed frames: %w", err))
		}
		return nil, err
	}
	return msg, nil
}

// session returns the state for sessionID, creating it on first touch.
// Callers hold j.mu.
func (j *Joiner) session(sessionID string) *joinSession {
	sess, ok := j.sessions[sessionID]
	if !ok {
		sess = &joinSession{base: make(map[string][]protocol.Record)}
		j.sessions[sessionID] = sess
		metrics.ActiveSessions.WithLabelValues(j.cfg.Worker).Inc()
	}
	return sess
}

// dropSession discards all state for the session. Callers hold j.mu.
func (j *Joiner) dropSession(sessionID string) {
	if _, ok := j.sessions[sessionID]; !ok {
		return
	}
	delete(j.sessions, sessionID)
	metrics.ActiveSessions.WithLabelValues(j.cfg.Worker).Dec()
}

func (j *Joiner) closeAll() {
	j.emitter.CloseProducers()

	for _, consumer := range []broker.Endpoint{j.base, j.stream} {
		if err := consumer.Delete(); err != nil {
			logger.Warn("consumer delete failed", logger.KeyError, err)
		}
		if err := consumer.Close(); err != nil {
			logger.Warn("consumer close failed", logger.KeyError, err)
		}
	}
	logger.Debug("all endpoints closed", logger.KeyWorker, j.cfg.Worker)
}
