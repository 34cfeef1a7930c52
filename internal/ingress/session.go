package ingress

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/logger"
	"github.com/brewflow/brewflow/internal/metrics"
	"github.com/brewflow/brewflow/internal/protocol"
)

const readBufferSize = 4096

// ingressProducerID marks frames stamped by the session router itself.
const ingressProducerID = "0"

// session owns one client connection end to end: handshake, data intake,
// result egress. It runs in a single goroutine apart from the broker
// consumer callback during the results phase.
type session struct {
	id   string
	conn net.Conn

	// cleaners holds, per record kind, one producer per cleaner instance.
	// Batches round-robin over them; EOFs broadcast to all of them.
	cleaners   map[string][]broker.Endpoint
	nextWorker map[string]int
	eofSeen    map[string]bool

	results        broker.Endpoint
	outputBuilders int
	resultEOFs     map[string]int

	splitter protocol.Splitter
	frames   [][]byte
	readBuf  []byte
}

func newSession(conn net.Conn, outputBuilders int) *session {
	return &session{
		id:             uuid.New().String(),
		conn:           conn,
		cleaners:       make(map[string][]broker.Endpoint),
		nextWorker:     make(map[string]int),
		eofSeen:        make(map[string]bool),
		outputBuilders: outputBuilders,
		resultEOFs:     make(map[string]int),
		readBuf:        make([]byte, readBufferSize),
	}
}

// run drives the session's three phases. The connection and all broker
// endpoints are released on the way out regardless of the outcome.
func (s *session) run(ctx context.Context) error {
	defer s.closeAll()

	unhook := context.AfterFunc(ctx, func() {
		s.conn.Close()
		if s.results != nil {
			_ = s.results.Stop()
		}
	})
	defer unhook()

	metrics.ActiveSessions.WithLabelValues("ingress").Inc()
	defer metrics.ActiveSessions.WithLabelValues("ingress").Dec()

	if err := s.handshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := s.receiveData(); err != nil {
		return fmt.Errorf("receive data: %w", err)
	}
	if err := s.streamResults(ctx); err != nil {
		return fmt.Errorf("stream results: %w", err)
	}

	logger.Info("session complete", logger.KeySession, s.id)
	return nil
}

// readFrame blocks until one complete frame is available from the client.
func (s *session) readFrame() ([]byte, error) {
	for len(s.frames) == 0 {
		n, err := s.conn.Read(s.readBuf)
		if err != nil {
			return nil, err
		}
		s.frames = append(s.frames, s.splitter.Push(s.readBuf[:n])...)
	}
	frame := s.frames[0]
	s.frames = s.frames[1:]
	return frame, nil
}

// handshake validates the client's opening frame and replies with the
// minted session id.
func (s *session) handshake() error {
	frame, err := s.readFrame()
	if err != nil {
		return err
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	hs, ok := msg.(*protocol.Handshake)
	if !ok {
		return fmt.Errorf("expected handshake, got %T", msg)
	}
	if hs.Payload != protocol.AllQueries {
		return fmt.Errorf("unsupported handshake payload %q", hs.Payload)
	}

	reply := &protocol.Handshake{ID: s.id, Payload: hs.ID}
	if _, err := s.conn.Write(reply.Encode()); err != nil {
		return err
	}
	logger.Info("session opened",
		logger.KeySession, s.id,
		logger.KeyClientID, hs.ID,
		logger.KeyClientAddr, s.conn.RemoteAddr().String())
	return nil
}

// receiveData forwards client batches into the pipeline until one EOF per
// record kind has arrived.
func (s *session) receiveData() error {
	for !s.allKindsDone() {
		frame, err := s.readFrame()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *protocol.Batch:
			if err := s.forwardBatch(m); err != nil {
				return err
			}
		case *protocol.EOF:
			if err := s.forwardEOF(m); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected frame during data phase: %T", msg)
		}
	}
	logger.Info("all data received", logger.KeySession, s.id)
	return nil
}

func (s *session) allKindsDone() bool {
	for _, kind := range protocol.RecordKinds {
		if !s.eofSeen[kind] {
			return false
		}
	}
	return true
}

// forwardBatch re-stamps the batch under this session and round-robins it
// over the kind's cleaner instances.
func (s *session) forwardBatch(b *protocol.Batch) error {
	producers, ok := s.cleaners[b.Kind]
	if !ok {
		return fmt.Errorf("no cleaners for kind %q", b.Kind)
	}

	out := &protocol.Batch{
		Kind:       b.Kind,
		SessionID:  s.id,
		MessageID:  uuid.New().String(),
		ProducerID: ingressProducerID,
		Records:    b.Records,
	}

	i := s.nextWorker[b.Kind]
	s.nextWorker[b.Kind] = (i + 1) % len(producers)
	if err := producers[i].Send(out.Encode()); err != nil {
		return err
	}

	metrics.BatchesEmitted.WithLabelValues("ingress").Inc()
	metrics.RecordsEmitted.WithLabelValues("ingress").Add(float64(len(out.Records)))
	return nil
}

// forwardEOF marks the kind finished and broadcasts one EOF to every
// cleaner instance of that kind.
func (s *session) forwardEOF(eof *protocol.EOF) error {
	producers, ok := s.cleaners[eof.BatchKind]
	if !ok {
		return fmt.Errorf("unexpected EOF kind %q", eof.BatchKind)
	}
	s.eofSeen[eof.BatchKind] = true
	logger.Info("client eof received", logger.KeySession, s.id, logger.KeyKind, eof.BatchKind)

	for _, producer := range producers {
		out := &protocol.EOF{
			SessionID:  s.id,
			MessageID:  uuid.New().String(),
			ProducerID: ingressProducerID,
			BatchKind:  eof.BatchKind,
		}
		if err := producer.Send(out.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// streamResults consumes the session's result queue, forwarding batches
// to the client and one EOF per result kind once that query's output
// builders have all finished.
func (s *session) streamResults(ctx context.Context) error {
	return s.results.Consume(ctx, func(body []byte) error {
		msg, err := protocol.Decode(body)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *protocol.Batch:
			if _, err := s.conn.Write(body); err != nil {
				return broker.Fatal(err)
			}
		case *protocol.EOF:
			if err := s.handleResultEOF(m, body); err != nil {
				return broker.Fatal(err)
			}
		default:
			return fmt.Errorf("unexpected frame on results queue: %T", msg)
		}

		if s.allResultsDone() {
			logger.Info("all results delivered", logger.KeySession, s.id)
			return s.results.Stop()
		}
		return nil
	})
}

func (s *session) handleResultEOF(eof *protocol.EOF, frame []byte) error {
	kind := eof.BatchKind
	if !isResultKind(kind) {
		return fmt.Errorf("unexpected result EOF kind %q", kind)
	}
	s.resultEOFs[kind]++
	if s.resultEOFs[kind] == s.outputBuilders {
		if _, err := s.conn.Write(frame); err != nil {
			return err
		}
		logger.Info("query results complete", logger.KeySession, s.id, logger.KeyKind, kind)
	}
	return nil
}

func (s *session) allResultsDone() bool {
	for _, kind := range protocol.ResultKinds {
		if s.resultEOFs[kind] < s.outputBuilders {
			return false
		}
	}
	return true
}

func isResultKind(kind string) bool {
	for _, k := range protocol.ResultKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// closeAll releases the connection, the cleaner producers and the result
// queue (deleted, since it belongs to this session alone).
func (s *session) closeAll() {
	s.conn.Close()

	for _, producers := range s.cleaners {
		for _, producer := range producers {
			if err := producer.Close(); err != nil {
				logger.Warn("cleaner producer close failed", logger.KeyError, err)
			}
		}
	}

	if s.results != nil {
		if err := s.results.Delete(); err != nil {
			logger.Warn("results queue delete failed", logger.KeySession, s.id, logger.KeyError, err)
		}
		if err := s.results.Close(); err != nil {
			logger.Warn("results queue close failed", logger.KeySession, s.id, logger.KeyError, err)
		}
	}
	logger.Debug("session closed", logger.KeySession, s.id)
}
