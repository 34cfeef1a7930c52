// Package ingress accepts client connections, mints sessions and routes
// data between clients and the pipeline: inbound batches fan out to the
// cleaner queues, results stream back from the session's private result
// queue.
package ingress

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/logger"
	"github.com/brewflow/brewflow/internal/pipeline"
	"github.com/brewflow/brewflow/internal/protocol"
)

// EndpointFactory opens a broker endpoint for the given queue name.
type EndpointFactory func(queueName string) (broker.Endpoint, error)

// Config parameterizes the session router.
type Config struct {
	// ListenAddress is the TCP address to accept clients on.
	ListenAddress string

	// CleanerWorkers is the number of cleaner instances per record kind:
	// how many dirty queues exist to round-robin over.
	CleanerWorkers map[string]int

	// OutputBuilders is the worker count per query, hence the EOFs expected
	// per result kind before that query's results are complete.
	OutputBuilders int
}

// Server is the ingress accept loop. One session per connection, each in
// its own goroutine.
type Server struct {
	cfg         Config
	newEndpoint EndpointFactory
}

// NewServer builds a server over the given endpoint factory.
func NewServer(cfg Config, newEndpoint EndpointFactory) *Server {
	return &Server{cfg: cfg, newEndpoint: newEndpoint}
}

// Run accepts connections until ctx is cancelled, then waits for the
// active sessions to finish.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	logger.Info("ingress listening", "address", s.cfg.ListenAddress)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				logger.Info("ingress stopped")
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, conn)
		}()
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	sess, err := s.newSession(conn)
	if err != nil {
		logger.Error("session setup failed",
			logger.KeyClientAddr, conn.RemoteAddr().String(),
			logger.KeyError, err)
		conn.Close()
		return
	}
	if err := sess.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("session failed",
			logger.KeySession, sess.id,
			logger.KeyError, err)
	}
}

// newSession opens the session's broker endpoints: every cleaner queue of
// every record kind, plus the private result queue.
func (s *Server) newSession(conn net.Conn) (*session, error) {
	sess := newSession(conn, s.cfg.OutputBuilders)

	for _, kind := range protocol.RecordKinds {
		prefix, err := pipeline.DirtyQueuePrefix(kind)
		if err != nil {
			sess.closeAll()
			return nil, err
		}
		workers := s.cfg.CleanerWorkers[kind]
		for i := 0; i < workers; i++ {
			ep, err := s.newEndpoint(pipeline.Instance(prefix, i))
			if err != nil {
				sess.closeAll()
				return nil, err
			}
			sess.cleaners[kind] = append(sess.cleaners[kind], ep)
		}
	}

	results, err := s.newEndpoint(pipeline.SessionQueue(pipeline.ResultsQueue, sess.id))
	if err != nil {
		sess.closeAll()
		return nil, err
	}
	sess.results = results
	return sess, nil
}
