package ingress

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/broker/brokertest"
	"github.com/brewflow/brewflow/internal/pipeline"
	"github.com/brewflow/brewflow/internal/protocol"
)

// frameReader reassembles frames from the client side of the pipe.
type frameReader struct {
	conn     net.Conn
	splitter protocol.Splitter
	frames   [][]byte
	buf      []byte
}

func newFrameReader(conn net.Conn) *frameReader {
	return &frameReader{conn: conn, buf: make([]byte, 1024)}
}

func (r *frameReader) next(t *testing.T) protocol.Message {
	t.Helper()
	for len(r.frames) == 0 {
		n, err := r.conn.Read(r.buf)
		require.NoError(t, err)
		r.frames = append(r.frames, r.splitter.Push(r.buf[:n])...)
	}
	frame := r.frames[0]
	r.frames = r.frames[1:]
	msg, err := protocol.Decode(frame)
	require.NoError(t, err)
	return msg
}

func newPipedSession(t *testing.T) (*session, *brokertest.Hub, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	hub := brokertest.NewHub()

	sess := newSession(serverConn, 1)
	for _, kind := range protocol.RecordKinds {
		prefix, err := pipeline.DirtyQueuePrefix(kind)
		require.NoError(t, err)
		sess.cleaners[kind] = []broker.Endpoint{hub.Endpoint(pipeline.Instance(prefix, 0))}
	}
	sess.results = hub.Endpoint(pipeline.SessionQueue(pipeline.ResultsQueue, sess.id))
	return sess, hub, clientConn
}

func writeFrame(t *testing.T, conn net.Conn, msg protocol.Message) {
	t.Helper()
	_, err := conn.Write(msg.Encode())
	require.NoError(t, err)
}

func TestSessionEndToEnd(t *testing.T) {
	sess, hub, client := newPipedSession(t)

	done := make(chan error, 1)
	go func() { done <- sess.run(context.Background()) }()

	reader := newFrameReader(client)

	// Handshake: the reply carries the minted session id and echoes the
	// client id.
	writeFrame(t, client, &protocol.Handshake{ID: "client-7", Payload: protocol.AllQueries})
	reply, ok := reader.next(t).(*protocol.Handshake)
	require.True(t, ok)
	assert.Equal(t, sess.id, reply.ID)
	assert.Equal(t, "client-7", reply.Payload)

	// Data phase: one transactions batch, then one EOF per record kind.
	writeFrame(t, client, &protocol.Batch{
		Kind:       protocol.KindTransactions,
		SessionID:  "ignored-by-server",
		MessageID:  "m-1",
		ProducerID: "9",
		Records: []protocol.Record{
			protocol.RecordFromPairs("transaction_id", "t-1", "final_amount", "80"),
		},
	})
	for _, kind := range protocol.RecordKinds {
		writeFrame(t, client, &protocol.EOF{
			SessionID: "ignored-by-server", MessageID: "m-eof", ProducerID: "9", BatchKind: kind,
		})
	}

	// Results phase: each query delivers one batch and one EOF.
	for _, kind := range protocol.ResultKinds {
		record := protocol.RecordFromPairs("col", "v")
		require.NoError(t, sess.results.Send((&protocol.Batch{
			Kind: kind, SessionID: sess.id, MessageID: "m-r", ProducerID: "1",
			Records: []protocol.Record{record},
		}).Encode()))
		require.NoError(t, sess.results.Send((&protocol.EOF{
			SessionID: sess.id, MessageID: "m-re", ProducerID: "1", BatchKind: kind,
		}).Encode()))
	}

	var batches, eofs []string
	for i := 0; i < 2*len(protocol.ResultKinds); i++ {
		switch m := reader.next(t).(type) {
		case *protocol.Batch:
			batches = append(batches, m.Kind)
		case *protocol.EOF:
			eofs = append(eofs, m.BatchKind)
		}
	}
	assert.ElementsMatch(t, protocol.ResultKinds, batches)
	assert.ElementsMatch(t, protocol.ResultKinds, eofs)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}

	t.Run("batches are re-stamped and routed to the kind's cleaners", func(t *testing.T) {
		prefix, err := pipeline.DirtyQueuePrefix(protocol.KindTransactions)
		require.NoError(t, err)
		frames := hub.Endpoint(pipeline.Instance(prefix, 0)).Drain()
		require.Len(t, frames, 2)

		msg, err := protocol.Decode(frames[0])
		require.NoError(t, err)
		b, ok := msg.(*protocol.Batch)
		require.True(t, ok)
		assert.Equal(t, sess.id, b.SessionID)
		assert.Equal(t, ingressProducerID, b.ProducerID)
		assert.NotEqual(t, "m-1", b.MessageID)

		msg, err = protocol.Decode(frames[1])
		require.NoError(t, err)
		eof, ok := msg.(*protocol.EOF)
		require.True(t, ok)
		assert.Equal(t, protocol.KindTransactions, eof.BatchKind)
		assert.Equal(t, sess.id, eof.SessionID)
	})

	t.Run("kinds without data still get their EOF", func(t *testing.T) {
		prefix, err := pipeline.DirtyQueuePrefix(protocol.KindUsers)
		require.NoError(t, err)
		frames := hub.Endpoint(pipeline.Instance(prefix, 0)).Drain()
		require.Len(t, frames, 1)
		msg, err := protocol.Decode(frames[0])
		require.NoError(t, err)
		_, ok := msg.(*protocol.EOF)
		assert.True(t, ok)
	})
}

func TestSessionRoundRobinsAcrossCleaners(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	hub := brokertest.NewHub()

	sess := newSession(serverConn, 1)
	prefix, err := pipeline.DirtyQueuePrefix(protocol.KindUsers)
	require.NoError(t, err)
	sess.cleaners[protocol.KindUsers] = []broker.Endpoint{
		hub.Endpoint(pipeline.Instance(prefix, 0)),
		hub.Endpoint(pipeline.Instance(prefix, 1)),
	}

	batch := &protocol.Batch{
		Kind: protocol.KindUsers, SessionID: "s", MessageID: "m", ProducerID: "9",
		Records: []protocol.Record{protocol.RecordFromPairs("user_id", "1")},
	}
	require.NoError(t, sess.forwardBatch(batch))
	require.NoError(t, sess.forwardBatch(batch))
	require.NoError(t, sess.forwardBatch(batch))

	assert.Len(t, hub.Endpoint(pipeline.Instance(prefix, 0)).Drain(), 2)
	assert.Len(t, hub.Endpoint(pipeline.Instance(prefix, 1)).Drain(), 1)

	t.Run("eof broadcasts to every instance", func(t *testing.T) {
		require.NoError(t, sess.forwardEOF(&protocol.EOF{
			SessionID: "s", MessageID: "m", ProducerID: "9", BatchKind: protocol.KindUsers,
		}))
		assert.Len(t, hub.Endpoint(pipeline.Instance(prefix, 0)).Drain(), 1)
		assert.Len(t, hub.Endpoint(pipeline.Instance(prefix, 1)).Drain(), 1)
	})

	clientConn.Close()
	serverConn.Close()
}

func TestSessionRejectsBadHandshake(t *testing.T) {
	sess, _, client := newPipedSession(t)

	done := make(chan error, 1)
	go func() { done <- sess.run(context.Background()) }()

	writeFrame(t, client, &protocol.Handshake{ID: "client-7", Payload: "SOME_QUERIES"})

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "handshake")
	case <-time.After(2 * time.Second):
		t.Fatal("session did not reject the handshake")
	}
}
