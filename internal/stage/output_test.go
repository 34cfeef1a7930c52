package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/broker/brokertest"
	"github.com/brewflow/brewflow/internal/protocol"
)

func newTestOutputBuilder(prevControllers int) (*OutputBuilder, *brokertest.Hub) {
	hub := brokertest.NewHub()
	o := NewOutputBuilder(OutputBuilderConfig{
		Worker:          "test",
		ID:              1,
		Columns:         []string{"transaction_id", "final_amount"},
		ResultKind:      protocol.KindResultQ1X,
		PrevControllers: prevControllers,
	}, hub.Endpoint("in"), func(sessionID string) (broker.Endpoint, error) {
		return hub.Endpoint("results-" + sessionID), nil
	})
	return o, hub
}

func TestOutputBuilderProjectsAndRetags(t *testing.T) {
	o, hub := newTestOutputBuilder(1)

	record := protocol.RecordFromPairs(
		"created_at", "2024-01-01 10:00:00",
		"transaction_id", "t-1",
		"final_amount", "80",
	)
	require.NoError(t, o.handleMessage(batchOf(protocol.KindTransactions, "s1", record).Encode()))

	batches := drainBatches(t, hub.Endpoint("results-s1"))
	require.Len(t, batches, 1)
	assert.Equal(t, protocol.KindResultQ1X, batches[0].Kind)
	assert.Equal(t, "s1", batches[0].SessionID)
	require.Len(t, batches[0].Records, 1)
	assert.Equal(t, []string{"transaction_id", "final_amount"}, batches[0].Records[0].Columns())
}

func TestOutputBuilderRoutesBySession(t *testing.T) {
	o, hub := newTestOutputBuilder(1)

	require.NoError(t, o.handleMessage(batchOf(protocol.KindTransactions, "s1",
		protocol.RecordFromPairs("transaction_id", "t-1")).Encode()))
	require.NoError(t, o.handleMessage(batchOf(protocol.KindTransactions, "s2",
		protocol.RecordFromPairs("transaction_id", "t-2")).Encode()))

	r1 := drainRecords(t, hub.Endpoint("results-s1"))
	r2 := drainRecords(t, hub.Endpoint("results-s2"))
	require.Len(t, r1, 1)
	require.Len(t, r2, 1)
	assert.Equal(t, "t-1", r1[0].Value("transaction_id"))
	assert.Equal(t, "t-2", r2[0].Value("transaction_id"))
}

func TestOutputBuilderEOFBarrier(t *testing.T) {
	o, hub := newTestOutputBuilder(2)
	results := hub.Endpoint("results-s1")

	require.NoError(t, o.handleMessage(batchOf(protocol.KindTransactions, "s1",
		protocol.RecordFromPairs("transaction_id", "t-1")).Encode()))
	drainMessages(t, results)

	require.NoError(t, o.handleMessage(eofOf(protocol.KindTransactions, "s1").Encode()))
	assert.Empty(t, results.Drain(), "first eof does not complete the barrier")

	require.NoError(t, o.handleMessage(eofOf(protocol.KindTransactions, "s1").Encode()))
	msgs := drainMessages(t, results)
	require.Len(t, msgs, 1)
	eof, ok := msgs[0].(*protocol.EOF)
	require.True(t, ok)
	assert.Equal(t, protocol.KindResultQ1X, eof.BatchKind)
	assert.Equal(t, "s1", eof.SessionID)

	t.Run("session state is dropped", func(t *testing.T) {
		assert.NotContains(t, o.producers, "s1")
		assert.NotContains(t, o.eofSeen, "s1")
	})
}
