package stage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/broker/brokertest"
	"github.com/brewflow/brewflow/internal/protocol"
)

func newTestSorter(out broker.Endpoint, perGroup int) (*Sorter, *Emitter) {
	emitter := NewEmitter("test", 0, []broker.Endpoint{out}, EmitterConfig{})
	s := NewSorter(SorterConfig{
		Worker:      "test",
		GroupColumn: "year_month_created_at",
		Primary:     "sellings_qty",
		Secondary:   "item_id",
		PerGroup:    perGroup,
		OutKind:     protocol.KindTransactionItems,
		BatchMax:    100,
	})
	return s, emitter
}

func sold(month, itemID, qty string) protocol.Record {
	return protocol.RecordFromPairs(
		"year_month_created_at", month,
		"item_id", itemID,
		"sellings_qty", qty,
	)
}

func TestSorterTopPerGroup(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	s, emitter := newTestSorter(out, 1)

	require.NoError(t, s.HandleBatch(emitter, batchOf(protocol.KindTransactionItems, "s1",
		sold("2024-01", "1", "5"),
		sold("2024-01", "2", "9"),
		sold("2024-01", "3", "7"),
		sold("2024-02", "1", "3"),
	)))

	t.Run("nothing is emitted before the flush", func(t *testing.T) {
		assert.Empty(t, out.Drain())
	})

	require.NoError(t, s.FlushSession(emitter, "s1"))

	best := make(map[string]string)
	for _, r := range drainRecords(t, out) {
		best[r.Value("year_month_created_at")] = r.Value("item_id")
	}
	assert.Equal(t, map[string]string{"2024-01": "2", "2024-02": "1"}, best)
}

func TestSorterDescendingWithinGroup(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	s, emitter := newTestSorter(out, 3)

	require.NoError(t, s.HandleBatch(emitter, batchOf(protocol.KindTransactionItems, "s1",
		sold("2024-01", "1", "2"),
		sold("2024-01", "2", "10"),
		sold("2024-01", "3", "9"),
	)))
	require.NoError(t, s.FlushSession(emitter, "s1"))

	records := drainRecords(t, out)
	require.Len(t, records, 3)

	t.Run("numeric comparison, not lexicographic", func(t *testing.T) {
		// "10" > "9" numerically even though "10" < "9" as text.
		assert.Equal(t, "10", records[0].Value("sellings_qty"))
		assert.Equal(t, "9", records[1].Value("sellings_qty"))
		assert.Equal(t, "2", records[2].Value("sellings_qty"))
	})
}

func TestSorterSecondaryBreaksTies(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	s, emitter := newTestSorter(out, 2)

	require.NoError(t, s.HandleBatch(emitter, batchOf(protocol.KindTransactionItems, "s1",
		sold("2024-01", "3", "5"),
		sold("2024-01", "8", "5"),
		sold("2024-01", "1", "5"),
	)))
	require.NoError(t, s.FlushSession(emitter, "s1"))

	records := drainRecords(t, out)
	require.Len(t, records, 2)
	assert.Equal(t, "8", records[0].Value("item_id"))
	assert.Equal(t, "3", records[1].Value("item_id"))
}

func TestSorterBoundedMemory(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	s, emitter := newTestSorter(out, 2)

	// Feed many records; the heap never holds more than PerGroup.
	for i := 0; i < 50; i++ {
		require.NoError(t, s.HandleBatch(emitter, batchOf(protocol.KindTransactionItems, "s1",
			sold("2024-01", fmt.Sprint(i), fmt.Sprint(i)))))
	}
	for _, h := range s.sessions["s1"] {
		assert.LessOrEqual(t, h.Len(), 2)
	}

	require.NoError(t, s.FlushSession(emitter, "s1"))
	records := drainRecords(t, out)
	require.Len(t, records, 2)
	assert.Equal(t, "49", records[0].Value("sellings_qty"))
	assert.Equal(t, "48", records[1].Value("sellings_qty"))
}

func TestSorterSessionDroppedAfterFlush(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	s, emitter := newTestSorter(out, 1)

	require.NoError(t, s.HandleBatch(emitter, batchOf(protocol.KindTransactionItems, "s1",
		sold("2024-01", "1", "5"))))
	require.NoError(t, s.FlushSession(emitter, "s1"))
	assert.NotContains(t, s.sessions, "s1")

	t.Run("second flush is a no-op", func(t *testing.T) {
		out.Drain()
		require.NoError(t, s.FlushSession(emitter, "s1"))
		assert.Empty(t, out.Drain())
	})
}
