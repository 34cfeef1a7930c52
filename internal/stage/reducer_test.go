package stage

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/broker/brokertest"
	"github.com/brewflow/brewflow/internal/protocol"
)

func newTestReducer(out broker.Endpoint, batchMax int, reduce ReduceFunc) (*Reducer, *Emitter) {
	emitter := NewEmitter("test", 0, []broker.Endpoint{out}, EmitterConfig{})
	r := NewReducer(ReducerConfig{
		Worker:    "test",
		Keys:      []string{"item_id", "year_month_created_at"},
		AccColumn: "sellings_qty",
		OutKind:   protocol.KindTransactionItems,
		BatchMax:  batchMax,
		Reduce:    reduce,
	})
	return r, emitter
}

func tit(itemID, yearMonth, quantity string) protocol.Record {
	return protocol.RecordFromPairs(
		"item_id", itemID,
		"year_month_created_at", yearMonth,
		"quantity", quantity,
	)
}

// flattenSorted renders flushed records as sorted "item|month|qty" lines so
// outputs can be compared independently of flush order.
func flattenSorted(records []protocol.Record) []string {
	lines := make([]string, 0, len(records))
	for _, r := range records {
		lines = append(lines, strings.Join([]string{
			r.Value("item_id"),
			r.Value("year_month_created_at"),
			r.Value("sellings_qty"),
		}, "|"))
	}
	sort.Strings(lines)
	return lines
}

func TestReducerSumByKey(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	r, emitter := newTestReducer(out, 100, SumOf("quantity"))

	require.NoError(t, r.HandleBatch(emitter, batchOf(protocol.KindTransactionItems, "s1",
		tit("1", "2024-01", "2"),
		tit("1", "2024-01", "3"),
		tit("1", "2024-02", "5"),
		tit("2", "2024-01", "7"),
	)))

	t.Run("nothing is emitted before the flush", func(t *testing.T) {
		assert.Empty(t, out.Drain())
	})

	require.NoError(t, r.FlushSession(emitter, "s1"))

	assert.Equal(t, []string{
		"1|2024-01|5",
		"1|2024-02|5",
		"2|2024-01|7",
	}, flattenSorted(drainRecords(t, out)))
}

func TestReducerPermutationInvariance(t *testing.T) {
	records := []protocol.Record{
		tit("1", "2024-01", "2"),
		tit("2", "2024-01", "4"),
		tit("1", "2024-02", "1"),
		tit("1", "2024-01", "6"),
		tit("2", "2024-03", "9"),
	}

	run := func(order []int) []string {
		hub := brokertest.NewHub()
		out := hub.Endpoint("out")
		r, emitter := newTestReducer(out, 100, SumOf("quantity"))
		for _, i := range order {
			require.NoError(t, r.HandleBatch(emitter,
				batchOf(protocol.KindTransactionItems, "s1", records[i].Clone())))
		}
		require.NoError(t, r.FlushSession(emitter, "s1"))
		return flattenSorted(drainRecords(t, out))
	}

	forward := run([]int{0, 1, 2, 3, 4})
	reversed := run([]int{4, 3, 2, 1, 0})
	shuffled := run([]int{2, 4, 0, 3, 1})
	assert.Equal(t, forward, reversed)
	assert.Equal(t, forward, shuffled)
}

func TestReducerCount(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	emitter := NewEmitter("test", 0, []broker.Endpoint{out}, EmitterConfig{})
	r := NewReducer(ReducerConfig{
		Worker:    "test",
		Keys:      []string{"store_id", "user_id"},
		AccColumn: "purchases_qty",
		OutKind:   protocol.KindTransactions,
		BatchMax:  100,
		Reduce:    CountRecords,
	})

	require.NoError(t, r.HandleBatch(emitter, batchOf(protocol.KindTransactions, "s1",
		protocol.RecordFromPairs("store_id", "1", "user_id", "9"),
		protocol.RecordFromPairs("store_id", "1", "user_id", "9"),
		protocol.RecordFromPairs("store_id", "1", "user_id", "8"),
	)))
	require.NoError(t, r.FlushSession(emitter, "s1"))

	counts := make(map[string]string)
	for _, rec := range drainRecords(t, out) {
		counts[rec.Value("store_id")+"/"+rec.Value("user_id")] = rec.Value("purchases_qty")
	}
	assert.Equal(t, map[string]string{"1/9": "2", "1/8": "1"}, counts)
}

func TestReducerBatchSplitting(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	r, emitter := newTestReducer(out, 2, SumOf("quantity"))

	batch := &protocol.Batch{Kind: protocol.KindTransactionItems, SessionID: "s1"}
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		batch.Records = append(batch.Records, tit(id, "2024-01", "1"))
	}
	require.NoError(t, r.HandleBatch(emitter, batch))
	require.NoError(t, r.FlushSession(emitter, "s1"))

	batches := drainBatches(t, out)
	require.Len(t, batches, 3)
	for _, b := range batches[:2] {
		assert.Len(t, b.Records, 2)
	}
	assert.Len(t, batches[2].Records, 1)
}

func TestReducerSessionIsolation(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	r, emitter := newTestReducer(out, 100, SumOf("quantity"))

	require.NoError(t, r.HandleBatch(emitter,
		batchOf(protocol.KindTransactionItems, "s1", tit("1", "2024-01", "2"))))
	require.NoError(t, r.HandleBatch(emitter,
		batchOf(protocol.KindTransactionItems, "s2", tit("1", "2024-01", "40"))))

	require.NoError(t, r.FlushSession(emitter, "s1"))
	records := drainRecords(t, out)
	require.Len(t, records, 1)
	assert.Equal(t, "2", records[0].Value("sellings_qty"))

	require.NoError(t, r.FlushSession(emitter, "s2"))
	records = drainRecords(t, out)
	require.Len(t, records, 1)
	assert.Equal(t, "40", records[0].Value("sellings_qty"))
}
