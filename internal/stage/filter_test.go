package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/broker/brokertest"
	"github.com/brewflow/brewflow/internal/protocol"
)

func trn(createdAt, amount string) protocol.Record {
	return protocol.RecordFromPairs("created_at", createdAt, "final_amount", amount)
}

func TestFilterYearIn(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	emitter := NewEmitter("test", 0, []broker.Endpoint{out}, EmitterConfig{})
	filter := NewFilter(YearIn([]int{2024, 2025}))

	require.NoError(t, filter.HandleBatch(emitter, batchOf(protocol.KindTransactions, "s1",
		trn("2023-12-31 23:59:59", "10"),
		trn("2024-01-01 00:00:00", "20"),
		trn("2025-06-15 12:30:00", "30"),
		trn("2026-01-01 00:00:00", "40"),
	)))

	records := drainRecords(t, out)
	require.Len(t, records, 2)
	assert.Equal(t, "20", records[0].Value("final_amount"))
	assert.Equal(t, "30", records[1].Value("final_amount"))
}

func TestFilterHourBetween(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	emitter := NewEmitter("test", 0, []broker.Endpoint{out}, EmitterConfig{})
	filter := NewFilter(HourBetween(6, 23))

	t.Run("lower bound is inclusive, upper exclusive", func(t *testing.T) {
		require.NoError(t, filter.HandleBatch(emitter, batchOf(protocol.KindTransactions, "s1",
			trn("2024-03-01 05:59:59", "a"),
			trn("2024-03-01 06:00:00", "b"),
			trn("2024-03-01 22:59:59", "c"),
			trn("2024-03-01 23:00:00", "d"),
		)))

		records := drainRecords(t, out)
		require.Len(t, records, 2)
		assert.Equal(t, "b", records[0].Value("final_amount"))
		assert.Equal(t, "c", records[1].Value("final_amount"))
	})

	t.Run("missing time component fails", func(t *testing.T) {
		err := filter.HandleBatch(emitter, batchOf(protocol.KindTransactions, "s1",
			trn("2024-03-01", "a")))
		assert.Error(t, err)
	})
}

func TestFilterAmountAtLeast(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	emitter := NewEmitter("test", 0, []broker.Endpoint{out}, EmitterConfig{})
	filter := NewFilter(AmountAtLeast(75))

	require.NoError(t, filter.HandleBatch(emitter, batchOf(protocol.KindTransactions, "s1",
		trn("2024-03-01 10:00:00", "74.99"),
		trn("2024-03-01 10:00:00", "75"),
		trn("2024-03-01 10:00:00", "120.5"),
	)))

	records := drainRecords(t, out)
	require.Len(t, records, 2)
	assert.Equal(t, "75", records[0].Value("final_amount"))
	assert.Equal(t, "120.5", records[1].Value("final_amount"))
}

func TestFilterDropsEmptyOutput(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	emitter := NewEmitter("test", 0, []broker.Endpoint{out}, EmitterConfig{})
	filter := NewFilter(YearIn([]int{2024}))

	require.NoError(t, filter.HandleBatch(emitter, batchOf(protocol.KindTransactions, "s1",
		trn("2020-01-01 00:00:00", "10"))))
	assert.Empty(t, out.Drain())
}
