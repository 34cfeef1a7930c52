package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/broker/brokertest"
	"github.com/brewflow/brewflow/internal/protocol"
)

func TestMapperYearMonth(t *testing.T) {
	hub := brokertest.NewHub()
	out := hub.Endpoint("out")
	emitter := NewEmitter("test", 0, []broker.Endpoint{out}, EmitterConfig{})
	mapper := NewMapper(WithYearMonth)

	require.NoError(t, mapper.HandleBatch(emitter, batchOf(protocol.KindTransactionItems, "s1",
		protocol.RecordFromPairs("item_id", "3", "created_at", "2024-07-15 09:30:00"))))

	records := drainRecords(t, out)
	require.Len(t, records, 1)
	assert.Equal(t, "2024-07", records[0].Value("year_month_created_at"))
	assert.Equal(t, "3", records[0].Value("item_id"), "existing columns survive")
}

func TestMapperYearHalf(t *testing.T) {
	cases := []struct {
		createdAt string
		want      string
	}{
		{"2024-01-01 00:00:00", "2024-H1"},
		{"2024-06-30 23:59:59", "2024-H1"},
		{"2024-07-01 00:00:00", "2024-H2"},
		{"2025-12-31 12:00:00", "2025-H2"},
	}
	for _, tc := range cases {
		t.Run(tc.want+" from "+tc.createdAt, func(t *testing.T) {
			record := protocol.RecordFromPairs("created_at", tc.createdAt)
			require.NoError(t, WithYearHalf(record))
			assert.Equal(t, tc.want, record.Value("year_half_created_at"))
		})
	}
}

func TestMapperBadDate(t *testing.T) {
	hub := brokertest.NewHub()
	emitter := NewEmitter("test", 0, []broker.Endpoint{hub.Endpoint("out")}, EmitterConfig{})
	mapper := NewMapper(WithYearMonth)

	err := mapper.HandleBatch(emitter, batchOf(protocol.KindTransactionItems, "s1",
		protocol.RecordFromPairs("created_at", "nonsense")))
	assert.Error(t, err)
}
