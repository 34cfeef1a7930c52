package stage

import (
	"container/heap"
	"strconv"

	"github.com/brewflow/brewflow/internal/metrics"
	"github.com/brewflow/brewflow/internal/protocol"
)

// compareValues orders two column values: as floats when both sides parse
// as numbers, lexicographically otherwise.
func compareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// topK is a bounded min-heap of records under (primary, secondary). When
// an insertion would exceed capacity, the smallest element is evicted, so
// the heap always holds the top capacity records.
type topK struct {
	primary   string
	secondary string
	capacity  int
	records   []protocol.Record
}

func (h *topK) Len() int { return len(h.records) }

func (h *topK) Less(i, j int) bool {
	a, b := h.records[i], h.records[j]
	if c := compareValues(a.Value(h.primary), b.Value(h.primary)); c != 0 {
		return c < 0
	}
	return compareValues(a.Value(h.secondary), b.Value(h.secondary)) < 0
}

func (h *topK) Swap(i, j int) { h.records[i], h.records[j] = h.records[j], h.records[i] }

func (h *topK) Push(x any) { h.records = append(h.records, x.(protocol.Record)) }

func (h *topK) Pop() any {
	last := len(h.records) - 1
	r := h.records[last]
	h.records = h.records[:last]
	return r
}

// add inserts the record, evicting the current minimum when full. O(log K).
func (h *topK) add(r protocol.Record) {
	if h.Len() < h.capacity {
		heap.Push(h, r)
		return
	}
	min := h.records[0]
	if c := compareValues(r.Value(h.primary), min.Value(h.primary)); c < 0 {
		return
	} else if c == 0 && compareValues(r.Value(h.secondary), min.Value(h.secondary)) <= 0 {
		return
	}
	h.records[0] = r
	heap.Fix(h, 0)
}

// descending drains the heap into a new slice ordered largest first.
func (h *topK) descending() []protocol.Record {
	out := make([]protocol.Record, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(protocol.Record)
	}
	return out
}

// SorterConfig parameterizes a sorter stage.
type SorterConfig struct {
	Worker string

	// GroupColumn partitions records; the top K are kept per group value.
	GroupColumn string

	// Primary and Secondary form the descending composite sort order.
	Primary   string
	Secondary string

	// PerGroup is K, the number of records kept per group.
	PerGroup int

	// OutKind is the batch kind stamped on flushed batches.
	OutKind string

	// BatchMax caps the records per flushed batch.
	BatchMax int
}

// Sorter keeps, per session and per group, the top PerGroup records under
// (Primary DESC, Secondary DESC). On the session barrier it emits each
// group's records in descending order, concatenated across groups (group
// order unspecified), batched at BatchMax.
type Sorter struct {
	cfg      SorterConfig
	sessions map[string]map[string]*topK
}

// NewSorter builds a sorter stage.
func NewSorter(cfg SorterConfig) *Sorter {
	return &Sorter{cfg: cfg, sessions: make(map[string]map[string]*topK)}
}

// HandleBatch feeds every record into its group's bounded heap. Nothing is
// emitted until the session barrier fires.
func (s *Sorter) HandleBatch(_ *Emitter, b *protocol.Batch) error {
	groups, ok := s.sessions[b.SessionID]
	if !ok {
		groups = make(map[string]*topK)
		s.sessions[b.SessionID] = groups
		metrics.ActiveSessions.WithLabelValues(s.cfg.Worker).Inc()
	}

	for _, record := range b.Records {
		groupValue := record.Value(s.cfg.GroupColumn)
		h, ok := groups[groupValue]
		if !ok {
			h = &topK{
				primary:   s.cfg.Primary,
				secondary: s.cfg.Secondary,
				capacity:  s.cfg.PerGroup,
			}
			groups[groupValue] = h
		}
		h.add(record)
	}
	return nil
}

// FlushSession emits the sorted groups and drops the session state.
func (s *Sorter) FlushSession(emit *Emitter, sessionID string) error {
	groups, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	batch := &protocol.Batch{Kind: s.cfg.OutKind, SessionID: sessionID}
	for _, h := range groups {
		for _, record := range h.descending() {
			batch.Records = append(batch.Records, record)
			if len(batch.Records) == s.cfg.BatchMax {
				if err := emit.Emit(batch); err != nil {
					return err
				}
				batch = &protocol.Batch{Kind: s.cfg.OutKind, SessionID: sessionID}
			}
		}
	}
	if err := emit.Emit(batch); err != nil {
		return err
	}

	delete(s.sessions, sessionID)
	metrics.ActiveSessions.WithLabelValues(s.cfg.Worker).Dec()
	return nil
}
