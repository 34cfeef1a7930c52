package stage

import (
	"strconv"
	"strings"

	"github.com/brewflow/brewflow/internal/metrics"
	"github.com/brewflow/brewflow/internal/protocol"
)

// ReduceFunc folds one record into the running accumulator for its key.
type ReduceFunc func(current float64, r protocol.Record) (float64, error)

// SumOf returns a reducer function accumulating the named numeric column.
func SumOf(column string) ReduceFunc {
	return func(current float64, r protocol.Record) (float64, error) {
		v, err := strconv.ParseFloat(r.Value(column), 64)
		if err != nil {
			return 0, err
		}
		return current + v, nil
	}
}

// CountRecords is a reducer function counting records per key.
func CountRecords(current float64, _ protocol.Record) (float64, error) {
	return current + 1, nil
}

// keySep joins grouping column values into a map key. It is a control
// character so it cannot collide with data.
const keySep = "\x1f"

// reducerGroup keeps the grouping column values alongside the accumulator
// so flush can reconstruct the output record.
type reducerGroup struct {
	keyValues []string
	value     float64
}

// Reducer aggregates per session over a tuple of grouping columns. Records
// with empty key columns are still aggregated, in the bucket of the empty
// tuple value, so no row is lost silently. Flush order is unspecified.
type Reducer struct {
	worker     string
	keys       []string
	accColumn  string
	outKind    string
	batchMax   int
	reduce     ReduceFunc
	accBySess  map[string]map[string]*reducerGroup
}

// ReducerConfig parameterizes a reducer stage.
type ReducerConfig struct {
	Worker string

	// Keys are the grouping columns forming the aggregation key tuple.
	Keys []string

	// AccColumn names the accumulator column on flushed records.
	AccColumn string

	// OutKind is the batch kind stamped on flushed batches.
	OutKind string

	// BatchMax caps the records per flushed batch.
	BatchMax int

	Reduce ReduceFunc
}

// NewReducer builds a reducer stage.
func NewReducer(cfg ReducerConfig) *Reducer {
	return &Reducer{
		worker:    cfg.Worker,
		keys:      cfg.Keys,
		accColumn: cfg.AccColumn,
		outKind:   cfg.OutKind,
		batchMax:  cfg.BatchMax,
		reduce:    cfg.Reduce,
		accBySess: make(map[string]map[string]*reducerGroup),
	}
}

// HandleBatch folds every record into its session's accumulator map.
// Nothing is emitted until the session barrier fires.
func (r *Reducer) HandleBatch(_ *Emitter, b *protocol.Batch) error {
	acc, ok := r.accBySess[b.SessionID]
	if !ok {
		acc = make(map[string]*reducerGroup)
		r.accBySess[b.SessionID] = acc
		metrics.ActiveSessions.WithLabelValues(r.worker).Inc()
	}

	for _, record := range b.Records {
		keyValues := make([]string, len(r.keys))
		for i, col := range r.keys {
			keyValues[i] = record.Value(col)
		}
		key := strings.Join(keyValues, keySep)

		group, ok := acc[key]
		if !ok {
			group = &reducerGroup{keyValues: keyValues}
			acc[key] = group
		}

		value, err := r.reduce(group.value, record)
		if err != nil {
			return err
		}
		group.value = value
	}
	return nil
}

// FlushSession emits one record per key in batches of at most BatchMax,
// then drops the session's accumulator.
func (r *Reducer) FlushSession(emit *Emitter, sessionID string) error {
	acc, ok := r.accBySess[sessionID]
	if !ok {
		return nil
	}

	batch := &protocol.Batch{Kind: r.outKind, SessionID: sessionID}
	for _, group := range acc {
		record := protocol.NewRecord()
		for i, col := range r.keys {
			record.Set(col, group.keyValues[i])
		}
		record.Set(r.accColumn, formatAmount(group.value))
		batch.Records = append(batch.Records, record)

		if len(batch.Records) == r.batchMax {
			if err := emit.Emit(batch); err != nil {
				return err
			}
			batch = &protocol.Batch{Kind: r.outKind, SessionID: sessionID}
		}
	}
	if err := emit.Emit(batch); err != nil {
		return err
	}

	delete(r.accBySess, sessionID)
	metrics.ActiveSessions.WithLabelValues(r.worker).Dec()
	return nil
}

// formatAmount renders an accumulator without a trailing ".0" for whole
// numbers.
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
