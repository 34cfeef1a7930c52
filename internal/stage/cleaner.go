package stage

import (
	"github.com/brewflow/brewflow/internal/protocol"
)

// Cleaner projects every record down to a declared column subset. It is
// the first stage of each record kind's pipeline and makes the raw client
// columns irrelevant downstream.
type Cleaner struct {
	columns []string
}

// NewCleaner returns a cleaner keeping only the given columns, in order.
func NewCleaner(columns []string) *Cleaner {
	return &Cleaner{columns: columns}
}

// HandleBatch replaces each record with its projection and emits.
func (c *Cleaner) HandleBatch(emit *Emitter, b *protocol.Batch) error {
	cleaned := make([]protocol.Record, 0, len(b.Records))
	for _, record := range b.Records {
		cleaned = append(cleaned, record.Project(c.columns))
	}
	b.Records = cleaned
	return emit.Emit(b)
}

// FlushSession is a no-op; cleaners hold no session state.
func (c *Cleaner) FlushSession(*Emitter, string) error { return nil }
