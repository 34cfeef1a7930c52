package stage

import (
	"fmt"
	"strings"

	"github.com/brewflow/brewflow/internal/protocol"
)

// Transform augments one record with derived columns, in place.
type Transform func(r protocol.Record) error

// Mapper applies a transform to every record and emits the batch.
type Mapper struct {
	transform Transform
}

// NewMapper returns a mapper around the given transform.
func NewMapper(transform Transform) *Mapper {
	return &Mapper{transform: transform}
}

// HandleBatch transforms each record and emits.
func (m *Mapper) HandleBatch(emit *Emitter, b *protocol.Batch) error {
	for _, record := range b.Records {
		if err := m.transform(record); err != nil {
			return err
		}
	}
	return emit.Emit(b)
}

// FlushSession is a no-op; mappers hold no session state.
func (m *Mapper) FlushSession(*Emitter, string) error { return nil }

// WithYearMonth derives year_month_created_at ("YYYY-MM") from created_at.
func WithYearMonth(r protocol.Record) error {
	year, month, err := createdAtYearMonth(r)
	if err != nil {
		return err
	}
	r.Set("year_month_created_at", year+"-"+month)
	return nil
}

// WithYearHalf derives year_half_created_at ("YYYY-H1" or "YYYY-H2") from
// created_at.
func WithYearHalf(r protocol.Record) error {
	year, month, err := createdAtYearMonth(r)
	if err != nil {
		return err
	}
	half := "H1"
	if month > "06" {
		half = "H2"
	}
	r.Set("year_half_created_at", year+"-"+half)
	return nil
}

func createdAtYearMonth(r protocol.Record) (year, month string, err error) {
	createdAt := r.Value("created_at")
	date, _, _ := strings.Cut(createdAt, " ")
	parts := strings.Split(date, "-")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("created_at %q: not a date", createdAt)
	}
	return parts[0], parts[1], nil
}
