package stage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/brewflow/brewflow/internal/protocol"
)

// Predicate decides whether a record survives a filter stage. A parse
// error is fatal to the worker; dirty values are expected to have been
// dropped by the cleaners.
type Predicate func(r protocol.Record) (bool, error)

// Filter drops records failing its predicate. Batches left empty are not
// emitted.
type Filter struct {
	keep Predicate
}

// NewFilter returns a filter around the given predicate.
func NewFilter(keep Predicate) *Filter {
	return &Filter{keep: keep}
}

// HandleBatch emits the surviving records, if any.
func (f *Filter) HandleBatch(emit *Emitter, b *protocol.Batch) error {
	kept := b.Records[:0]
	for _, record := range b.Records {
		ok, err := f.keep(record)
		if err != nil {
			return err
		}
		if ok {
			kept = append(kept, record)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	b.Records = kept
	return emit.Emit(b)
}

// FlushSession is a no-op; filters hold no session state.
func (f *Filter) FlushSession(*Emitter, string) error { return nil }

// YearIn keeps records whose created_at year is in years.
func YearIn(years []int) Predicate {
	keep := make(map[int]struct{}, len(years))
	for _, y := range years {
		keep[y] = struct{}{}
	}
	return func(r protocol.Record) (bool, error) {
		year, err := createdAtYear(r)
		if err != nil {
			return false, err
		}
		_, ok := keep[year]
		return ok, nil
	}
}

// HourBetween keeps records whose created_at hour satisfies
// min <= hour < max.
func HourBetween(min, max int) Predicate {
	return func(r protocol.Record) (bool, error) {
		createdAt := r.Value("created_at")
		parts := strings.SplitN(createdAt, " ", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("created_at %q has no time component", createdAt)
		}
		hourText, _, _ := strings.Cut(parts[1], ":")
		hour, err := strconv.Atoi(hourText)
		if err != nil {
			return false, fmt.Errorf("created_at %q: %w", createdAt, err)
		}
		return min <= hour && hour < max, nil
	}
}

// AmountAtLeast keeps records whose final_amount is at least min.
func AmountAtLeast(min float64) Predicate {
	return func(r protocol.Record) (bool, error) {
		amount, err := strconv.ParseFloat(r.Value("final_amount"), 64)
		if err != nil {
			return false, fmt.Errorf("final_amount: %w", err)
		}
		return amount >= min, nil
	}
}

// createdAtYear extracts the year from a "YYYY-MM-DD HH:MM:SS" value.
func createdAtYear(r protocol.Record) (int, error) {
	createdAt := r.Value("created_at")
	date, _, _ := strings.Cut(createdAt, " ")
	yearText, _, _ := strings.Cut(date, "-")
	year, err := strconv.Atoi(yearText)
	if err != nil {
		return 0, fmt.Errorf("created_at %q: %w", createdAt, err)
	}
	return year, nil
}
