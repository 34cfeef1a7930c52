package protocol

import (
	"fmt"
	"strings"
)

// Batch is a delivered group of records of one kind within one session.
//
// MessageID is stamped fresh on every emission; ProducerID is the emitting
// worker's controller index ("0" for the session router). Both may be empty
// on frames freshly received from a client, which only carry the session id.
type Batch struct {
	Kind       string
	SessionID  string
	MessageID  string
	ProducerID string
	Records    []Record
}

func decodeBatch(kind, meta, payload string) (*Batch, error) {
	md, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}

	b := &Batch{
		Kind:       kind,
		SessionID:  md.SessionID,
		MessageID:  md.MessageID,
		ProducerID: md.ProducerID,
	}

	if payload == "" {
		return b, nil
	}

	for _, group := range strings.Split(payload, groupSep) {
		record, err := decodeRecordGroup(group)
		if err != nil {
			return nil, err
		}
		b.Records = append(b.Records, record)
	}
	return b, nil
}

func decodeRecordGroup(group string) (Record, error) {
	if !strings.HasPrefix(group, groupStart) || !strings.HasSuffix(group, groupEnd) {
		return Record{}, fmt.Errorf("%w: unterminated record group", ErrMalformedFrame)
	}
	group = group[len(groupStart) : len(group)-len(groupEnd)]

	record := NewRecord()
	if group == "" {
		return record, nil
	}

	for _, field := range strings.Split(group, fieldSep) {
		key, value, found := strings.Cut(field, ":")
		if !found {
			return Record{}, fmt.Errorf("%w: record field %q", ErrMalformedFrame, field)
		}
		record.Set(strings.Trim(key, `"`), strings.Trim(value, `"`))
	}
	return record, nil
}

// Encode serializes the batch, end delimiter included.
func (b *Batch) Encode() []byte {
	md := metadata{SessionID: b.SessionID, MessageID: b.MessageID, ProducerID: b.ProducerID}
	return encodeFrame(b.Kind, md.encode(), b.encodeRecords())
}

func (b *Batch) encodeRecords() string {
	groups := make([]string, 0, len(b.Records))
	for _, record := range b.Records {
		groups = append(groups, encodeRecordGroup(record))
	}
	return strings.Join(groups, groupSep)
}

func encodeRecordGroup(record Record) string {
	var sb strings.Builder
	sb.WriteString(groupStart)
	first := true
	for _, col := range record.Columns() {
		if !first {
			sb.WriteString(fieldSep)
		}
		first = false
		fmt.Fprintf(&sb, `"%s":"%s"`, col, record.Value(col))
	}
	sb.WriteString(groupEnd)
	return sb.String()
}
