package protocol

import (
	"fmt"
	"strings"
)

// Message is a decoded wire frame: a Handshake, a Batch or an EOF.
type Message interface {
	// Encode serializes the frame, end delimiter included.
	Encode() []byte
}

// Decode parses a single frame. The input must contain exactly one frame,
// end delimiter included (Splitter produces such slices).
func Decode(raw []byte) (Message, error) {
	kind, meta, payload, err := splitEnvelope(string(raw))
	if err != nil {
		return nil, err
	}

	switch {
	case kind == KindHandshake:
		return decodeHandshake(meta, payload)
	case kind == KindEOF:
		return decodeEOF(meta, payload)
	case IsBatchKind(kind):
		return decodeBatch(kind, meta, payload)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedFrame, kind)
	}
}

// splitEnvelope cuts a frame into its kind tag, metadata and payload.
func splitEnvelope(s string) (kind, meta, payload string, err error) {
	if len(s) < KindLength+3 {
		return "", "", "", fmt.Errorf("%w: frame too short", ErrMalformedFrame)
	}
	kind = s[:KindLength]

	if s[KindLength] != metaDelim {
		return "", "", "", fmt.Errorf("%w: missing metadata delimiter", ErrMalformedFrame)
	}
	rest := s[KindLength+1:]

	start := strings.IndexByte(rest, payloadStart)
	if start < 0 {
		return "", "", "", fmt.Errorf("%w: missing payload start", ErrMalformedFrame)
	}
	end := strings.LastIndexByte(rest, payloadEnd)
	if end < start {
		return "", "", "", fmt.Errorf("%w: missing end delimiter", ErrMalformedFrame)
	}

	return kind, rest[:start], rest[start+1 : end], nil
}

// metadata holds the '#'-joined tuple common to Batch and EOF frames. The
// tuple arity is either one (session id only, as stamped by the client) or
// three (session id, message id, producer id).
type metadata struct {
	SessionID  string
	MessageID  string
	ProducerID string
}

func decodeMetadata(meta string) (metadata, error) {
	fields := strings.Split(meta, metaSep)
	switch len(fields) {
	case 1:
		return metadata{SessionID: fields[0]}, nil
	case 3:
		return metadata{SessionID: fields[0], MessageID: fields[1], ProducerID: fields[2]}, nil
	default:
		return metadata{}, fmt.Errorf("%w: metadata arity %d", ErrMalformedFrame, len(fields))
	}
}

func (m metadata) encode() string {
	if m.MessageID == "" && m.ProducerID == "" {
		return m.SessionID
	}
	return m.SessionID + metaSep + m.MessageID + metaSep + m.ProducerID
}

func encodeFrame(kind, meta, payload string) []byte {
	var b strings.Builder
	b.Grow(len(kind) + 1 + len(meta) + 1 + len(payload) + 1)
	b.WriteString(kind)
	b.WriteByte(metaDelim)
	b.WriteString(meta)
	b.WriteByte(payloadStart)
	b.WriteString(payload)
	b.WriteByte(payloadEnd)
	return []byte(b.String())
}
