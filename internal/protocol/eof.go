package protocol

import "fmt"

// EOF declares "no more batches of BatchKind from this upstream for this
// session". The header mirrors Batch; the payload is the kind being
// terminated.
type EOF struct {
	SessionID  string
	MessageID  string
	ProducerID string
	BatchKind  string
}

func decodeEOF(meta, payload string) (*EOF, error) {
	md, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	if !IsBatchKind(payload) {
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedEOFKind, payload)
	}
	return &EOF{
		SessionID:  md.SessionID,
		MessageID:  md.MessageID,
		ProducerID: md.ProducerID,
		BatchKind:  payload,
	}, nil
}

// Encode serializes the EOF frame, end delimiter included.
func (e *EOF) Encode() []byte {
	md := metadata{SessionID: e.SessionID, MessageID: e.MessageID, ProducerID: e.ProducerID}
	return encodeFrame(KindEOF, md.encode(), e.BatchKind)
}
