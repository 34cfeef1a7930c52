package protocol

import "fmt"

// Handshake opens a session. The client sends its own id with the
// AllQueries capability string as payload; the server replies with the
// freshly minted session id carrying the client id as payload.
type Handshake struct {
	ID      string
	Payload string
}

func decodeHandshake(meta, payload string) (*Handshake, error) {
	if meta == "" {
		return nil, fmt.Errorf("%w: empty handshake id", ErrMalformedFrame)
	}
	return &Handshake{ID: meta, Payload: payload}, nil
}

// Encode serializes the handshake frame, end delimiter included.
func (h *Handshake) Encode() []byte {
	return encodeFrame(KindHandshake, h.ID, h.Payload)
}
