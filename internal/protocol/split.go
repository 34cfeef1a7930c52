package protocol

import "bytes"

// Splitter reassembles frames out of an arbitrary chunked byte stream.
// Complete frames are returned with their end delimiter re-appended; a
// partial trailing fragment is retained for the next Push.
type Splitter struct {
	pending []byte
}

// Push appends chunk to the pending buffer and returns every complete
// frame accumulated so far.
func (s *Splitter) Push(chunk []byte) [][]byte {
	s.pending = append(s.pending, chunk...)

	var frames [][]byte
	for {
		i := bytes.IndexByte(s.pending, payloadEnd)
		if i < 0 {
			return frames
		}
		frame := make([]byte, i+1)
		copy(frame, s.pending[:i+1])
		frames = append(frames, frame)
		s.pending = s.pending[i+1:]
	}
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (s *Splitter) Pending() int {
	return len(s.pending)
}
