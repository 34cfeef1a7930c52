// Package protocol implements the wire protocol shared by the client, the
// session router and every pipeline worker.
//
// Three frame kinds travel over the same envelope:
//
//	<kind><META-DELIM><metadata><MSG-START>payload<MSG-END>
//
// where <kind> is a fixed-length tag (HND, EOF, or one of the batch kinds),
// the metadata is a '#'-joined tuple and the payload encoding depends on the
// kind. A byte stream may carry several concatenated frames; Splitter cuts
// them apart on the MSG-END delimiter.
//
// Values are treated as opaque text. The delimiter characters themselves
// must not appear inside column names or values; the client sanitizes its
// CSV input before framing.
package protocol

import "errors"

// Frame kind tags. Every tag is exactly KindLength bytes.
const (
	KindHandshake = "HND"
	KindEOF       = "EOF"

	KindMenuItems        = "MIT"
	KindStores           = "STR"
	KindTransactionItems = "TIT"
	KindTransactions     = "TRN"
	KindUsers            = "USR"

	KindResultQ1X = "Q1X"
	KindResultQ21 = "Q21"
	KindResultQ22 = "Q22"
	KindResultQ3X = "Q3X"
	KindResultQ4X = "Q4X"
)

// KindLength is the byte length of every frame kind tag.
const KindLength = 3

// AllQueries is the only handshake payload the server accepts.
const AllQueries = "ALL_QUERIES"

// Envelope delimiters.
const (
	metaDelim    = '|'
	metaSep      = "#"
	payloadStart = '['
	payloadEnd   = ']'
)

// Batch payload delimiters.
const (
	groupStart = "{"
	groupEnd   = "}"
	groupSep   = ";"
	fieldSep   = ","
)

// EndDelimiter terminates every frame on the wire.
const EndDelimiter = string(payloadEnd)

var (
	// ErrMalformedFrame reports an undecodable frame: unknown kind tag,
	// missing delimiter, unterminated record group or metadata arity
	// mismatch.
	ErrMalformedFrame = errors.New("protocol: malformed frame")

	// ErrUnexpectedEOFKind reports an EOF frame whose payload names a kind
	// outside the known set.
	ErrUnexpectedEOFKind = errors.New("protocol: unexpected eof kind")
)

// RecordKinds lists the five client record kinds in the order the client
// streams them.
var RecordKinds = []string{
	KindMenuItems,
	KindStores,
	KindUsers,
	KindTransactions,
	KindTransactionItems,
}

// ResultKinds lists the five query result tags.
var ResultKinds = []string{
	KindResultQ1X,
	KindResultQ21,
	KindResultQ22,
	KindResultQ3X,
	KindResultQ4X,
}

var batchKinds = func() map[string]struct{} {
	m := make(map[string]struct{}, len(RecordKinds)+len(ResultKinds))
	for _, k := range RecordKinds {
		m[k] = struct{}{}
	}
	for _, k := range ResultKinds {
		m[k] = struct{}{}
	}
	return m
}()

// IsBatchKind reports whether kind is a record kind or a query result tag.
func IsBatchKind(kind string) bool {
	_, ok := batchKinds[kind]
	return ok
}
