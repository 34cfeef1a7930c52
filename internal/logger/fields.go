package logger

// Standard field keys for structured logging. Use these consistently so
// logs from different workers aggregate cleanly.
const (
	KeySession    = "session_id"
	KeyMessage    = "message_id"
	KeyController = "controller_id"
	KeyWorker     = "worker"
	KeyKind       = "kind"
	KeyQueue      = "queue"
	KeyExchange   = "exchange"
	KeyRoutingKey = "routing_key"
	KeyBatchSize  = "batch_size"
	KeyEOFCount   = "eof_count"
	KeyClientID   = "client_id"
	KeyClientAddr = "client_addr"
	KeyError      = "error"
)
