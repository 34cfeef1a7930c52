// Package metrics registers the Prometheus collectors shared by every
// worker and optionally serves them over HTTP.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brewflow/brewflow/internal/logger"
)

var (
	// BatchesConsumed counts batch frames dispatched to a stage, by worker.
	BatchesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brewflow",
		Name:      "batches_consumed_total",
		Help:      "Batch frames dispatched to the stage handler.",
	}, []string{"worker"})

	// BatchesEmitted counts batch frames sent downstream, by worker.
	BatchesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brewflow",
		Name:      "batches_emitted_total",
		Help:      "Batch frames emitted downstream.",
	}, []string{"worker"})

	// RecordsEmitted counts records carried by emitted batches, by worker.
	RecordsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brewflow",
		Name:      "records_emitted_total",
		Help:      "Records carried by emitted batches.",
	}, []string{"worker"})

	// EOFsReceived counts EOF markers consumed, by worker.
	EOFsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brewflow",
		Name:      "eofs_received_total",
		Help:      "EOF markers consumed from upstream.",
	}, []string{"worker"})

	// ActiveSessions tracks sessions with live per-stage state, by worker.
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "brewflow",
		Name:      "active_sessions",
		Help:      "Sessions with live state in this worker.",
	}, []string{"worker"})
)

// Serve exposes /metrics on addr in a background goroutine. An empty addr
// disables the server.
func Serve(addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", logger.KeyError, err)
		}
	}()
}
