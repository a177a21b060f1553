// Package metrics exposes operational counters for the protocol node. Only
// aggregate operational data is counted here; nothing derived from encrypted
// registry or session contents may become a metric.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blindlink/blindlink/common/log"
)

var (
	// NodeMetrics is the registry all protocol metrics live in.
	NodeMetrics = prometheus.NewRegistry()

	// ComputationsQueued counts computations handed to the cluster, by kind.
	ComputationsQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "computations_queued",
		Help: "Number of computations queued to the cluster",
	}, []string{"kind"})

	// SessionsFinalized counts query sessions reaching a terminal state.
	SessionsFinalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_finalized",
		Help: "Number of query sessions reaching a terminal status",
	}, []string{"status"})

	// ProofFailures counts finalization callbacks whose proof did not verify.
	ProofFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proof_failures",
		Help: "Number of computation outputs rejected by proof verification",
	})
)

var registerOnce sync.Once

func bindMetrics() {
	registerOnce.Do(func() {
		NodeMetrics.MustRegister(
			ComputationsQueued,
			SessionsFinalized,
			ProofFailures,
			collectors.NewGoCollector(),
		)
	})
}

// Start serves the metrics registry over HTTP on the given address, in the
// background. Errors are logged, not fatal: a node without metrics still
// serves the protocol.
func Start(l log.Logger, addr string) {
	bindMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(NodeMetrics, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	l.Infow("metrics listening", "addr", addr)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Errorw("metrics server stopped", "err", err)
		}
	}()
}

// Bind registers the metric collectors without serving them, for embedders
// that expose NodeMetrics on their own mux.
func Bind() {
	bindMetrics()
}
