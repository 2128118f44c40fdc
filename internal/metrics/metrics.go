// Package metrics exposes invocation counters for the gateway.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors. A nil *Metrics is a no-op.
type Metrics struct {
	registry  *prometheus.Registry
	decisions *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hassgate",
			Name:      "authorization_decisions_total",
			Help:      "Authorization decisions by action kind and reason.",
		}, []string{"kind", "decision", "reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hassgate",
			Name:      "invocations_total",
			Help:      "Finished invocations by channel and result code.",
		}, []string{"channel", "code"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hassgate",
			Name:      "transport_retries_total",
			Help:      "Retries scheduled after transient transport failures.",
		}, []string{"channel"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hassgate",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching authorized invocations, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
	}
	m.registry.MustRegister(m.decisions, m.outcomes, m.retries, m.duration)
	return m
}

// Decision counts one authorization decision.
func (m *Metrics) Decision(kind, decision, reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(kind, decision, reason).Inc()
}

// Outcome counts one finished dispatch. code is "ok" on success.
func (m *Metrics) Outcome(channel, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(channel, code).Inc()
	m.duration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

// Retry counts one scheduled retry.
func (m *Metrics) Retry(channel string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(channel).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
