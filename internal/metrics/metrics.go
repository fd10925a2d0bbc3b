// Package metrics exposes pipeline counters on a private Prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace         = "beme"
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	framesTotal        *prometheus.CounterVec
	visionRequests     *prometheus.CounterVec
	visionCoalesced    prometheus.Counter
	suggestionsTotal   *prometheus.CounterVec
	aiErrorsTotal      *prometheus.CounterVec
	audioChunksDropped prometheus.Counter
	audioCommits       prometheus.Counter
	audioSessionStatus *prometheus.GaugeVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "frames_total",
			Help:      "Sampled screen frames by outcome",
		}, []string{"result"}),
		visionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vision",
			Name:      "requests_total",
			Help:      "Vision analyze calls by outcome",
		}, []string{"outcome"}),
		visionCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vision",
			Name:      "coalesced_frames_total",
			Help:      "Frames replaced by a newer frame while a call was in flight",
		}),
		suggestionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "suggestions_total",
			Help:      "Completed suggestions by source",
		}, []string{"source"}),
		aiErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "errors_total",
			Help:      "AI errors by source and kind",
		}, []string{"source", "kind"}),
		audioChunksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "chunks_dropped_total",
			Help:      "Audio chunks dropped because the session queue was full",
		}),
		audioCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "commits_total",
			Help:      "Audio buffers committed as model turns",
		}),
		audioSessionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "session_status",
			Help:      "1 for the current audio session status, 0 otherwise",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.framesTotal,
		m.visionRequests,
		m.visionCoalesced,
		m.suggestionsTotal,
		m.aiErrorsTotal,
		m.audioChunksDropped,
		m.audioCommits,
		m.audioSessionStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) FrameSampled(dispatched bool) {
	if m == nil {
		return
	}
	result := "skipped"
	if dispatched {
		result = "dispatched"
	}
	m.framesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) VisionRequest(outcome string) {
	if m == nil {
		return
	}
	m.visionRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) VisionCoalesced() {
	if m == nil {
		return
	}
	m.visionCoalesced.Inc()
}

func (m *Metrics) SuggestionCompleted(source string) {
	if m == nil {
		return
	}
	m.suggestionsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) AIError(source, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "other"
	}
	m.aiErrorsTotal.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) AudioChunkDropped() {
	if m == nil {
		return
	}
	m.audioChunksDropped.Inc()
}

func (m *Metrics) AudioCommitted() {
	if m == nil {
		return
	}
	m.audioCommits.Inc()
}

// AudioSessionStatus marks status as the current one.
func (m *Metrics) AudioSessionStatus(status string) {
	if m == nil {
		return
	}
	m.audioSessionStatus.Reset()
	m.audioSessionStatus.WithLabelValues(status).Set(1)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
