// ============================================================================
// workunit-bridge Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: count what the work loop and the host bridge do, expose it over HTTP
//
// Metric groups:
//
//   1. Work loop (Counter):
//      - wubridge_units_total:        bounded units of work completed
//      - wubridge_polls_total:        event channel polls
//      - wubridge_events_total{kind}: host events received (checkpoint, finish, message)
//      - wubridge_checkpoints_total:  committed checkpoints
//
//   2. Latency (Histogram):
//      - wubridge_checkpoint_duration_seconds: sync output + atomic commit
//
//   3. State (Gauge):
//      - wubridge_fraction_done:  last progress hint sent to the host
//      - wubridge_resume_cursor:  cursor restored at startup (0 on fresh start)
//
//   4. Failures and host side (Counter):
//      - wubridge_bridge_errors_total{op,category}
//      - wubridge_host_calls_total{op}: calls served by the simulated host
//
// All Record methods are safe on a nil *Collector so callers never need to
// check whether metrics are enabled.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wubridge"

// Collector holds the Prometheus instruments.
type Collector struct {
	units       prometheus.Counter
	polls       prometheus.Counter
	events      *prometheus.CounterVec
	checkpoints prometheus.Counter

	checkpointLatency prometheus.Histogram

	fraction     prometheus.Gauge
	resumeCursor prometheus.Gauge

	bridgeErrors *prometheus.CounterVec
	hostCalls    *prometheus.CounterVec
}

// NewCollector creates the instruments and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		units: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Total number of work units completed",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of event channel polls",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Host events received, by kind",
		}, []string{"kind"}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of committed checkpoints",
		}),
		checkpointLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Time to sync output and commit a checkpoint",
			Buckets:   prometheus.DefBuckets,
		}),
		fraction: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fraction_done",
			Help:      "Last progress fraction reported to the host",
		}),
		resumeCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resume_cursor",
			Help:      "Progress cursor restored from the checkpoint at startup",
		}),
		bridgeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_errors_total",
			Help:      "Failed bridge calls, by operation and category",
		}, []string{"op", "category"}),
		hostCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_calls_total",
			Help:      "Bridge calls served by the simulated host, by operation",
		}, []string{"op"}),
	}

	reg.MustRegister(
		c.units, c.polls, c.events, c.checkpoints,
		c.checkpointLatency, c.fraction, c.resumeCursor,
		c.bridgeErrors, c.hostCalls,
	)
	return c
}

// RecordUnit counts one completed unit of work.
func (c *Collector) RecordUnit() {
	if c == nil {
		return
	}
	c.units.Inc()
}

// RecordPoll counts one poll and, when kind is set, the event received.
func (c *Collector) RecordPoll(kind string) {
	if c == nil {
		return
	}
	c.polls.Inc()
	if kind != "" {
		c.events.WithLabelValues(kind).Inc()
	}
}

// RecordCheckpoint counts a committed checkpoint and its latency.
func (c *Collector) RecordCheckpoint(d time.Duration) {
	if c == nil {
		return
	}
	c.checkpoints.Inc()
	c.checkpointLatency.Observe(d.Seconds())
}

// SetFraction records the last progress hint.
func (c *Collector) SetFraction(f float64) {
	if c == nil {
		return
	}
	c.fraction.Set(f)
}

// SetResumeCursor records where the work loop resumed.
func (c *Collector) SetResumeCursor(cursor int64) {
	if c == nil {
		return
	}
	c.resumeCursor.Set(float64(cursor))
}

// RecordBridgeError counts a failed bridge call.
func (c *Collector) RecordBridgeError(op, category string) {
	if c == nil {
		return
	}
	c.bridgeErrors.WithLabelValues(op, category).Inc()
}

// RecordHostCall counts a call served by the simulated host.
func (c *Collector) RecordHostCall(op string) {
	if c == nil {
		return
	}
	c.hostCalls.WithLabelValues(op).Inc()
}

// ============================================================================
// HTTP exposition
// ============================================================================

// NewRouter serves GET /metrics from gatherer and GET /healthz. ready may be
// nil; when set, a non-nil error turns /healthz into 503.
func NewRouter(gatherer prometheus.Gatherer, ready func() error) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil {
			if err := ready(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	return r
}

// Serve runs an HTTP server for h on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

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
