// Package metrics exposes pipeline health to Prometheus and a liveness check.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/state"
)

// Metrics records cycle outcomes and the contents of published snapshots.
// It satisfies pipeline.Recorder.
type Metrics struct {
	registry    *prometheus.Registry
	cycles      *prometheus.CounterVec
	duration    prometheus.Histogram
	staleUrns   prometheus.Gauge
	lastSuccess prometheus.Gauge
	block       prometheus.Gauge
	safety      *prometheus.GaugeVec
}

// New registers the vaultwatch collectors under namespace on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vaultwatch"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Polling cycles by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of polling cycles in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		staleUrns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_urns",
			Help:      "Urns carried over from an earlier cycle in the latest snapshot.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Creation time of the latest published snapshot.",
		}),
		block: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_block",
			Help:      "Block number of the latest published snapshot.",
		}),
		safety: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "urn_safety_ratio",
			Help:      "Collateral value over loan per urn; 0 when there is no loan.",
		}, []string{"ilk"}),
	}
	m.registry.MustRegister(m.cycles, m.duration, m.staleUrns, m.lastSuccess, m.block, m.safety)
	return m
}

// ObserveCycle records one cycle.
func (m *Metrics) ObserveCycle(d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}

// ObserveSnapshot records the contents of a published snapshot.
func (m *Metrics) ObserveSnapshot(snap *models.Snapshot) {
	m.staleUrns.Set(float64(snap.StaleUrns()))
	m.lastSuccess.Set(float64(snap.CreatedAt.Unix()))
	m.block.Set(float64(snap.Block))
	for i := range snap.Urns {
		if snap.Urns[i].Stale {
			continue
		}
		m.safety.WithLabelValues(snap.Urns[i].Ilk).Set(snap.Urns[i].Safety)
	}
}

// StatusSource reports snapshot freshness.
type StatusSource interface {
	Age(now time.Time) (time.Duration, bool)
	Status() state.Status
}

type healthResponse struct {
	Status              string `json:"status"`
	Age                 string `json:"age,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Handler serves /metrics and /healthz. The check fails until the first
// snapshot is published and whenever the latest one is older than maxAge.
func (m *Metrics) Handler(src StatusSource, maxAge time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		st := src.Status()
		resp := healthResponse{
			Status:              "ok",
			LastError:           st.LastError,
			ConsecutiveFailures: st.ConsecutiveFailures,
		}
		code := http.StatusOK
		age, ok := src.Age(time.Now())
		switch {
		case !ok:
			resp.Status = "starting"
			code = http.StatusServiceUnavailable
		case maxAge > 0 && age > maxAge:
			resp.Status = "stale"
			resp.Age = age.Round(time.Second).String()
			code = http.StatusServiceUnavailable
		default:
			resp.Age = age.Round(time.Second).String()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return r
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
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
