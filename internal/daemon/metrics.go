package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
	"github.com/eliteGoblin/focusd/app_reaper/internal/habits"
)

const metricsNamespace = "appreaper"

// Metrics exports scheduler activity in Prometheus format.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cycles        prometheus.Counter
	cycleFailures prometheus.Counter
	kills         *prometheus.CounterVec
	killFailures  *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	saves         *prometheus.CounterVec
	protectedApps *prometheus.GaugeVec
	importance    *prometheus.GaugeVec
	learningHours prometheus.Gauge
	nextSleep     prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cycles_total",
			Help:      "Scheduler cycles run.",
		}),
		cycleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cycle_failures_total",
			Help:      "Scheduler cycles with at least one failed probe or target check.",
		}),
		kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "kills_total",
			Help:      "Successful termination requests per target.",
		}, []string{"target"}),
		killFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "kill_failures_total",
			Help:      "Failed termination requests per target.",
		}, []string{"target"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transitions_total",
			Help:      "Observed lifecycle transitions per target and new state.",
		}, []string{"target", "state"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "habit_saves_total",
			Help:      "Habit saves by kind.",
		}, []string{"kind"}),
		protectedApps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "target_protected",
			Help:      "1 when the target is exempt after repeated kill attempts.",
		}, []string{"target"}),
		importance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "target_importance",
			Help:      "Learned importance weight per target (0-100).",
		}, []string{"target"}),
		learningHours: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "learning_hours",
			Help:      "Elapsed learning hours.",
		}),
		nextSleep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "next_sleep_seconds",
			Help:      "Sleep chosen at the end of the last cycle.",
		}),
	}

	reg.MustRegister(
		m.cycles, m.cycleFailures, m.kills, m.killFailures, m.transitions,
		m.saves, m.protectedApps, m.importance, m.learningHours, m.nextSleep,
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (m *Metrics) observeCycle(snap domain.HabitsSnapshot, sleep time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.nextSleep.Set(sleep.Seconds())
	m.learningHours.Set(float64(snap.Learning.LearningHours))
	for id, st := range snap.Apps {
		m.importance.WithLabelValues(id).Set(st.ImportanceWeight)
	}
}

func (m *Metrics) cycleFailed() {
	if m == nil {
		return
	}
	m.cycleFailures.Inc()
}

func (m *Metrics) killed(id string) {
	if m == nil {
		return
	}
	m.kills.WithLabelValues(id).Inc()
}

func (m *Metrics) killFailed(id string) {
	if m == nil {
		return
	}
	m.killFailures.WithLabelValues(id).Inc()
}

func (m *Metrics) transition(id string, to domain.LifecycleState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(id, to.String()).Inc()
}

func (m *Metrics) protected(id string) {
	if m == nil {
		return
	}
	m.protectedApps.WithLabelValues(id).Set(1)
}

func (m *Metrics) observeSave(kind habits.SaveKind) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(kind.String()).Inc()
}
