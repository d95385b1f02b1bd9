// Package metrics exposes door telemetry over Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"garaged/door"
)

// Config holds metrics endpoint settings.
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // e.g. ":9815"
	Path          string `yaml:"path"`           // defaults to /metrics
}

// Metrics collects door telemetry. The zero-value methods are safe no-ops
// when metrics are disabled.
type Metrics struct {
	config Config

	stateChanges       *prometheus.CounterVec
	watchdogExpiries   *prometheus.CounterVec
	activations        *prometheus.CounterVec
	doorState          *prometheus.GaugeVec
	doorLocked         *prometheus.GaugeVec
	rangedDistance     *prometheus.GaugeVec
	sensorLastReported *prometheus.GaugeVec

	registry *prometheus.Registry
	log      zerolog.Logger
	server   *http.Server
}

// New creates a metrics collector. Disabled metrics produce a usable no-op
// instance.
func New(cfg Config, log zerolog.Logger) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg, log: log}
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,
		log:      log,

		stateChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "garaged",
				Name:      "state_changes_total",
				Help:      "Total number of door state transitions",
			},
			[]string{"door", "to"},
		),
		watchdogExpiries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "garaged",
				Name:      "watchdog_expiries_total",
				Help:      "Total number of activations that went unconfirmed",
			},
			[]string{"door"},
		),
		activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "garaged",
				Name:      "activations_total",
				Help:      "Total number of door activations by source",
			},
			[]string{"door", "source"},
		),
		doorState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "garaged",
				Name:      "door_state",
				Help:      "Current door state (1 for the active state label)",
			},
			[]string{"door", "state"},
		),
		doorLocked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "garaged",
				Name:      "door_locked",
				Help:      "Soft lock flag (1=locked)",
			},
			[]string{"door"},
		),
		rangedDistance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "garaged",
				Name:      "ranged_distance_meters",
				Help:      "Last distance reported by a ranging sensor",
			},
			[]string{"door"},
		),
		sensorLastReported: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "garaged",
				Name:      "sensor_last_report_timestamp_seconds",
				Help:      "Unix time of the last sensor result per door and function",
			},
			[]string{"door", "function"},
		),
	}

	registry.MustRegister(
		m.stateChanges,
		m.watchdogExpiries,
		m.activations,
		m.doorState,
		m.doorLocked,
		m.rangedDistance,
		m.sensorLastReported,
	)

	return m
}

// RecordStateChange records a door state transition and refreshes the
// per-state gauge so exactly one state label reads 1.
func (m *Metrics) RecordStateChange(doorName string, to door.State) {
	if m.stateChanges == nil {
		return
	}
	m.stateChanges.WithLabelValues(doorName, to.String()).Inc()
	for _, s := range []door.State{
		door.StateUnknown, door.StateOpen, door.StateOpening,
		door.StateClosing, door.StateClosed,
	} {
		v := 0.0
		if s == to {
			v = 1.0
		}
		m.doorState.WithLabelValues(doorName, s.String()).Set(v)
	}
}

// RecordWatchdogExpiry records an unconfirmed activation.
func (m *Metrics) RecordWatchdogExpiry(doorName string) {
	if m.watchdogExpiries == nil {
		return
	}
	m.watchdogExpiries.WithLabelValues(doorName).Inc()
}

// RecordActivation records an activation request by source (mqtt, button,
// pipe).
func (m *Metrics) RecordActivation(doorName, source string) {
	if m.activations == nil {
		return
	}
	m.activations.WithLabelValues(doorName, source).Inc()
}

// SetLocked mirrors the soft-lock flag.
func (m *Metrics) SetLocked(doorName string, locked bool) {
	if m.doorLocked == nil {
		return
	}
	v := 0.0
	if locked {
		v = 1.0
	}
	m.doorLocked.WithLabelValues(doorName).Set(v)
}

// SetDistance records the latest ranged distance for a door.
func (m *Metrics) SetDistance(doorName string, meters float64) {
	if m.rangedDistance == nil {
		return
	}
	m.rangedDistance.WithLabelValues(doorName).Set(meters)
}

// RecordSensorReport stamps the last result time for a door's sensor.
func (m *Metrics) RecordSensorReport(doorName, function string, at time.Time) {
	if m.sensorLastReported == nil {
		return
	}
	m.sensorLastReported.WithLabelValues(doorName, function).Set(float64(at.Unix()))
}

// Handler returns the scrape handler.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve starts the scrape endpoint. No-op when disabled.
func (m *Metrics) Serve() {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.log.Info().Str("addr", m.config.ListenAddress).Msg("metrics listening")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error().Err(err).Msg("metrics server")
		}
	}()
}

// Shutdown stops the scrape endpoint.
func (m *Metrics) Shutdown() {
	if m.server != nil {
		m.server.Close()
	}
}
