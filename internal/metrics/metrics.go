// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics holds the Prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all ratewall Prometheus metrics.
type Metrics struct {
	ExecutorCommands prometheus.Counter
	ExecutorSpawns   prometheus.Counter
	ExecutorTimeouts prometheus.Counter
	PoolAvailable    prometheus.Gauge

	RulesInstalled *prometheus.CounterVec
	RulesRemoved   prometheus.Counter
	ActiveRules    prometheus.Gauge

	TickSeconds prometheus.Histogram
}

// New creates the metric set. Call Register to attach it to a registry.
func New() *Metrics {
	return &Metrics{
		ExecutorCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratewall_executor_commands_total",
			Help: "Total number of commands issued to firewall CLI processes",
		}),
		ExecutorSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratewall_executor_spawns_total",
			Help: "Total number of firewall CLI child processes spawned",
		}),
		ExecutorTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratewall_executor_timeouts_total",
			Help: "Total number of executor command reads that exceeded their bound",
		}),
		PoolAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratewall_executor_pool_available",
			Help: "Number of currently idle executor pool slots",
		}),
		RulesInstalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratewall_rules_installed_total",
			Help: "Total number of firewall rules installed, by action",
		}, []string{"action"}),
		RulesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratewall_rules_removed_total",
			Help: "Total number of firewall rules removed",
		}),
		ActiveRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratewall_active_rules",
			Help: "Number of rules currently tracked in the registry",
		}),
		TickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratewall_engine_tick_seconds",
			Help:    "Duration of rule engine evaluation ticks",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Register attaches every metric to r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ExecutorCommands,
		m.ExecutorSpawns,
		m.ExecutorTimeouts,
		m.PoolAvailable,
		m.RulesInstalled,
		m.RulesRemoved,
		m.ActiveRules,
		m.TickSeconds,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Default is the process-wide metric set used by components that are not
// handed an explicit one.
var Default = New()
