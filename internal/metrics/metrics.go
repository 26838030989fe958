// Package metrics exposes Prometheus counters and gauges for the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the agent's instrumentation.
type Metrics struct {
	BackupsTotal      *prometheus.CounterVec
	BackupDuration    prometheus.Histogram
	BytesAddedTotal   prometheus.Counter
	DrivesConnected   prometheus.Gauge
	VerificationFails prometheus.Counter
}

// New registers the agent metrics on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BackupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driveguard",
			Name:      "backups_total",
			Help:      "Finished backup runs by outcome.",
		}, []string{"status"}),
		BackupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "driveguard",
			Name:      "backup_duration_seconds",
			Help:      "Wall clock duration of backup runs.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		}),
		BytesAddedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driveguard",
			Name:      "bytes_added_total",
			Help:      "Bytes of new data written to repositories.",
		}),
		DrivesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "driveguard",
			Name:      "trusted_drives_connected",
			Help:      "Trusted drives currently plugged in and mounted.",
		}),
		VerificationFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driveguard",
			Name:      "verification_failures_total",
			Help:      "Repository verification steps that reported errors.",
		}),
	}
	reg.MustRegister(m.BackupsTotal, m.BackupDuration, m.BytesAddedTotal, m.DrivesConnected, m.VerificationFails)
	return m
}

// ObserveRun records a finished backup run.
func (m *Metrics) ObserveRun(status string, durationSeconds float64, bytesAdded int64) {
	m.BackupsTotal.WithLabelValues(status).Inc()
	m.BackupDuration.Observe(durationSeconds)
	m.BytesAddedTotal.Add(float64(bytesAdded))
}
