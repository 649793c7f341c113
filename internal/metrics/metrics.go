package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scans counts processed scan events by kind (qr, nfc) and outcome.
	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Name:      "scans_total",
		Help:      "Scan events processed, by kind and outcome.",
	}, []string{"kind", "outcome"})

	// Marks counts attendance records written, by status.
	Marks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Name:      "marks_total",
		Help:      "Attendance records written, by status.",
	}, []string{"status"})

	ReconcileSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rollcall",
		Name:      "reconcile_duration_seconds",
		Help:      "Time spent resolving and reconciling one scan.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rollcall",
		Name:      "active_sessions",
		Help:      "Sessions currently running across owners.",
	})

	// Imported counts records handled by imports, by collection and result.
	Imported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Name:      "import_records_total",
		Help:      "Records seen by imports, by collection and result.",
	}, []string{"collection", "result"})

	QueuePublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Name:      "queue_published_total",
		Help:      "Messages published to the scan queue, by result.",
	}, []string{"result"})
)
