package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Attempts counts finished verification attempts by terminal state and reason.
	Attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoattend_attempts_total",
		Help: "Verification attempts by outcome.",
	}, []string{"state", "reason"})

	Confidence = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoattend_confidence",
		Help:    "Confidence scores produced by the scorer.",
		Buckets: []float64{0.3, 0.4, 0.45, 0.5, 0.55, 0.6, 0.7, 0.8},
	})

	// Recorder counts which persistence path committed an event.
	Recorder = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoattend_recorder_total",
		Help: "Attendance recording outcomes by path.",
	}, []string{"path"})

	HedgeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoattend_hedge_failures_total",
		Help: "Redundant secondary writes that failed.",
	})

	GeofenceToggles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoattend_geofence_toggles_total",
		Help: "In-range flag changes observed across sessions.",
	})

	// Submissions counts attendance submissions received by the API.
	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoattend_api_submissions_total",
		Help: "Attendance submissions handled by the API.",
	}, []string{"type", "status"})
)

func init() {
	prometheus.MustRegister(Attempts, Confidence, Recorder, HedgeFailures, GeofenceToggles, Submissions)
}
