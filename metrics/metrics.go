// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages counts parsed multipart messages by result, "ok" or "error".
	Messages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partpull_messages_total",
			Help: "Number of multipart messages parsed to the end, by result.",
		},
		[]string{
			"result",
		},
	)

	// Parts counts parts that were completely parsed.
	Parts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "partpull_parts_total",
			Help: "Number of parts parsed.",
		},
	)

	// ParseErrors counts fatal and caller errors, by reason.
	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partpull_errors_total",
			Help: "Number of errors returned, by reason.",
		},
		[]string{
			"reason",
		},
	)

	// OverflowBytes counts part content written to temporary files.
	OverflowBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "partpull_overflow_bytes_total",
			Help: "Number of bytes of part content stored in temporary files instead of memory.",
		},
	)

	// TempFiles counts temporary file events: create, remove, sweep, recover,
	// rename.
	TempFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partpull_tempfiles_total",
			Help: "Number of temporary file events, by event.",
		},
		[]string{
			"event",
		},
	)

	panics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partpull_panic_total",
			Help: "Number of unhandled panics, by component.",
		},
		[]string{
			"component",
		},
	)
)

// PanicInc counts an unhandled panic recovered in component, e.g. a goroutine
// serving metrics.
func PanicInc(component string) {
	panics.WithLabelValues(component).Inc()
}
