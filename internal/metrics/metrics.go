package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtlink"

var (
	registerOnce sync.Once

	sessionAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "attempts_total",
		Help:      "Physical session connection attempts.",
	})
	sessionOpens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "opens_total",
		Help:      "Sessions that completed the handshake.",
	})
	sessionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "failures_total",
			Help:      "Session failures by reason.",
		},
		[]string{"reason"},
	)
	openConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "open",
		Help:      "Logical connections currently in the open state.",
	})
	reconnectDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "reconnect_delay_seconds",
		Help:      "Backoff delay scheduled before each reconnect.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
	})
	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "frames",
		Name:      "received_total",
		Help:      "Inbound text frames.",
	})
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		},
		[]string{"kind"},
	)
	seqGaps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "frames",
		Name:      "sequence_gap_frames_total",
		Help:      "Sequence numbers missed between consecutive frames.",
	})
	handlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_errors_total",
			Help:      "Handler failures isolated during dispatch.",
		},
		[]string{"type"},
	)
	authRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "auth_rejections_total",
		Help:      "Authorization rejections that suspended automatic retries.",
	})
	archiveFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "flushes_total",
			Help:      "Archive batch flushes by result.",
		},
		[]string{"result"},
	)
	archiveFlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "flush_duration_seconds",
		Help:      "Archive batch insert duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Register adds all collectors to the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionAttempts,
			sessionOpens,
			sessionFailures,
			openConnections,
			reconnectDelay,
			framesReceived,
			decodeErrors,
			seqGaps,
			handlerErrors,
			authRejections,
			archiveFlushes,
			archiveFlushDuration,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func RecordSessionAttempt() {
	sessionAttempts.Inc()
}

func RecordSessionOpen() {
	sessionOpens.Inc()
	openConnections.Inc()
}

// RecordSessionEnd marks an open session as gone.
func RecordSessionEnd() {
	openConnections.Dec()
}

func RecordSessionFailure(reason string) {
	sessionFailures.WithLabelValues(reason).Inc()
}

func RecordReconnect(delay time.Duration) {
	reconnectDelay.Observe(delay.Seconds())
}

func RecordFrame() {
	framesReceived.Inc()
}

func RecordDecodeError(kind string) {
	decodeErrors.WithLabelValues(kind).Inc()
}

func RecordSeqGap(size int) {
	seqGaps.Add(float64(size))
}

func RecordHandlerError(eventType string) {
	handlerErrors.WithLabelValues(eventType).Inc()
}

func RecordAuthRejected() {
	authRejections.Inc()
}

func RecordArchiveFlush(success bool, duration time.Duration) {
	result := "ok"
	if !success {
		result = "error"
	}
	archiveFlushes.WithLabelValues(result).Inc()
	archiveFlushDuration.Observe(duration.Seconds())
}
