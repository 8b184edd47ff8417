package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viscactl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "viscactl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viscactl",
			Name:      "commands_total",
			Help:      "Resolved camera requests by terminal outcome.",
		},
		[]string{"camera", "op", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "viscactl",
			Name:      "command_duration_seconds",
			Help:      "Time from first send to terminal outcome.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"camera", "op", "outcome"},
	)
	replies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viscactl",
			Name:      "replies_total",
			Help:      "Decoded camera replies by kind.",
		},
		[]string{"camera", "kind"},
	)
	staleReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viscactl",
			Name:      "stale_replies_total",
			Help:      "Replies that matched no outstanding request.",
		},
		[]string{"camera", "kind"},
	)
	anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viscactl",
			Name:      "protocol_anomalies_total",
			Help:      "Tolerated protocol anomalies (completion without ack, duplicate ack, malformed frames).",
		},
		[]string{"camera", "anomaly"},
	)
	retransmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viscactl",
			Name:      "retransmissions_total",
			Help:      "Frames re-sent after a timeout.",
		},
		[]string{"camera", "op"},
	)
	slotsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "viscactl",
			Name:      "slots_in_use",
			Help:      "Command sockets currently bound to a request.",
		},
		[]string{"camera"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			commands, commandDuration,
			replies, staleReplies, anomalies,
			retransmissions, slotsInUse,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommand(camera, op, outcome string, duration time.Duration) {
	RegisterMetrics()
	commands.WithLabelValues(camera, op, outcome).Inc()
	commandDuration.WithLabelValues(camera, op, outcome).Observe(duration.Seconds())
}

func RecordReply(camera, kind string) {
	RegisterMetrics()
	replies.WithLabelValues(camera, kind).Inc()
}

func RecordStaleReply(camera, kind string) {
	RegisterMetrics()
	staleReplies.WithLabelValues(camera, kind).Inc()
}

func RecordAnomaly(camera, anomaly string) {
	RegisterMetrics()
	anomalies.WithLabelValues(camera, anomaly).Inc()
}

func RecordRetransmission(camera, op string) {
	RegisterMetrics()
	retransmissions.WithLabelValues(camera, op).Inc()
}

func SetSlotsInUse(camera string, n int) {
	RegisterMetrics()
	slotsInUse.WithLabelValues(camera).Set(float64(n))
}
