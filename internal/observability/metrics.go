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
			Namespace: "meshbus",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshbus",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	routedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbus",
			Subsystem: "bus",
			Name:      "routed_messages_total",
			Help:      "Messages routed by the local registry, by route kind.",
		},
		[]string{"node", "kind"},
	)
	undeliveredMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbus",
			Subsystem: "bus",
			Name:      "undelivered_messages_total",
			Help:      "Messages with no mailbox, topic or return path to route to.",
		},
		[]string{"node"},
	)
	bridgeFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbus",
			Subsystem: "bridge",
			Name:      "frames_total",
			Help:      "Bridge frames by direction and frame type.",
		},
		[]string{"node", "direction", "type"},
	)
	malformedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbus",
			Subsystem: "bridge",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they failed to decode.",
		},
		[]string{"node"},
	)
	cycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbus",
			Subsystem: "bridge",
			Name:      "cycle_transitions_total",
			Help:      "Bridge cycle-detect mode transitions.",
		},
		[]string{"node", "state"},
	)
	activeBridges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshbus",
			Subsystem: "bridge",
			Name:      "active",
			Help:      "Bridges currently attached to the registry.",
		},
		[]string{"node"},
	)
	transportEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbus",
			Subsystem: "transport",
			Name:      "events_total",
			Help:      "Transport connect/disconnect events.",
		},
		[]string{"node", "transport", "event"},
	)
	sendQueueDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbus",
			Subsystem: "transport",
			Name:      "send_queue_dropped_total",
			Help:      "Frames dropped from a full send queue while the link was down.",
		},
		[]string{"node", "peer"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			routedMessages, undeliveredMessages,
			bridgeFrames, malformedFrames, cycleTransitions, activeBridges,
			transportEvents, sendQueueDropped,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRouted counts one routed message; kind is "direct", "topic" or
// "return_path".
func RecordRouted(node, kind string) {
	RegisterMetrics()
	routedMessages.WithLabelValues(node, kind).Inc()
}

func RecordUndelivered(node string) {
	RegisterMetrics()
	undeliveredMessages.WithLabelValues(node).Inc()
}

func RecordFrame(node, direction, frameType string) {
	RegisterMetrics()
	bridgeFrames.WithLabelValues(node, direction, frameType).Inc()
}

func RecordMalformedFrame(node string) {
	RegisterMetrics()
	malformedFrames.WithLabelValues(node).Inc()
}

func RecordCycleTransition(node string, entered bool) {
	RegisterMetrics()
	state := "left"
	if entered {
		state = "entered"
	}
	cycleTransitions.WithLabelValues(node, state).Inc()
}

func AddActiveBridges(node string, delta int) {
	RegisterMetrics()
	activeBridges.WithLabelValues(node).Add(float64(delta))
}

func RecordTransportEvent(node, transport, event string) {
	RegisterMetrics()
	transportEvents.WithLabelValues(node, transport, event).Inc()
}

func RecordSendQueueDrop(node, peer string) {
	RegisterMetrics()
	sendQueueDropped.WithLabelValues(node, peer).Inc()
}
