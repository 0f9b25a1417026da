// Package metrics holds the Prometheus collectors for the engine. They are
// registered on the default registry and exposed by the display server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gomerlink"

var (
	discoveryRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "rounds_total",
			Help:      "Discovery rounds by outcome",
		},
		[]string{"status"},
	)

	discoveryDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "devices",
			Help:      "Devices that answered the last discovery round",
		},
	)

	sessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Session state (0 idle, 1 connecting, 2 connected, 3 closing)",
		},
	)

	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session lifecycle events",
		},
		[]string{"event"},
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Control messages by direction",
		},
		[]string{"direction"},
	)

	transferResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "results_total",
			Help:      "Terminal transfer results by code and error class",
		},
		[]string{"result", "err_class"},
	)

	transferDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "duration_seconds",
			Help:      "Duration of accepted transfers",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	transferChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "frames_total",
			Help:      "Transfer frames sent, first attempts and retries",
		},
		[]string{"attempt"},
	)

	videoFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "frames_total",
			Help:      "Video frames by outcome",
		},
		[]string{"outcome"},
	)

	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "protocol_errors_total",
			Help:      "Inbound frames rejected by the receive loop",
		},
		[]string{"reason"},
	)

	displayViewers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "display",
			Name:      "viewers",
			Help:      "Connected display viewers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		discoveryRounds, discoveryDevices,
		sessionState, sessionEvents,
		messagesTotal,
		transferResults, transferDuration, transferChunks,
		videoFrames, protocolErrors, displayViewers,
	)
}

func DiscoveryRound(status string, devices int) {
	discoveryRounds.WithLabelValues(status).Inc()
	discoveryDevices.Set(float64(devices))
}

func SessionState(state int) {
	sessionState.Set(float64(state))
}

func SessionEvent(event string) {
	sessionEvents.WithLabelValues(event).Inc()
}

func MessageSent() {
	messagesTotal.WithLabelValues("out").Inc()
}

func MessageReceived() {
	messagesTotal.WithLabelValues("in").Inc()
}

// TransferResult counts one terminal result. errClass is "" for success.
func TransferResult(result, errClass string, elapsed time.Duration) {
	if errClass == "" {
		errClass = "none"
	}
	transferResults.WithLabelValues(result, errClass).Inc()
	if elapsed > 0 {
		transferDuration.Observe(elapsed.Seconds())
	}
}

func TransferFrame(retry bool) {
	if retry {
		transferChunks.WithLabelValues("retry").Inc()
		return
	}
	transferChunks.WithLabelValues("first").Inc()
}

func VideoFrame(outcome string) {
	videoFrames.WithLabelValues(outcome).Inc()
}

func ProtocolError(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	protocolErrors.WithLabelValues(reason).Inc()
}

func DisplayViewers(n int) {
	displayViewers.Set(float64(n))
}
