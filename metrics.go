package birpc

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeResult    = "result"
	outcomeError     = "error"
	outcomeTransport = "transport"
	outcomeCancelled = "cancelled"
)

// Metrics holds the Prometheus collectors sessions report to. One Metrics
// value is normally shared by every session of a process. A nil *Metrics
// disables reporting.
type Metrics struct {
	Sessions        prometheus.Gauge
	FramesSent      *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec
	CallsStarted    prometheus.Counter
	CallsCompleted  *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors under the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions in the ready state",
		}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "sent_total",
			Help:      "Frames written to the transport",
		}, []string{"kind"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Frames decoded from the transport",
		}, []string{"kind"}),
		CallsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "started_total",
			Help:      "Outgoing calls sent to the peer",
		}),
		CallsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "completed_total",
			Help:      "Outgoing calls completed, by outcome (result, error, transport, cancelled)",
		}, []string{"outcome"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handler",
			Name:      "duration_seconds",
			Help:      "Handler execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "kind", "failed"}),
	}
}

// Collectors returns every collector of m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Sessions, m.FramesSent, m.FramesReceived, m.CallsStarted, m.CallsCompleted, m.HandlerDuration,
	}
}

// Register registers every collector of m with reg. Collectors already
// registered are skipped.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.Sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.Sessions.Dec()
	}
}

func (m *Metrics) frameSent(k Kind) {
	if m != nil {
		m.FramesSent.WithLabelValues(k.String()).Inc()
	}
}

func (m *Metrics) frameReceived(k Kind) {
	if m != nil {
		m.FramesReceived.WithLabelValues(k.String()).Inc()
	}
}

func (m *Metrics) callStarted() {
	if m != nil {
		m.CallsStarted.Inc()
	}
}

func (m *Metrics) callsCompleted(outcome string, n int) {
	if m != nil && n > 0 {
		m.CallsCompleted.WithLabelValues(outcome).Add(float64(n))
	}
}

func (m *Metrics) handlerObserved(method string, k Kind, err error, d time.Duration) {
	if m != nil {
		m.HandlerDuration.WithLabelValues(method, k.String(), strconv.FormatBool(err != nil)).Observe(d.Seconds())
	}
}
