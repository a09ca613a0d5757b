package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-listsync/metrics"
)

const (
	namespace     = "stream_server"
	protocolLabel = "protocol"
)

var (
	backlogCapacity = metrics.NewGauge(
		"backlog_capacity",
		namespace,
		"number of inbound streams that may wait for a handler",
		[]string{protocolLabel},
	)
	backlog = metrics.NewGauge(
		"backlog",
		namespace,
		"inbound streams waiting for a handler",
		[]string{protocolLabel},
	)
	streamRate = metrics.NewGauge(
		"stream_rate_limit",
		namespace,
		"inbound streams handled per second at most",
		[]string{protocolLabel},
	)
	inbound = metrics.NewCounter(
		"inbound_streams",
		namespace,
		"inbound streams by outcome",
		[]string{protocolLabel, "outcome"},
	)
	openDuration = metrics.NewHistogramWithBuckets(
		"open_duration_seconds",
		namespace,
		"time to open an outbound stream",
		[]string{protocolLabel, "result"},
		prometheus.ExponentialBuckets(0.01, 2, 10),
	)
	sessionDuration = metrics.NewHistogramWithBuckets(
		"session_duration_seconds",
		namespace,
		"time from accepting an inbound stream until its handler returns",
		[]string{protocolLabel},
		prometheus.ExponentialBuckets(0.05, 2, 14),
	)
	backlogWait = metrics.NewHistogramWithBuckets(
		"backlog_wait_seconds",
		namespace,
		"time inbound streams wait for a handler",
		[]string{protocolLabel},
		prometheus.ExponentialBuckets(0.001, 2, 12),
	)
)

// streamMetrics holds the metrics of one protocol.
type streamMetrics struct {
	backlogCapacity prometheus.Gauge
	backlog         prometheus.Gauge
	streamRate      prometheus.Gauge
	accepted        prometheus.Counter
	dropped         prometheus.Counter
	succeeded       prometheus.Counter
	failed          prometheus.Counter
	session         prometheus.Observer
	backlogWait     prometheus.Observer
	opened          prometheus.Observer
	openFailed      prometheus.Observer
}

func newStreamMetrics(protocol string) *streamMetrics {
	return &streamMetrics{
		backlogCapacity: backlogCapacity.WithLabelValues(protocol),
		backlog:         backlog.WithLabelValues(protocol),
		streamRate:      streamRate.WithLabelValues(protocol),
		accepted:        inbound.WithLabelValues(protocol, "accepted"),
		dropped:         inbound.WithLabelValues(protocol, "dropped"),
		succeeded:       inbound.WithLabelValues(protocol, "succeeded"),
		failed:          inbound.WithLabelValues(protocol, "failed"),
		session:         sessionDuration.WithLabelValues(protocol),
		backlogWait:     backlogWait.WithLabelValues(protocol),
		opened:          openDuration.WithLabelValues(protocol, "success"),
		openFailed:      openDuration.WithLabelValues(protocol, "failure"),
	}
}

// handled records the outcome of an inbound stream accepted at received.
func (m *streamMetrics) handled(received time.Time, ok bool) {
	m.session.Observe(time.Since(received).Seconds())
	if ok {
		m.succeeded.Inc()
	} else {
		m.failed.Inc()
	}
}

// open records the time spent opening an outbound stream since start.
func (m *streamMetrics) open(start time.Time, err error) {
	if err != nil {
		m.openFailed.Observe(time.Since(start).Seconds())
	} else {
		m.opened.Observe(time.Since(start).Seconds())
	}
}
