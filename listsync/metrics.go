package listsync

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-listsync/metrics"
)

const (
	subsystem    = "sync"
	roleLabel    = "role"
	outcomeLabel = "outcome"
)

var (
	sessions = metrics.NewCounter(
		"sessions",
		subsystem,
		"synchronization sessions by role and outcome",
		[]string{roleLabel, outcomeLabel},
	)
	sessionDuration = metrics.NewHistogramWithBuckets(
		"session_duration_seconds",
		subsystem,
		"duration of synchronization sessions",
		[]string{roleLabel},
		prometheus.ExponentialBuckets(0.01, 2, 14),
	)
	taskResults = metrics.NewCounter(
		"tasks",
		subsystem,
		"single level synchronization tasks run by the manager",
		[]string{outcomeLabel},
	)
	activeClientSessions = metrics.NewGauge(
		"active_client_sessions",
		subsystem,
		"client sessions in progress",
		nil,
	).WithLabelValues()
)

func outcomeValue(failed, timeout bool) string {
	switch {
	case timeout:
		return "timeout"
	case failed:
		return "error"
	default:
		return "ok"
	}
}
