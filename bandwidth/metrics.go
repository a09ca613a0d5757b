package bandwidth

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spacemeshos/go-listsync/metrics"
)

const subsystem = "bandwidth"

var (
	cycles = metrics.NewCounter(
		"cycles",
		subsystem,
		"speed allocation cycles",
		nil,
	).WithLabelValues()
	allocationVariation = metrics.NewHistogramWithBuckets(
		"variation",
		subsystem,
		"variation of the speed allocation between cycles",
		nil,
		prometheus.LinearBuckets(0, 0.1, 11),
	).WithLabelValues()
	regulatedResources = metrics.NewGauge(
		"resources",
		subsystem,
		"regulated resources",
		nil,
	).WithLabelValues()
	allocatedSpeed = metrics.NewGauge(
		"allocated_bytes_per_second",
		subsystem,
		"sum of the speeds assigned in the last cycle",
		nil,
	).WithLabelValues()
)
