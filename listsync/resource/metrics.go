package resource

import "github.com/spacemeshos/go-listsync/metrics"

const subsystem = "resource"

var (
	requests = metrics.NewCounter(
		"requests",
		subsystem,
		"store requests by outcome",
		[]string{"outcome"},
	)
	storeResults = metrics.NewCounter(
		"one_shot_stores",
		subsystem,
		"one-shot stores by outcome",
		[]string{"outcome"},
	)
	uploaded = metrics.NewCounter(
		"uploaded_bytes",
		subsystem,
		"bytes served to peers",
		nil,
	).WithLabelValues()
	downloaded = metrics.NewCounter(
		"downloaded_bytes",
		subsystem,
		"bytes downloaded from peers",
		nil,
	).WithLabelValues()
)
