package types

//go:generate mockgen -package=mocks -destination=./mocks/sink.go -source=./sink.go

// MaxProgress is the upper bound of the progress scale reported to sinks.
const MaxProgress = 10000

// ProgressSink receives the user visible outcome of a synchronization.
// Exactly one of Complete, Error or Timeout is invoked per synchronization.
type ProgressSink interface {
	// Progress reports the current progress in the [0, MaxProgress] range.
	Progress(value int)
	Complete()
	Error(err *SynchronizeError)
	Timeout()
}
