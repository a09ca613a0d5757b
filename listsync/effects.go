package listsync

import (
	"io"

	"github.com/spacemeshos/go-listsync/listsync/types"
	"github.com/spacemeshos/go-listsync/listsync/wire"
)

// Effect is a side effect requested by a state machine transition. Effects
// are executed by the session driver in the order they're returned.
type Effect interface {
	effect()
}

// Send sends a message to the peer.
type Send struct {
	Msg wire.Message
}

// Progress reports session progress in the [0, types.MaxProgress] range.
type Progress struct {
	Value int
}

// EndSynch closes the accessor's synchronization bracket.
type EndSynch struct {
	Mode    types.SynchMode
	Success bool
}

// Complete reports success to the session's progress sink.
type Complete struct{}

// Fail reports an error to the session's progress sink.
type Fail struct {
	Err *types.SynchronizeError
}

// Timeout reports a timeout to the session's progress sink.
type Timeout struct{}

// Download hands the byte array transfer over to the resource subsystem.
// The download is responsible for closing the synchronization bracket and
// reporting the outcome.
type Download struct {
	Store string
	Count int
}

// RegisterStore registers a one-shot resource store serving the stream. The
// store is responsible for closing the synchronization bracket and
// reporting the outcome.
type RegisterStore struct {
	Name   string
	Reader io.ReadCloser
	Size   int64
}

// InnerLists passes the indexes of the nested lists that have to be
// synchronized to the orchestration layer.
type InnerLists struct {
	Indexes []string
}

func (Send) effect()          {}
func (Progress) effect()      {}
func (EndSynch) effect()      {}
func (Complete) effect()      {}
func (Fail) effect()          {}
func (Timeout) effect()       {}
func (Download) effect()      {}
func (RegisterStore) effect() {}
func (InnerLists) effect()    {}

func sendAll(effects []Effect, msgs ...wire.Message) []Effect {
	for _, m := range msgs {
		effects = append(effects, Send{Msg: m})
	}
	return effects
}
