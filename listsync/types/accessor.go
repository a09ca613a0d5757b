package types

import (
	"io"
	"strconv"
	"strings"

	"github.com/spacemeshos/go-listsync/hash"
	"github.com/spacemeshos/go-listsync/p2p"
)

// AnswerType is the admission decision of a list serving a synchronization.
type AnswerType uint8

const (
	AnswerOK AnswerType = iota
	AnswerServerBusy
)

// ServerSynchRequestAnswer is produced once per incoming synchronization
// request by the served list.
type ServerSynchRequestAnswer struct {
	Type AnswerType
	// Sink is optional. When set, it receives the outcome of the server side
	// of the synchronization.
	Sink ProgressSink
}

// ListAccessor is the capability set a list implementation provides to the
// synchronization protocol. Implementations are expected to serialize their
// own internal state.
type ListAccessor interface {
	LevelCount() int
	// BeginSynch and EndSynch bracket every synchronization session.
	// EndSynch is called exactly once per BeginSynch. On the server side
	// it is also called when BeginSynch fails after InitiateSynchAsServer
	// admitted the session, to release the admission.
	BeginSynch(mode SynchMode) error
	EndSynch(mode SynchMode, success bool)
	HashList(level int) ([]IndexAndHash, error)
	// HashEqualsElement returns true if the hashes of the level are the
	// elements themselves.
	HashEqualsElement(level int) bool
	TransmissionType(level int) TransmissionType
	// InnerListLevels returns the levels of the nested lists that are
	// synchronized for an inner-lists level.
	InnerListLevels(level int) []int
	// ElementObject returns the encoded object, or ErrElementNotFound.
	ElementObject(index string, level int) ([]byte, error)
	ElementByteArray(index string, level int) (io.ReadCloser, error)
	ElementByteArrayLength(index string, level int) (int64, error)
	AddElementObject(index string, level int, data []byte) error
	AddElementByteArray(index string, level int, r io.Reader, length int64) error
	// MustRequestElement returns false if the list can resolve the element
	// by other means.
	MustRequestElement(index string, level int, hash string) bool
	MustEraseOldIndexes() bool
	EraseElements(indexes []string) error
	// InnerList returns the list nested in the element. If buildIfNeeded is
	// false and there is no such list, ErrElementNotFound is returned.
	InnerList(index string, level int, buildIfNeeded bool) (ListAccessor, error)
	InitiateSynchAsServer(peer p2p.Peer, level int, singleElement bool) ServerSynchRequestAnswer
}

// Lists resolves main lists by name.
type Lists interface {
	List(name string) (ListAccessor, bool)
}

// ListsMap is a Lists backed by a map.
type ListsMap map[string]ListAccessor

// List implements Lists.
func (m ListsMap) List(name string) (ListAccessor, bool) {
	l, ok := m[name]
	return l, ok
}

// ConfigHash returns the digest of the structural configuration of a list:
// the level count, and for each level the hash-equals-element flag, the
// transmission type and the inner list level set. Element content doesn't
// affect it.
func ConfigHash(acc ListAccessor) string {
	n := acc.LevelCount()
	items := make([]string, 0, 1+3*n)
	items = append(items, "levels="+strconv.Itoa(n))
	for level := range n {
		items = append(items,
			"hashEqualsElement="+strconv.FormatBool(acc.HashEqualsElement(level)),
			"transmission="+acc.TransmissionType(level).String())
		if acc.TransmissionType(level) == TransmissionInnerLists {
			levels := acc.InnerListLevels(level)
			s := make([]string, len(levels))
			for i, l := range levels {
				s[i] = strconv.Itoa(l)
			}
			items = append(items, "inner="+strings.Join(s, ","))
		}
	}
	return hash.SumStrings(items...)
}

// ResolvePath walks the inner list chain of the path, starting at the main
// list. The returned accessor is the innermost list.
func ResolvePath(lists Lists, path ListPath, buildIfNeeded bool) (ListAccessor, error) {
	acc, ok := lists.List(path.MainList)
	if !ok {
		return nil, ErrElementNotFound
	}
	level := path.MainListLevel
	for _, ref := range path.InnerLists {
		if level < 0 || level >= acc.LevelCount() || acc.TransmissionType(level) != TransmissionInnerLists {
			return nil, ErrElementNotFound
		}
		inner, err := acc.InnerList(ref.Index, level, buildIfNeeded)
		if err != nil {
			return nil, err
		}
		acc = inner
		level = ref.Level
	}
	return acc, nil
}
