// Package types contains the data model shared by the list synchronization
// protocol, its transfer modes and the list implementations.
package types

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Separator separates the index from the hash in the serialized form of an
// IndexAndHash. Neither part may contain it.
const Separator = "@"

// ErrInvalidIndexAndHash is returned for elements that can't be serialized.
var ErrInvalidIndexAndHash = errors.New("invalid index and hash")

// IndexAndHash identifies one element of a list at some level.
// Equal indexes denote the same element across synchronization rounds.
type IndexAndHash struct {
	Index string
	Hash  string
}

// String returns the serialized form index@hash.
func (ih IndexAndHash) String() string {
	return ih.Index + Separator + ih.Hash
}

// Validate checks that neither part contains the separator.
func (ih IndexAndHash) Validate() error {
	if strings.Contains(ih.Index, Separator) || strings.Contains(ih.Hash, Separator) {
		return fmt.Errorf("%w: %q", ErrInvalidIndexAndHash, ih.String())
	}
	return nil
}

// Compare orders by index, then by hash.
func (ih IndexAndHash) Compare(other IndexAndHash) int {
	if c := strings.Compare(ih.Index, other.Index); c != 0 {
		return c
	}
	return strings.Compare(ih.Hash, other.Hash)
}

// ParseIndexAndHash parses the serialized form produced by String.
func ParseIndexAndHash(s string) (IndexAndHash, error) {
	index, hash, found := strings.Cut(s, Separator)
	if !found || strings.Contains(hash, Separator) {
		return IndexAndHash{}, fmt.Errorf("%w: %q", ErrInvalidIndexAndHash, s)
	}
	return IndexAndHash{Index: index, Hash: hash}, nil
}

// InnerListRef addresses a level of the nested list held by the element with
// the given index.
type InnerListRef struct {
	Index string
	Level int
}

// ListPath addresses either a level of a main list, or a level of a list
// nested inside a chain of elements. An empty InnerLists means the path
// addresses the main list directly.
type ListPath struct {
	MainList      string
	MainListLevel int
	InnerLists    []InnerListRef
}

// IsMain returns true if the path addresses the main list.
func (p ListPath) IsMain() bool {
	return len(p.InnerLists) == 0
}

// Level returns the addressed level in the innermost list.
func (p ListPath) Level() int {
	if p.IsMain() {
		return p.MainListLevel
	}
	return p.InnerLists[len(p.InnerLists)-1].Level
}

// Inner returns the path of the level of the list nested in the element with
// the specified index at the level addressed by p.
func (p ListPath) Inner(index string, level int) ListPath {
	inner := make([]InnerListRef, len(p.InnerLists), len(p.InnerLists)+1)
	copy(inner, p.InnerLists)
	return ListPath{
		MainList:      p.MainList,
		MainListLevel: p.MainListLevel,
		InnerLists:    append(inner, InnerListRef{Index: index, Level: level}),
	}
}

// WithLevel returns a copy of the path addressing another level of the
// innermost list.
func (p ListPath) WithLevel(level int) ListPath {
	if p.IsMain() {
		return ListPath{MainList: p.MainList, MainListLevel: level}
	}
	inner := make([]InnerListRef, len(p.InnerLists))
	copy(inner, p.InnerLists)
	inner[len(inner)-1].Level = level
	return ListPath{MainList: p.MainList, MainListLevel: p.MainListLevel, InnerLists: inner}
}

func (p ListPath) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:%d", p.MainList, p.MainListLevel)
	for _, ref := range p.InnerLists {
		fmt.Fprintf(&sb, "/%s:%d", ref.Index, ref.Level)
	}
	return sb.String()
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (p ListPath) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("list", p.MainList)
	enc.AddInt("list_level", p.MainListLevel)
	if !p.IsMain() {
		enc.AddString("path", p.String())
	}
	return nil
}

// TransmissionType specifies how the elements of a level are moved over the
// wire. It is fixed for the lifetime of a list level.
type TransmissionType uint8

const (
	// TransmissionObject sends elements inline as encoded objects.
	TransmissionObject TransmissionType = iota
	// TransmissionByteArray downloads elements out-of-band as a resource.
	TransmissionByteArray
	// TransmissionInnerLists means the elements are nested lists.
	TransmissionInnerLists
)

var transmissionTypes = []string{"object", "byteArray", "innerLists"}

func (t TransmissionType) String() string {
	if int(t) < len(transmissionTypes) {
		return transmissionTypes[t]
	}
	return fmt.Sprintf("<unknown %02x>", uint8(t))
}

// SynchMode tells the list accessor which side of a synchronization it is on.
type SynchMode uint8

const (
	// ModeClient is the side requesting the synchronization (receiving data).
	ModeClient SynchMode = iota
	// ModeServer is the side serving the data.
	ModeServer
)

func (m SynchMode) String() string {
	if m == ModeServer {
		return "server"
	}
	return "client"
}
