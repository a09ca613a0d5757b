// Package wire defines the messages exchanged by the list synchronization
// protocol and the conduits carrying them.
package wire

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/spacemeshos/go-listsync/codec"
	"github.com/spacemeshos/go-listsync/listsync/types"
)

const (
	// MaxStringSize bounds indexes, hashes and other strings on the wire.
	MaxStringSize = 4096
	// MaxBatchSize bounds the number of items in a single IndexBatch.
	MaxBatchSize = 1024
	// MaxObjectSize bounds the size of an inline element object.
	MaxObjectSize = 16 << 20
	// MaxPathDepth bounds the nesting of list paths.
	MaxPathDepth = 64
)

// MessageType is the tag preceding every encoded message.
type MessageType byte

const (
	MessageTypeSynchRequest MessageType = iota + 1
	MessageTypeSynchAnswer
	MessageTypeHashQuery
	MessageTypeHashQueryResult
	MessageTypeIndexBatch
	MessageTypeIndexCount
	MessageTypeObjectRequest
	MessageTypeElementObject
	MessageTypeElementNotFound
	MessageTypeStoreName
)

var messageTypes = map[MessageType]string{
	MessageTypeSynchRequest:    "synchRequest",
	MessageTypeSynchAnswer:     "synchAnswer",
	MessageTypeHashQuery:       "hashQuery",
	MessageTypeHashQueryResult: "hashQueryResult",
	MessageTypeIndexBatch:      "indexBatch",
	MessageTypeIndexCount:      "indexCount",
	MessageTypeObjectRequest:   "objectRequest",
	MessageTypeElementObject:   "elementObject",
	MessageTypeElementNotFound: "elementNotFound",
	MessageTypeStoreName:       "storeName",
}

func (t MessageType) String() string {
	if s, ok := messageTypes[t]; ok {
		return s
	}
	return fmt.Sprintf("<unknown %02x>", byte(t))
}

// Message is a message of the list synchronization protocol.
type Message interface {
	codec.Encodable
	codec.Decodable
	Type() MessageType
}

// OptString is an optional string. Absence is encoded as an explicit flag,
// so an empty string is a valid present value.
type OptString struct {
	Value string
	Valid bool
}

// Some returns a present OptString.
func Some(s string) OptString {
	return OptString{Value: s, Valid: true}
}

func (o OptString) String() string {
	if !o.Valid {
		return "<none>"
	}
	return o.Value
}

// OptID is an optional query id.
type OptID struct {
	Value uuid.UUID
	Valid bool
}

// NewID returns a present OptID holding a fresh random id.
func NewID() OptID {
	return OptID{Value: uuid.New(), Valid: true}
}

// SynchRequest opens a synchronization session.
type SynchRequest struct {
	RequesterPeer string
	Path          types.ListPath
	ConfigHash    string
	// Element restricts the synchronization to a single element index.
	Element OptString
}

func (*SynchRequest) Type() MessageType { return MessageTypeSynchRequest }

// SynchAnswer accepts or rejects a SynchRequest.
type SynchAnswer struct {
	Accepted bool
	Reason   types.ErrorType
}

func (*SynchAnswer) Type() MessageType { return MessageTypeSynchAnswer }

// HashQuery asks the peer about the range of the sorted hash list starting
// with FirstHash and spanning Length items. A query with Complete set is the
// terminal sentinel of a reconciliation round and carries no range.
type HashQuery struct {
	ID        OptID
	FirstHash OptString
	Length    uint32
	ListHash  OptString
	Complete  bool
}

func (*HashQuery) Type() MessageType { return MessageTypeHashQuery }

// Verdict is the peer's answer to a HashQuery.
type Verdict byte

const (
	// HashNotFoundAndNoGreater means the peer has nothing at or above the range.
	HashNotFoundAndNoGreater Verdict = iota
	// HashNotFoundButGreater means the first item is missing on the peer.
	HashNotFoundButGreater
	// HashFoundListHashDiffers means the first item matched, the rest differs.
	HashFoundListHashDiffers
	// HashFoundListHashEquals means the whole range matched.
	HashFoundListHashEquals
)

var verdicts = []string{
	"hashNotFoundAndNoGreater",
	"hashNotFoundButGreater",
	"hashFoundListHashDiffers",
	"hashFoundListHashEquals",
}

func (v Verdict) String() string {
	if int(v) < len(verdicts) {
		return verdicts[v]
	}
	return fmt.Sprintf("<unknown %02x>", byte(v))
}

// HashQueryResult answers the HashQuery with the same ID.
type HashQueryResult struct {
	ID      uuid.UUID
	Verdict Verdict
}

func (*HashQueryResult) Type() MessageType { return MessageTypeHashQueryResult }

// IndexBatch carries a batch of serialized items. An empty batch terminates
// the sequence.
type IndexBatch struct {
	Items []string
}

func (*IndexBatch) Type() MessageType { return MessageTypeIndexBatch }

// IndexCount reports the number of elements the client is going to request.
type IndexCount struct {
	Count uint32
}

func (*IndexCount) Type() MessageType { return MessageTypeIndexCount }

// ObjectRequest requests the element with the specified index. More is false
// for the end marker, which leaves the empty index requestable.
type ObjectRequest struct {
	More  bool
	Index string
}

func (*ObjectRequest) Type() MessageType { return MessageTypeObjectRequest }

// ElementObject carries the encoded element.
type ElementObject struct {
	Index string
	Data  []byte
}

func (*ElementObject) Type() MessageType { return MessageTypeElementObject }

// ElementNotFound tells the client the requested element no longer exists.
type ElementNotFound struct {
	Index string
}

func (*ElementNotFound) Type() MessageType { return MessageTypeElementNotFound }

// StoreName names the resource store holding the requested byte arrays.
type StoreName struct {
	Name string
}

func (*StoreName) Type() MessageType { return MessageTypeStoreName }
