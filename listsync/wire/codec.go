package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spacemeshos/go-listsync/codec"
)

// ErrBadMessage is returned for frames that can't be decoded.
var ErrBadMessage = errors.New("bad message")

// Encode serializes the message as its type tag followed by its body.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Type()))
	if _, err := codec.EncodeTo(&buf, m); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return buf.Bytes(), nil
}

func newMessage(t MessageType) Message {
	switch t {
	case MessageTypeSynchRequest:
		return &SynchRequest{}
	case MessageTypeSynchAnswer:
		return &SynchAnswer{}
	case MessageTypeHashQuery:
		return &HashQuery{}
	case MessageTypeHashQueryResult:
		return &HashQueryResult{}
	case MessageTypeIndexBatch:
		return &IndexBatch{}
	case MessageTypeIndexCount:
		return &IndexCount{}
	case MessageTypeObjectRequest:
		return &ObjectRequest{}
	case MessageTypeElementObject:
		return &ElementObject{}
	case MessageTypeElementNotFound:
		return &ElementNotFound{}
	case MessageTypeStoreName:
		return &StoreName{}
	default:
		return nil
	}
}

// Decode parses a frame produced by Encode into its concrete message type.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrBadMessage)
	}
	m := newMessage(MessageType(data[0]))
	if m == nil {
		return nil, fmt.Errorf("%w: invalid message code %02x", ErrBadMessage, data[0])
	}
	if err := codec.Decode(data[1:], m); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBadMessage, m.Type(), err)
	}
	return m, nil
}
