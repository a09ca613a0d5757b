// Package codec wraps go-scale encoding for wire messages and stored values.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spacemeshos/go-scale"
)

var (
	// ErrNotEncodable is returned when a nil value is passed for encoding or decoding.
	ErrNotEncodable = errors.New("value is not scale-encodable")
	// ErrTooManyElements is returned when a collection exceeds its limit.
	ErrTooManyElements = errors.New("too many elements in collection")
)

// Encodable is an interface that must be implemented by a struct to be encoded.
type Encodable = scale.Encodable

// Decodable is an interface that must be implemented by a struct to be decoded.
type Decodable = scale.Decodable

// EncodeTo encodes value to a writer stream.
func EncodeTo(w io.Writer, value Encodable) (int, error) {
	if value == nil {
		return 0, ErrNotEncodable
	}
	return value.EncodeScale(scale.NewEncoder(w))
}

// DecodeFrom decodes a value using data from a reader stream.
func DecodeFrom(r io.Reader, value Decodable) (int, error) {
	if value == nil {
		return 0, ErrNotEncodable
	}
	return value.DecodeScale(scale.NewDecoder(r))
}

var encoderPool = sync.Pool{
	New: func() any {
		b := new(bytes.Buffer)
		b.Grow(64)
		return b
	},
}

func getEncoderBuffer() *bytes.Buffer {
	return encoderPool.Get().(*bytes.Buffer)
}

func putEncoderBuffer(b *bytes.Buffer) {
	b.Reset()
	encoderPool.Put(b)
}

// Encode value to a byte buffer.
func Encode(value Encodable) ([]byte, error) {
	b := getEncoderBuffer()
	defer putEncoderBuffer(b)
	if _, err := EncodeTo(b, value); err != nil {
		return nil, err
	}
	buf := make([]byte, b.Len())
	copy(buf, b.Bytes())
	return buf, nil
}

// MustEncode encodes value and panics on failure. Only used for values whose
// encoding can't fail, such as fixed-size structs.
func MustEncode(value Encodable) []byte {
	buf, err := Encode(value)
	if err != nil {
		panic("BUG: encode: " + err.Error())
	}
	return buf
}

// Decode value from a byte buffer.
// Trailing bytes left after decoding are reported as an error.
func Decode(buf []byte, value Decodable) error {
	rd := bytes.NewReader(buf)
	if _, err := DecodeFrom(rd, value); err != nil {
		return fmt.Errorf("decode from buffer: %w", err)
	}
	if rd.Len() != 0 {
		return fmt.Errorf("decode from buffer: %d trailing bytes", rd.Len())
	}
	return nil
}

// EncodeStringSlice encodes a length-prefixed slice of strings.
func EncodeStringSlice(enc *scale.Encoder, value []string, limit, itemLimit uint32) (int, error) {
	if uint32(len(value)) > limit {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooManyElements, len(value), limit)
	}
	total, err := scale.EncodeCompact32(enc, uint32(len(value)))
	if err != nil {
		return total, err
	}
	for _, s := range value {
		n, err := scale.EncodeStringWithLimit(enc, s, itemLimit)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeStringSlice decodes a slice of strings encoded by EncodeStringSlice.
func DecodeStringSlice(dec *scale.Decoder, limit, itemLimit uint32) ([]string, int, error) {
	l, total, err := scale.DecodeCompact32(dec)
	if err != nil {
		return nil, total, err
	}
	if l > limit {
		return nil, total, fmt.Errorf("%w: %d > %d", ErrTooManyElements, l, limit)
	}
	if l == 0 {
		return nil, total, nil
	}
	r := make([]string, l)
	for i := range r {
		s, n, err := scale.DecodeStringWithLimit(dec, itemLimit)
		if err != nil {
			return nil, total, err
		}
		total += n
		r[i] = s
	}
	return r, total, nil
}
