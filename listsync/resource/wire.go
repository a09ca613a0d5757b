package resource

import (
	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-listsync/codec"
)

const (
	// MaxNameSize limits the size of store names.
	MaxNameSize   = 1024
	maxErrorSize  = 1024
	maxHeaderSize = maxErrorSize + 32
)

// header precedes the content of a requested store.
type header struct {
	Error string
	Size  uint64
}

func (h *header) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeStringWithLimit(enc, h.Error, maxErrorSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, h.Size)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (h *header) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeStringWithLimit(dec, maxErrorSize)
		if err != nil {
			return total, err
		}
		total += n
		h.Error = field
	}
	{
		field, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		h.Size = field
	}
	return total, nil
}

var (
	_ codec.Encodable = &header{}
	_ codec.Decodable = &header{}
)
