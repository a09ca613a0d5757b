package wire

import (
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-listsync/codec"
	"github.com/spacemeshos/go-listsync/listsync/types"
)

func encodeBool(enc *scale.Encoder, v bool) (int, error) {
	var b byte
	if v {
		b = 1
	}
	return scale.EncodeByte(enc, b)
}

func decodeBool(dec *scale.Decoder) (bool, int, error) {
	b, n, err := scale.DecodeByte(dec)
	if err != nil {
		return false, n, err
	}
	switch b {
	case 0:
		return false, n, nil
	case 1:
		return true, n, nil
	default:
		return false, n, fmt.Errorf("invalid bool value %02x", b)
	}
}

func (o *OptString) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := encodeBool(enc, o.Valid)
		if err != nil {
			return total, err
		}
		total += n
	}
	if !o.Valid {
		return total, nil
	}
	{
		n, err := scale.EncodeStringWithLimit(enc, o.Value, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (o *OptString) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		v, n, err := decodeBool(dec)
		if err != nil {
			return total, err
		}
		total += n
		o.Valid = v
	}
	if !o.Valid {
		o.Value = ""
		return total, nil
	}
	{
		s, n, err := scale.DecodeStringWithLimit(dec, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
		o.Value = s
	}
	return total, nil
}

func (o *OptID) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := encodeBool(enc, o.Valid)
		if err != nil {
			return total, err
		}
		total += n
	}
	if !o.Valid {
		return total, nil
	}
	{
		n, err := scale.EncodeByteArray(enc, o.Value[:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (o *OptID) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		v, n, err := decodeBool(dec)
		if err != nil {
			return total, err
		}
		total += n
		o.Valid = v
	}
	if !o.Valid {
		return total, nil
	}
	{
		n, err := scale.DecodeByteArray(dec, o.Value[:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func encodePath(enc *scale.Encoder, p *types.ListPath) (total int, err error) {
	{
		n, err := scale.EncodeStringWithLimit(enc, p.MainList, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact32(enc, uint32(p.MainListLevel))
		if err != nil {
			return total, err
		}
		total += n
	}
	if len(p.InnerLists) > MaxPathDepth {
		return total, fmt.Errorf("%w: path depth %d", codec.ErrTooManyElements, len(p.InnerLists))
	}
	{
		n, err := scale.EncodeCompact32(enc, uint32(len(p.InnerLists)))
		if err != nil {
			return total, err
		}
		total += n
	}
	for _, ref := range p.InnerLists {
		n, err := scale.EncodeStringWithLimit(enc, ref.Index, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
		n, err = scale.EncodeCompact32(enc, uint32(ref.Level))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func decodePath(dec *scale.Decoder, p *types.ListPath) (total int, err error) {
	{
		s, n, err := scale.DecodeStringWithLimit(dec, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
		p.MainList = s
	}
	{
		v, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		p.MainListLevel = int(v)
	}
	l, n, err := scale.DecodeCompact32(dec)
	if err != nil {
		return total, err
	}
	total += n
	if l > MaxPathDepth {
		return total, fmt.Errorf("%w: path depth %d", codec.ErrTooManyElements, l)
	}
	p.InnerLists = nil
	if l != 0 {
		p.InnerLists = make([]types.InnerListRef, l)
	}
	for i := range p.InnerLists {
		s, n, err := scale.DecodeStringWithLimit(dec, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
		v, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		p.InnerLists[i] = types.InnerListRef{Index: s, Level: int(v)}
	}
	return total, nil
}

func (m *SynchRequest) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeStringWithLimit(enc, m.RequesterPeer, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := encodePath(enc, &m.Path)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStringWithLimit(enc, m.ConfigHash, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := m.Element.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *SynchRequest) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		s, n, err := scale.DecodeStringWithLimit(dec, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
		m.RequesterPeer = s
	}
	{
		n, err := decodePath(dec, &m.Path)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		s, n, err := scale.DecodeStringWithLimit(dec, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
		m.ConfigHash = s
	}
	{
		n, err := m.Element.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *SynchAnswer) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := encodeBool(enc, m.Accepted)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByte(enc, byte(m.Reason))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *SynchAnswer) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		v, n, err := decodeBool(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Accepted = v
	}
	{
		v, n, err := scale.DecodeByte(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Reason = types.ErrorType(v)
		if !m.Reason.Valid() {
			return total, fmt.Errorf("invalid error type %02x", v)
		}
	}
	return total, nil
}

func (m *HashQuery) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := m.ID.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := m.FirstHash.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact32(enc, m.Length)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := m.ListHash.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := encodeBool(enc, m.Complete)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *HashQuery) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := m.ID.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := m.FirstHash.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		v, n, err := scale.DecodeCompact32(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Length = v
	}
	{
		n, err := m.ListHash.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		v, n, err := decodeBool(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Complete = v
	}
	return total, nil
}

func (m *HashQueryResult) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeByteArray(enc, m.ID[:])
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByte(enc, byte(m.Verdict))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *HashQueryResult) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := scale.DecodeByteArray(dec, m.ID[:])
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		v, n, err := scale.DecodeByte(dec)
		if err != nil {
			return total, err
		}
		total += n
		if int(v) >= len(verdicts) {
			return total, fmt.Errorf("invalid verdict %02x", v)
		}
		m.Verdict = Verdict(v)
	}
	return total, nil
}

func (m *IndexBatch) EncodeScale(enc *scale.Encoder) (int, error) {
	return codec.EncodeStringSlice(enc, m.Items, MaxBatchSize, MaxStringSize)
}

func (m *IndexBatch) DecodeScale(dec *scale.Decoder) (int, error) {
	items, n, err := codec.DecodeStringSlice(dec, MaxBatchSize, MaxStringSize)
	if err != nil {
		return n, err
	}
	m.Items = items
	return n, nil
}

func (m *IndexCount) EncodeScale(enc *scale.Encoder) (int, error) {
	return scale.EncodeCompact32(enc, m.Count)
}

func (m *IndexCount) DecodeScale(dec *scale.Decoder) (int, error) {
	v, n, err := scale.DecodeCompact32(dec)
	if err != nil {
		return n, err
	}
	m.Count = v
	return n, nil
}

func (m *ObjectRequest) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := encodeBool(enc, m.More)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStringWithLimit(enc, m.Index, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *ObjectRequest) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		v, n, err := decodeBool(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.More = v
	}
	{
		s, n, err := scale.DecodeStringWithLimit(dec, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
		m.Index = s
	}
	return total, nil
}

func (m *ElementObject) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeStringWithLimit(enc, m.Index, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, m.Data, MaxObjectSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *ElementObject) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		s, n, err := scale.DecodeStringWithLimit(dec, MaxStringSize)
		if err != nil {
			return total, err
		}
		total += n
		m.Index = s
	}
	{
		b, n, err := scale.DecodeByteSliceWithLimit(dec, MaxObjectSize)
		if err != nil {
			return total, err
		}
		total += n
		m.Data = b
	}
	return total, nil
}

func (m *ElementNotFound) EncodeScale(enc *scale.Encoder) (int, error) {
	return scale.EncodeStringWithLimit(enc, m.Index, MaxStringSize)
}

func (m *ElementNotFound) DecodeScale(dec *scale.Decoder) (int, error) {
	s, n, err := scale.DecodeStringWithLimit(dec, MaxStringSize)
	if err != nil {
		return n, err
	}
	m.Index = s
	return n, nil
}

func (m *StoreName) EncodeScale(enc *scale.Encoder) (int, error) {
	return scale.EncodeStringWithLimit(enc, m.Name, MaxStringSize)
}

func (m *StoreName) DecodeScale(dec *scale.Decoder) (int, error) {
	s, n, err := scale.DecodeStringWithLimit(dec, MaxStringSize)
	if err != nil {
		return n, err
	}
	m.Name = s
	return n, nil
}
