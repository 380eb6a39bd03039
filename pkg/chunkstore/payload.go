package chunkstore

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrInvalidPayload is returned when a payload is unordered, outside its range or
	// cannot be decoded
	ErrInvalidPayload = errors.New("invalid payload")
)

// Record is one datum attached to a block. A block may carry several records (one per
// log, for example) and blocks without data carry none.
type Record struct {
	Block uint64 `json:"block"`
	Data  []byte `json:"data"`
}

// Payload is an ordered list of records. Records are sorted by block; records of the same
// block keep their fetch order.
type Payload []Record

// Validate checks ordering and that every record lies inside r
func (p Payload) Validate(r blockrange.Range) error {
	for i, rec := range p {
		if !r.Contains(rec.Block) {
			return fmt.Errorf("%w: record %d at block %d outside %s", ErrInvalidPayload, i, rec.Block, r)
		}

		if i > 0 && rec.Block < p[i-1].Block {
			return fmt.Errorf("%w: record %d at block %d precedes block %d", ErrInvalidPayload, i, rec.Block, p[i-1].Block)
		}
	}

	return nil
}

// Trim returns the records inside r. The result shares no memory with p's slice header.
func (p Payload) Trim(r blockrange.Range) Payload {
	out := make(Payload, 0)
	for _, rec := range p {
		if r.Contains(rec.Block) {
			out = append(out, rec)
		}
	}

	return out
}

// Blocks returns the distinct blocks that carry at least one record
func (p Payload) Blocks() []uint64 {
	out := make([]uint64, 0, len(p))
	for i, rec := range p {
		if i == 0 || rec.Block != p[i-1].Block {
			out = append(out, rec.Block)
		}
	}

	return out
}

// Wire field numbers. Each record is a length-delimited field 1 holding a varint block
// (field 1) and the data bytes (field 2), so the encoding of a concatenation is the
// concatenation of encodings.
const (
	fieldRecord protowire.Number = 1
	fieldBlock  protowire.Number = 1
	fieldData   protowire.Number = 2
)

// Encode serializes the payload
func (p Payload) Encode() []byte {
	var buf []byte

	for _, rec := range p {
		var inner []byte
		inner = protowire.AppendTag(inner, fieldBlock, protowire.VarintType)
		inner = protowire.AppendVarint(inner, rec.Block)
		inner = protowire.AppendTag(inner, fieldData, protowire.BytesType)
		inner = protowire.AppendBytes(inner, rec.Data)

		buf = protowire.AppendTag(buf, fieldRecord, protowire.BytesType)
		buf = protowire.AppendBytes(buf, inner)
	}

	return buf
}

// DecodePayload parses bytes produced by Encode
func DecodePayload(b []byte) (Payload, error) {
	out := make(Payload, 0)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, protowire.ParseError(n))
		}

		b = b[n:]

		if num != fieldRecord || typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: unexpected field %d type %d", ErrInvalidPayload, num, typ)
		}

		inner, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, protowire.ParseError(n))
		}

		b = b[n:]

		rec, err := decodeRecord(inner)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	return out, nil
}

func decodeRecord(b []byte) (Record, error) {
	var (
		rec     Record
		hasData bool
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: %w", ErrInvalidPayload, protowire.ParseError(n))
		}

		b = b[n:]

		switch {
		case num == fieldBlock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: %w", ErrInvalidPayload, protowire.ParseError(n))
			}

			rec.Block = v
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: %w", ErrInvalidPayload, protowire.ParseError(n))
			}

			rec.Data = append([]byte{}, v...)
			hasData = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: %w", ErrInvalidPayload, protowire.ParseError(n))
			}

			b = b[n:]
		}
	}

	if !hasData {
		rec.Data = []byte{}
	}

	return rec, nil
}
