package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// fieldValue holds whichever representation ConsumeTagValueTyped decoded,
// keyed by the wire type it was consumed as.
type fieldValue struct {
	bytes   []byte
	varint  uint64
	fixed64 uint64
}

// consumeTagValueTyped consumes one tag plus its value from b, returning the
// field number, the decoded value (in whichever slot matches typ), the wire
// type, and the remaining bytes.
func consumeTagValueTyped(b []byte) (num protowire.Number, v fieldValue, typ protowire.Type, rest []byte, err error) {
	num, typ, tagLen := protowire.ConsumeTag(b)
	if tagLen < 0 {
		return 0, fieldValue{}, 0, nil, tagError(tagLen)
	}
	b = b[tagLen:]
	switch typ {
	case protowire.VarintType:
		val, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, fieldValue{}, 0, nil, tagError(n)
		}
		return num, fieldValue{varint: val}, typ, b[n:], nil
	case protowire.Fixed64Type:
		val, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return 0, fieldValue{}, 0, nil, tagError(n)
		}
		return num, fieldValue{fixed64: val}, typ, b[n:], nil
	case protowire.Fixed32Type:
		val, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, fieldValue{}, 0, nil, tagError(n)
		}
		return num, fieldValue{varint: uint64(val)}, typ, b[n:], nil
	case protowire.BytesType:
		val, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, fieldValue{}, 0, nil, tagError(n)
		}
		return num, fieldValue{bytes: val}, typ, b[n:], nil
	default:
		return 0, fieldValue{}, 0, nil, &DecodeError{Kind: UnknownTag, Err: fmt.Errorf("unsupported wire type %d", typ)}
	}
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, []byte(s))
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendFixed64Field(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}
