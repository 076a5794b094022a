// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package opaque implements the self-describing tagged binary codec used for
// TCP_CONNECT and HTTP metadata sub-payloads. The wire format is fixed by the
// tunneling protocol; this package only makes it usable from Go values.
package opaque

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Tag identifies the type of the value that follows on the wire.
type Tag byte

const (
	TagFalse Tag = iota
	TagTrue
	TagNull
	TagUndefined
	TagInteger
	TagFloat
	TagString
	TagBinary
	TagArray
	TagObject
	TagPosInfinity
	TagNegInfinity
	TagNaN
	TagUnknown
)

// ErrTrailingBytes is returned when a decode leaves unconsumed input.
var ErrTrailingBytes = errors.New("opaque: trailing bytes after top-level value")

// ErrTruncated is returned when the buffer ends before a complete value was read.
var ErrTruncated = errors.New("opaque: truncated value")

// Marshal encodes a Go value into the opaque wire format.
//
// Supported inputs: nil, bool, string, []byte, float64, int, int32, int64 and
// uint16 (encoded as Tag Integer via zigzag-ULEB128; other integer kinds are
// rejected as unsupported), []any (Array, elements may be
// Undefined-sentinel), map[string]any (Object; a nil map encodes as an empty
// object). Use the Undefined sentinel value to emit an explicit Undefined
// tag inside an array.
func Marshal(v any) ([]byte, error) {
	var buf []byte
	buf, err := appendValue(buf, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Undefined is the sentinel used to request a Tag Undefined inside arrays.
// Inside an Object, a key whose value is Undefined is omitted from the
// encoding entirely.
type undefinedType struct{}

var Undefined = undefinedType{}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, byte(TagNull)), nil
	case undefinedType:
		return append(buf, byte(TagUndefined)), nil
	case bool:
		if val {
			return append(buf, byte(TagTrue)), nil
		}
		return append(buf, byte(TagFalse)), nil
	case string:
		buf = append(buf, byte(TagString))
		return appendLenPrefixed(buf, []byte(val)), nil
	case []byte:
		buf = append(buf, byte(TagBinary))
		return appendLenPrefixed(buf, val), nil
	case float64:
		switch {
		case math.IsNaN(val):
			return append(buf, byte(TagNaN)), nil
		case math.IsInf(val, 1):
			return append(buf, byte(TagPosInfinity)), nil
		case math.IsInf(val, -1):
			return append(buf, byte(TagNegInfinity)), nil
		default:
			buf = append(buf, byte(TagFloat))
			var tmp [8]byte
			binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(val))
			return append(buf, tmp[:]...), nil
		}
	case int:
		return appendInteger(buf, int64(val)), nil
	case int32:
		return appendInteger(buf, int64(val)), nil
	case int64:
		return appendInteger(buf, val), nil
	case uint16:
		return appendInteger(buf, int64(val)), nil
	case []any:
		buf = append(buf, byte(TagArray))
		buf = appendUvarint(buf, uint64(len(val)))
		var err error
		for _, elem := range val {
			buf, err = appendValue(buf, elem)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	case map[string]any:
		buf = append(buf, byte(TagObject))
		count := 0
		for _, elemVal := range val {
			if _, isUndef := elemVal.(undefinedType); !isUndef {
				count++
			}
		}
		buf = appendUvarint(buf, uint64(count))
		var err error
		for k, elemVal := range val {
			if _, isUndef := elemVal.(undefinedType); isUndef {
				// Undefined is elided from objects: skip key and value entirely.
				continue
			}
			buf = appendLenPrefixed(buf, []byte(k))
			buf, err = appendValue(buf, elemVal)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("opaque: unsupported value type %T", v)
	}
}

func appendInteger(buf []byte, n int64) []byte {
	buf = append(buf, byte(TagInteger))
	return appendUvarint(buf, zigzagEncode(n))
}

func appendLenPrefixed(buf, data []byte) []byte {
	buf = appendUvarint(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func zigzagEncode(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// Unmarshal decodes exactly one top-level value from data, returning an
// error if any bytes remain afterward (per spec: trailing bytes are an
// error, never silently ignored).
func Unmarshal(data []byte) (any, error) {
	v, rest, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrTrailingBytes
	}
	return v, nil
}

func decodeValue(data []byte) (any, []byte, error) {
	if len(data) == 0 {
		return nil, nil, ErrTruncated
	}
	tag := Tag(data[0])
	rest := data[1:]
	switch tag {
	case TagFalse:
		return false, rest, nil
	case TagTrue:
		return true, rest, nil
	case TagNull:
		return nil, rest, nil
	case TagUndefined:
		return Undefined, rest, nil
	case TagInteger:
		u, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, nil, ErrTruncated
		}
		return zigzagDecode(u), rest[n:], nil
	case TagFloat:
		if len(rest) < 8 {
			return nil, nil, ErrTruncated
		}
		bits := binary.LittleEndian.Uint64(rest[:8])
		return math.Float64frombits(bits), rest[8:], nil
	case TagString:
		raw, tail, err := decodeLenPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		return string(raw), tail, nil
	case TagBinary:
		raw, tail, err := decodeLenPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, tail, nil
	case TagArray:
		count, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, nil, ErrTruncated
		}
		tail := rest[n:]
		arr := make([]any, 0, count)
		for i := uint64(0); i < count; i++ {
			var v any
			var err error
			v, tail, err = decodeValue(tail)
			if err != nil {
				return nil, nil, err
			}
			arr = append(arr, v)
		}
		return arr, tail, nil
	case TagObject:
		count, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, nil, ErrTruncated
		}
		tail := rest[n:]
		obj := make(map[string]any, count)
		for i := uint64(0); i < count; i++ {
			var key []byte
			var err error
			key, tail, err = decodeLenPrefixed(tail)
			if err != nil {
				return nil, nil, err
			}
			var v any
			v, tail, err = decodeValue(tail)
			if err != nil {
				return nil, nil, err
			}
			obj[string(key)] = v
		}
		return obj, tail, nil
	case TagPosInfinity:
		return math.Inf(1), rest, nil
	case TagNegInfinity:
		return math.Inf(-1), rest, nil
	case TagNaN:
		return math.NaN(), rest, nil
	case TagUnknown:
		return nil, rest, nil
	default:
		return nil, nil, fmt.Errorf("opaque: unknown tag byte 0x%02x", byte(tag))
	}
}

func decodeLenPrefixed(data []byte) ([]byte, []byte, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, ErrTruncated
	}
	data = data[n:]
	if uint64(len(data)) < length {
		return nil, nil, ErrTruncated
	}
	return data[:length], data[length:], nil
}
