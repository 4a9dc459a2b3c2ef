package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Order-preserving encoding of index keys. Each column is a type tag followed
// by a self-delimiting body, so the encoding of a key prefix is a byte prefix
// of the encoding of the full key and bytes.Compare agrees with CompareKeys
// inside one type. Across types the order is nil < bool < number < time <
// string < rid.
const (
	tagNil    byte = 0x05
	tagBool   byte = 0x10
	tagNumber byte = 0x20
	tagTime   byte = 0x28
	tagString byte = 0x30
	tagRID    byte = 0x40
)

// EncodeKey encodes a composite index key.
func EncodeKey(values []any) []byte {
	var out []byte
	for _, v := range values {
		out = appendKeyValue(out, v)
	}
	return out
}

// keyTag returns the type tag a value encodes with.
func keyTag(v any) byte {
	switch NormalizeValue(v).(type) {
	case nil:
		return tagNil
	case bool:
		return tagBool
	case int64, float64:
		return tagNumber
	case time.Time:
		return tagTime
	case RID:
		return tagRID
	}
	return tagString
}

func appendKeyValue(out []byte, v any) []byte {
	switch t := NormalizeValue(v).(type) {
	case nil:
		return append(out, tagNil)
	case bool:
		if t {
			return append(out, tagBool, 1)
		}
		return append(out, tagBool, 0)
	case int64:
		return appendNumber(out, float64(t))
	case float64:
		return appendNumber(out, t)
	case time.Time:
		out = append(out, tagTime)
		return binary.BigEndian.AppendUint64(out, uint64(t.UnixNano())^(1<<63))
	case RID:
		out = append(out, tagRID)
		out = binary.BigEndian.AppendUint32(out, uint32(t.Bucket)^(1<<31))
		return binary.BigEndian.AppendUint64(out, uint64(t.Position)^(1<<63))
	case string:
		return appendString(out, t)
	default:
		return appendString(out, fmt.Sprint(t))
	}
}

// appendNumber writes a float64 so that unsigned byte order equals numeric order.
func appendNumber(out []byte, f float64) []byte {
	if f == 0 {
		f = 0 // fold -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	out = append(out, tagNumber)
	return binary.BigEndian.AppendUint64(out, bits)
}

// appendString escapes 0x00 as 0x00 0xFF and terminates with 0x00 0x01.
func appendString(out []byte, s string) []byte {
	out = append(out, tagString)
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			out = append(out, 0x00, 0xFF)
			continue
		}
		out = append(out, s[i])
	}
	return append(out, 0x00, 0x01)
}

// DecodeKey reverses EncodeKey. Integers come back as float64; index cursors
// restore them from the entry kinds.
func DecodeKey(b []byte) ([]any, error) {
	var out []any
	for len(b) > 0 {
		tag := b[0]
		b = b[1:]
		switch tag {
		case tagNil:
			out = append(out, nil)
		case tagBool:
			if len(b) < 1 {
				return nil, fmt.Errorf("storage: truncated bool key")
			}
			out = append(out, b[0] == 1)
			b = b[1:]
		case tagNumber:
			if len(b) < 8 {
				return nil, fmt.Errorf("storage: truncated number key")
			}
			bits := binary.BigEndian.Uint64(b)
			if bits&(1<<63) != 0 {
				bits &^= 1 << 63
			} else {
				bits = ^bits
			}
			out = append(out, math.Float64frombits(bits))
			b = b[8:]
		case tagTime:
			if len(b) < 8 {
				return nil, fmt.Errorf("storage: truncated time key")
			}
			ns := int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
			out = append(out, time.Unix(0, ns).UTC())
			b = b[8:]
		case tagRID:
			if len(b) < 12 {
				return nil, fmt.Errorf("storage: truncated rid key")
			}
			out = append(out, RID{
				Bucket:   int32(binary.BigEndian.Uint32(b) ^ (1 << 31)),
				Position: int64(binary.BigEndian.Uint64(b[4:]) ^ (1 << 63)),
			})
			b = b[12:]
		case tagString:
			var s []byte
			i := 0
			for {
				if i+1 >= len(b) {
					return nil, fmt.Errorf("storage: unterminated string key")
				}
				if b[i] == 0x00 {
					if b[i+1] == 0x01 {
						break
					}
					s = append(s, 0x00)
					i += 2
					continue
				}
				s = append(s, b[i])
				i++
			}
			out = append(out, string(s))
			b = b[i+2:]
		default:
			return nil, fmt.Errorf("storage: unknown key tag 0x%02x", tag)
		}
	}
	return out, nil
}

// keyHasNil reports whether any column of the key is nil.
func keyHasNil(values []any) bool {
	for _, v := range values {
		if v == nil {
			return true
		}
	}
	return false
}
