package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Key encoding helpers. All integer keys are big-endian so byte order matches
// numeric order inside the B+tree / LSM.

const ridKeyLen = 12

// encodeRID encodes a RID as bucket(4) + position(8).
func encodeRID(r RID) []byte {
	buf := make([]byte, ridKeyLen)
	putRID(buf, r)
	return buf
}

func putRID(buf []byte, r RID) {
	binary.BigEndian.PutUint32(buf[:4], uint32(r.Bucket))
	binary.BigEndian.PutUint64(buf[4:12], uint64(r.Position))
}

func decodeRID(b []byte) RID {
	return RID{
		Bucket:   int32(binary.BigEndian.Uint32(b[:4])),
		Position: int64(binary.BigEndian.Uint64(b[4:12])),
	}
}

// encodeBucketPrefix is the key prefix of every record of a bucket.
func encodeBucketPrefix(bucket int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(bucket))
	return buf
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Magic bytes for record encoding format detection.
const recordMagicCRC byte = 0x02

// crc32Table is the precomputed Castagnoli CRC32 table.
var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// recordEnvelope is the msgpack shape of a stored record.
type recordEnvelope struct {
	Type  string         `msgpack:"t"`
	Kind  Kind           `msgpack:"k"`
	Props map[string]any `msgpack:"p"`
	OutB  int32          `msgpack:"ob,omitempty"`
	OutP  int64          `msgpack:"op,omitempty"`
	InB   int32          `msgpack:"ib,omitempty"`
	InP   int64          `msgpack:"ip,omitempty"`
}

// encodeRecord serializes a record to MessagePack with a CRC32 checksum.
// Format: magic(1) + msgpack_data + crc32(4)
func encodeRecord(rec Record) ([]byte, error) {
	env := recordEnvelope{Type: rec.TypeName(), Kind: rec.Kind(), Props: make(map[string]any)}
	for _, name := range rec.PropertyNames() {
		v, _ := rec.Get(name)
		env.Props[name] = toWire(v)
	}
	if e, ok := rec.(*Edge); ok {
		env.OutB, env.OutP = e.Out.Bucket, e.Out.Position
		env.InB, env.InP = e.In.Bucket, e.In.Position
	}
	raw, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("storage: encode record: %w", err)
	}
	buf := make([]byte, 1+len(raw)+4)
	buf[0] = recordMagicCRC
	copy(buf[1:], raw)
	checksum := crc32.Checksum(buf[:1+len(raw)], crc32Table)
	binary.BigEndian.PutUint32(buf[1+len(raw):], checksum)
	return buf, nil
}

// decodeRecord verifies the checksum and rebuilds the record with identity rid.
func decodeRecord(rid RID, data []byte) (Record, error) {
	if len(data) < 5 || data[0] != recordMagicCRC {
		return nil, fmt.Errorf("%w: %s has unknown format", ErrCorrupted, rid)
	}
	payload := data[:len(data)-4]
	stored := binary.BigEndian.Uint32(data[len(data)-4:])
	if actual := crc32.Checksum(payload, crc32Table); stored != actual {
		return nil, fmt.Errorf("%w: %s (stored=%08x actual=%08x)", ErrCorrupted, rid, stored, actual)
	}

	var env recordEnvelope
	dec := msgpack.NewDecoder(bytes.NewReader(payload[1:]))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("storage: decode record %s: %w", rid, err)
	}
	props := make(Props, len(env.Props))
	for k, v := range env.Props {
		props[k] = fromWire(v)
	}

	doc := Document{rid: rid, typeName: env.Type, props: props}
	switch env.Kind {
	case KindVertex:
		return &Vertex{Document: doc}, nil
	case KindEdge:
		return &Edge{
			Document: doc,
			Out:      RID{Bucket: env.OutB, Position: env.OutP},
			In:       RID{Bucket: env.InB, Position: env.InP},
		}, nil
	default:
		return &doc, nil
	}
}

// ridWireKey marks a link value inside a msgpack property map.
const ridWireKey = "$rid"

// toWire rewrites values msgpack cannot round-trip through interface{} (RIDs).
func toWire(v any) any {
	switch t := v.(type) {
	case RID:
		return map[string]any{ridWireKey: []int64{int64(t.Bucket), t.Position}}
	case *RID:
		if t == nil {
			return nil
		}
		return toWire(*t)
	case Record:
		return toWire(t.Identity())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = toWire(e)
		}
		return out
	case []RID:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = toWire(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = toWire(e)
		}
		return out
	}
	return v
}

func fromWire(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if raw, ok := t[ridWireKey]; ok && len(t) == 1 {
			if parts, ok := raw.([]any); ok && len(parts) == 2 {
				b, _ := NormalizeValue(parts[0]).(int64)
				p, _ := NormalizeValue(parts[1]).(int64)
				return RID{Bucket: int32(b), Position: p}
			}
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromWire(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromWire(e)
		}
		return out
	}
	return NormalizeValue(v)
}

// NormalizeValue folds Go numeric types into int64/float64 so values compare
// and hash the same whether they came from user code or from storage.
func NormalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return float64(n)
	case *RID:
		if n == nil {
			return nil
		}
		return *n
	case time.Time:
		return n.UTC()
	}
	return v
}
