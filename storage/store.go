package storage

// Store is the ordered key/value layer under the engine. Keys inside a bucket
// are kept in byte order; Scan walks them forwards or backwards.
//
// Implementations must not keep a read transaction open between calls: the
// engine's cursors resume scans in chunks, so a long pipeline never pins a
// snapshot while a writer is committing.
type Store interface {
	// Get returns the value for key, or nil if the key is absent.
	Get(bucket string, key []byte) ([]byte, error)

	// Scan calls fn for each key carrying opts.Prefix, beginning at opts.Start
	// (first key >= Start going forwards, last key <= Start going backwards).
	// Key and value slices are only valid during the callback. Returning
	// false from fn stops the scan.
	Scan(bucket string, opts ScanOptions, fn func(k, v []byte) bool) error

	// Apply writes all operations atomically.
	Apply(ops []Op) error

	// Close releases the underlying files.
	Close() error
}

// ScanOptions bounds a Store.Scan.
type ScanOptions struct {
	Prefix  []byte
	Start   []byte
	Reverse bool
	Limit   int // 0 = unlimited
}

// Op is one write in a batch; Delete ignores Value.
type Op struct {
	Bucket string
	Key    []byte
	Value  []byte
	Delete bool
}

// Bucket names inside the store.
const (
	bucketMeta    = "meta"
	bucketSchema  = "schema"
	bucketRecords = "rec"
	bucketIndex   = "idx"
	bucketAdj     = "adj"
)

var allBuckets = []string{bucketMeta, bucketSchema, bucketRecords, bucketIndex, bucketAdj}

// prefixSuccessor returns the smallest key that is greater than every key
// carrying prefix p, or nil if no such key exists (p is all 0xFF).
func prefixSuccessor(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// keySuccessor returns the smallest key strictly greater than k.
func keySuccessor(k []byte) []byte {
	out := make([]byte, len(k)+1)
	copy(out, k)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
