package storage

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// backends runs fn once per Store implementation.
func backends(t *testing.T, opts EngineOptions, fn func(t *testing.T, e *Engine)) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	t.Run("bolt", func(t *testing.T) {
		s, err := OpenBolt(filepath.Join(t.TempDir(), "test.db"), BoltOptions{NoSync: true})
		require.NoError(t, err)
		e, err := Open(s, opts)
		require.NoError(t, err)
		defer e.Close()
		fn(t, e)
	})
	t.Run("badger", func(t *testing.T) {
		s, err := OpenBadger(BadgerOptions{InMemory: true, LowMemory: true})
		require.NoError(t, err)
		e, err := Open(s, opts)
		require.NoError(t, err)
		defer e.Close()
		fn(t, e)
	})
}

func collectBucket(t *testing.T, tx *Tx, bucket int32, asc bool) []int64 {
	t.Helper()
	cur := tx.BucketCursor(bucket, asc)
	defer cur.Close()
	var out []int64
	for {
		rec, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		v, _ := rec.Get("n")
		out = append(out, v.(int64))
	}
}

func TestRIDParseAndString(t *testing.T) {
	rid, err := ParseRID("#12:34")
	require.NoError(t, err)
	assert.Equal(t, RID{Bucket: 12, Position: 34}, rid)
	assert.Equal(t, "#12:34", rid.String())
	assert.True(t, rid.IsPersistent())
	assert.False(t, RID{Bucket: -1, Position: -5}.IsPersistent())
	_, err = ParseRID("nope")
	assert.Error(t, err)
}

func TestKeyEncodingOrder(t *testing.T) {
	values := []any{
		nil, false, true,
		math.Inf(-1), -1e9, -3.5, -1, int64(0), 0.25, 1, int32(2), 1e12, math.Inf(1),
		"", "a", "a\x00b", "ab", "b", "ba",
		RID{Bucket: 0, Position: 1}, RID{Bucket: 1, Position: 0},
	}
	for i := 1; i < len(values); i++ {
		a := EncodeKey([]any{values[i-1]})
		b := EncodeKey([]any{values[i]})
		assert.Negative(t, bytes.Compare(a, b), "%v should sort before %v", values[i-1], values[i])
	}
	assert.Equal(t, EncodeKey([]any{math.Copysign(0, -1)}), EncodeKey([]any{0}))
}

func TestKeyEncodingPrefix(t *testing.T) {
	full := EncodeKey([]any{"x", 5})
	assert.True(t, bytes.HasPrefix(full, EncodeKey([]any{"x"})))
	assert.False(t, bytes.HasPrefix(EncodeKey([]any{"xy"}), EncodeKey([]any{"x"})))

	decoded, err := DecodeKey(EncodeKey([]any{"a\x00b", 7, true, nil, RID{Bucket: 3, Position: 9}}))
	require.NoError(t, err)
	assert.Equal(t, []any{"a\x00b", float64(7), true, nil, RID{Bucket: 3, Position: 9}}, decoded)
}

func TestRecordCodec(t *testing.T) {
	v := NewVertex("Person", Props{"name": "alice", "age": 30, "friend": RID{Bucket: 2, Position: 7}, "tags": []any{"x", 1}})
	v.setIdentity(RID{Bucket: 1, Position: 3})
	data, err := encodeRecord(v)
	require.NoError(t, err)

	rec, err := decodeRecord(v.Identity(), data)
	require.NoError(t, err)
	assert.Equal(t, KindVertex, rec.Kind())
	age, _ := rec.Get("age")
	assert.Equal(t, int64(30), age)
	friend, _ := rec.Get("friend")
	assert.Equal(t, RID{Bucket: 2, Position: 7}, friend)
	tags, _ := rec.Get("tags")
	assert.Equal(t, []any{"x", int64(1)}, tags)

	data[3] ^= 0xFF
	_, err = decodeRecord(v.Identity(), data)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestSchema(t *testing.T) {
	backends(t, EngineOptions{BucketsPerType: 2}, func(t *testing.T, e *Engine) {
		_, err := e.CreateType("Animal", KindVertex)
		require.NoError(t, err)
		_, err = e.CreateType("Dog", KindVertex, "Animal")
		require.NoError(t, err)
		_, err = e.CreateType("Dog", KindVertex)
		assert.ErrorIs(t, err, ErrTypeExists)
		_, err = e.CreateType("Weird", KindEdge, "Animal")
		assert.ErrorIs(t, err, ErrWrongKind)

		own, err := e.BucketsOf("Animal", false)
		require.NoError(t, err)
		assert.Equal(t, []int32{0, 1}, own)
		all, err := e.BucketsOf("Animal", true)
		require.NoError(t, err)
		assert.Equal(t, []int32{0, 1, 2, 3}, all)

		assert.Equal(t, []string{"Dog"}, e.SubTypes("Animal"))
		assert.True(t, e.IsSubTypeOf("Dog", "Animal"))

		name, err := e.BucketName(3)
		require.NoError(t, err)
		assert.Equal(t, "dog_1", name)
		id, err := e.BucketID("dog")
		require.NoError(t, err)
		assert.Equal(t, int32(2), id)

		_, err = e.Type("Cat")
		assert.ErrorIs(t, err, ErrTypeNotFound)
	})
}

func TestBucketCursorChunksAndOrder(t *testing.T) {
	backends(t, EngineOptions{ScanChunk: 2}, func(t *testing.T, e *Engine) {
		_, err := e.CreateType("Item", KindDocument)
		require.NoError(t, err)
		tx := e.Begin()
		for i := 0; i < 9; i++ {
			_, err := tx.Save(NewDocument("Item", Props{"n": i}), "")
			require.NoError(t, err)
		}
		require.NoError(t, tx.Commit())

		tx = e.Begin()
		defer tx.Rollback()
		assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8}, collectBucket(t, tx, 0, true))
		assert.Equal(t, []int64{8, 7, 6, 5, 4, 3, 2, 1, 0}, collectBucket(t, tx, 0, false))
	})
}

func TestTxOverlay(t *testing.T) {
	backends(t, EngineOptions{}, func(t *testing.T, e *Engine) {
		_, err := e.CreateType("Item", KindDocument)
		require.NoError(t, err)
		tx := e.Begin()
		var rids []RID
		for i := 0; i < 3; i++ {
			rid, err := tx.Save(NewDocument("Item", Props{"n": i}), "")
			require.NoError(t, err)
			rids = append(rids, rid)
		}
		require.NoError(t, tx.Commit())

		tx = e.Begin()
		// New rows are only visible through the pseudo-bucket.
		_, err = tx.Save(NewDocument("Item", Props{"n": 10}), "")
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 1, 2}, collectBucket(t, tx, 0, true))
		pending := tx.Uncommitted([]int32{0}, true)
		require.Len(t, pending, 1)

		// Updates and deletes are visible to scans.
		rec, err := tx.Load(rids[1])
		require.NoError(t, err)
		rec.(MutableRecord).Set("n", 11)
		_, err = tx.Save(rec, "")
		require.NoError(t, err)
		require.NoError(t, tx.Delete(rids[0]))
		assert.Equal(t, []int64{11, 2}, collectBucket(t, tx, 0, true))

		n, err := tx.CountType("Item", true)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		require.NoError(t, tx.Commit())

		tx = e.Begin()
		defer tx.Rollback()
		assert.Equal(t, []int64{11, 2, 10}, collectBucket(t, tx, 0, true))
		_, err = tx.Load(rids[0])
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, int64(3), e.CountBucket(0))
	})
}

func TestRollbackDiscards(t *testing.T) {
	backends(t, EngineOptions{}, func(t *testing.T, e *Engine) {
		_, err := e.CreateType("Item", KindDocument)
		require.NoError(t, err)
		tx := e.Begin()
		_, err = tx.Save(NewDocument("Item", Props{"n": 1}), "")
		require.NoError(t, err)
		tx.Rollback()
		_, err = tx.Save(NewDocument("Item", nil), "")
		assert.ErrorIs(t, err, ErrTxDone)

		tx = e.Begin()
		defer tx.Rollback()
		assert.Empty(t, collectBucket(t, tx, 0, true))
	})
}

func TestRestartCommitsAndContinues(t *testing.T) {
	backends(t, EngineOptions{}, func(t *testing.T, e *Engine) {
		_, err := e.CreateType("Item", KindDocument)
		require.NoError(t, err)
		tx := e.Begin()
		_, err = tx.Save(NewDocument("Item", Props{"n": 1}), "")
		require.NoError(t, err)
		require.NoError(t, tx.Restart())
		assert.Equal(t, 1, tx.Commits())
		assert.True(t, tx.Active())
		assert.Equal(t, 0, tx.Pending())
		assert.Equal(t, []int64{1}, collectBucket(t, tx, 0, true))
		tx.Rollback()
	})
}

func setupIndexed(t *testing.T, e *Engine, nulls NullStrategy) (*IndexDef, map[int]RID) {
	t.Helper()
	_, err := e.CreateType("Item", KindDocument)
	require.NoError(t, err)
	idx, err := e.CreateIndex(IndexDef{Name: "Item.a", Type: "Item", Properties: []string{"a"}, Nulls: nulls})
	require.NoError(t, err)
	tx := e.Begin()
	rids := map[int]RID{}
	for i := 1; i <= 12; i++ {
		rid, err := tx.Save(NewDocument("Item", Props{"a": i}), "")
		require.NoError(t, err)
		rids[i] = rid
	}
	_, err = tx.Save(NewDocument("Item", Props{"a": "text"}), "")
	require.NoError(t, err)
	_, err = tx.Save(NewDocument("Item", Props{"b": 1}), "")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return idx, rids
}

func scanKeys(t *testing.T, cur *IndexCursor) []float64 {
	t.Helper()
	var out []float64
	for {
		e, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		switch k := e.Key[0].(type) {
		case int64:
			out = append(out, float64(k))
		default:
			out = append(out, k.(float64))
		}
	}
}

func TestIndexKeyKeepsNumberType(t *testing.T) {
	backends(t, EngineOptions{}, func(t *testing.T, e *Engine) {
		_, err := e.CreateType("Item", KindDocument)
		require.NoError(t, err)
		idx, err := e.CreateIndex(IndexDef{Name: "Item.a_b", Type: "Item", Properties: []string{"a", "b"}, Nulls: NullIndex})
		require.NoError(t, err)

		tx := e.Begin()
		for _, p := range []Props{
			{"a": int64(7), "b": "x"},
			{"a": 7.0, "b": "x"},
			{"a": 2.5, "b": "y"},
			{"a": 3},
		} {
			_, err := tx.Save(NewDocument("Item", p), "")
			require.NoError(t, err)
		}
		require.NoError(t, tx.Commit())

		tx = e.Begin()
		defer tx.Rollback()
		cur, err := tx.IndexCursor(idx, RangeQuery{Ascending: true})
		require.NoError(t, err)
		var keys [][]any
		for {
			entry, ok, err := cur.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			keys = append(keys, entry.Key)
		}
		require.Len(t, keys, 3)
		assert.Equal(t, []any{2.5, "y"}, keys[0])
		assert.ElementsMatch(t, []any{[]any{int64(7), "x"}, []any{7.0, "x"}}, []any{keys[1], keys[2]})

		nulls, err := tx.IndexNullCursor(idx, true)
		require.NoError(t, err)
		entry, ok, err := nulls.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []any{int64(3), nil}, entry.Key)

		rids, err := tx.Lookup(idx, 7, "x")
		require.NoError(t, err)
		assert.Len(t, rids, 2)
	})
}

func TestIndexRanges(t *testing.T) {
	backends(t, EngineOptions{ScanChunk: 3}, func(t *testing.T, e *Engine) {
		idx, _ := setupIndexed(t, e, NullIndex)
		tx := e.Begin()
		defer tx.Rollback()

		tests := []struct {
			name string
			q    RangeQuery
			want []float64
		}{
			{"gt-lte", RangeQuery{From: []any{5}, To: []any{10}, ToInclusive: true, Ascending: true}, []float64{6, 7, 8, 9, 10}},
			{"gte-lt", RangeQuery{From: []any{5}, FromInclusive: true, To: []any{7}, Ascending: true}, []float64{5, 6}},
			{"eq", Equal(3), []float64{3}},
			{"gt-open", RangeQuery{From: []any{10}, Ascending: true}, []float64{11, 12}},
			{"lt-open-desc", RangeQuery{To: []any{3}}, []float64{2, 1}},
			{"desc", RangeQuery{From: []any{4}, FromInclusive: true, To: []any{6}, ToInclusive: true}, []float64{6, 5, 4}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cur, err := tx.IndexCursor(idx, tt.q)
				require.NoError(t, err)
				assert.Equal(t, tt.want, scanKeys(t, cur))
			})
		}

		nulls, err := tx.IndexNullCursor(idx, true)
		require.NoError(t, err)
		e1, ok, err := nulls.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []any{nil}, e1.Key)
		_, ok, _ = nulls.Next()
		assert.False(t, ok)

		n, err := tx.CountIndex(idx)
		require.NoError(t, err)
		assert.Equal(t, int64(14), n)
	})
}

func TestIndexMaintenance(t *testing.T) {
	backends(t, EngineOptions{}, func(t *testing.T, e *Engine) {
		idx, rids := setupIndexed(t, e, NullSkip)
		tx := e.Begin()
		rec, err := tx.Load(rids[3])
		require.NoError(t, err)
		rec.(MutableRecord).Set("a", 100)
		_, err = tx.Save(rec, "")
		require.NoError(t, err)
		require.NoError(t, tx.Delete(rids[4]))
		added, err := tx.Save(NewDocument("Item", Props{"a": 3.0}), "")
		require.NoError(t, err)

		got, err := tx.Lookup(idx, 3)
		require.NoError(t, err)
		assert.Equal(t, []RID{added}, got)
		got, err = tx.Lookup(idx, 4)
		require.NoError(t, err)
		assert.Empty(t, got)
		got, err = tx.Lookup(idx, 100)
		require.NoError(t, err)
		assert.Equal(t, []RID{rids[3]}, got)
		require.NoError(t, tx.Commit())

		tx = e.Begin()
		defer tx.Rollback()
		got, err = tx.Lookup(idx, 100)
		require.NoError(t, err)
		assert.Equal(t, []RID{rids[3]}, got)
		n, err := tx.CountIndex(idx)
		require.NoError(t, err)
		assert.Equal(t, int64(13), n, "record without a skips the index")
	})
}

func TestUniqueIndex(t *testing.T) {
	backends(t, EngineOptions{}, func(t *testing.T, e *Engine) {
		_, err := e.CreateType("User", KindVertex)
		require.NoError(t, err)
		_, err = e.CreateIndex(IndexDef{Name: "User.email", Type: "User", Properties: []string{"email"}, Unique: true})
		require.NoError(t, err)

		tx := e.Begin()
		rid, err := tx.Save(NewVertex("User", Props{"email": "a@x"}), "")
		require.NoError(t, err)
		_, err = tx.Save(NewVertex("User", Props{"email": "a@x"}), "")
		assert.ErrorIs(t, err, ErrDuplicateKey)

		// Re-saving the owner of the key is fine.
		rec, err := tx.Load(rid)
		require.NoError(t, err)
		rec.(MutableRecord).Set("name", "a")
		_, err = tx.Save(rec, "")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		_, err = e.CreateIndex(IndexDef{Name: "User.email", Type: "User", Properties: []string{"email"}})
		assert.ErrorIs(t, err, ErrIndexExists)
	})
}

func TestSuperTypeIndexCoversSubtypes(t *testing.T) {
	backends(t, EngineOptions{}, func(t *testing.T, e *Engine) {
		_, err := e.CreateType("Animal", KindVertex)
		require.NoError(t, err)
		_, err = e.CreateType("Dog", KindVertex, "Animal")
		require.NoError(t, err)
		idx, err := e.CreateIndex(IndexDef{Name: "Animal.name", Type: "Animal", Properties: []string{"name"}})
		require.NoError(t, err)
		assert.Equal(t, []*IndexDef{idx}, e.IndexesOf("Dog"))
		assert.Empty(t, e.IndexesOf("Nothing"))

		tx := e.Begin()
		defer tx.Rollback()
		rid, err := tx.Save(NewVertex("Dog", Props{"name": "rex"}), "")
		require.NoError(t, err)
		got, err := tx.Lookup(idx, "rex")
		require.NoError(t, err)
		assert.Equal(t, []RID{rid}, got)
	})
}

func buildChain(t *testing.T, tx *Tx, names ...string) []RID {
	t.Helper()
	var rids []RID
	for _, n := range names {
		rid, err := tx.Save(NewVertex("V", Props{"name": n}), "")
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	for i := 1; i < len(rids); i++ {
		_, err := tx.NewEdge("Next", rids[i-1], rids[i], Props{"i": i})
		require.NoError(t, err)
	}
	return rids
}

func TestGraphAdjacency(t *testing.T) {
	backends(t, EngineOptions{}, func(t *testing.T, e *Engine) {
		_, err := e.CreateType("V", KindVertex)
		require.NoError(t, err)
		_, err = e.CreateType("Next", KindEdge)
		require.NoError(t, err)
		_, err = e.CreateType("Link", KindEdge)
		require.NoError(t, err)

		tx := e.Begin()
		rids := buildChain(t, tx, "A", "B", "C")
		light, err := tx.NewLightweightEdge("Link", rids[0], rids[2])
		require.NoError(t, err)
		assert.False(t, light.Identity().IsPersistent())
		require.NoError(t, tx.Commit())

		tx = e.Begin()
		out, err := tx.Edges(rids[0], Out)
		require.NoError(t, err)
		require.Len(t, out, 2)

		next, err := tx.Edges(rids[0], Out, "Next")
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, rids[1], next[0].In)
		i, _ := next[0].Get("i")
		assert.Equal(t, int64(1), i)

		both, err := tx.Vertices(rids[1], Both, "Next")
		require.NoError(t, err)
		require.Len(t, both, 2)
		assert.Equal(t, rids[2], both[0].Identity(), "outgoing first")
		assert.Equal(t, rids[0], both[1].Identity())

		ok, err := tx.IsConnectedTo(rids[0], rids[2], Out, "Link")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.IsConnectedTo(rids[2], rids[0], Out)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = tx.NewEdge("Next", rids[0], next[0].Identity(), nil)
		assert.ErrorIs(t, err, ErrWrongKind)

		// Deleting B removes both of its edges.
		require.NoError(t, tx.Delete(rids[1]))
		deg, err := tx.Degree(rids[0], Out, "Next")
		require.NoError(t, err)
		assert.Zero(t, deg)
		deg, err = tx.Degree(rids[2], In)
		require.NoError(t, err)
		assert.Equal(t, 1, deg, "lightweight edge survives")
		require.NoError(t, tx.Commit())

		report, err := e.Verify()
		require.NoError(t, err)
		assert.True(t, report.OK(), "%v", report.Errors)
		n, err := e.CountType("Next", false)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestReopenBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := OpenBolt(path, BoltOptions{})
	require.NoError(t, err)
	e, err := Open(s, EngineOptions{Logger: quietLogger()})
	require.NoError(t, err)
	_, err = e.CreateType("Item", KindDocument)
	require.NoError(t, err)
	_, err = e.CreateIndex(IndexDef{Name: "Item.n", Type: "Item", Properties: []string{"n"}})
	require.NoError(t, err)
	tx := e.Begin()
	for i := 0; i < 5; i++ {
		_, err := tx.Save(NewDocument("Item", Props{"n": i}), "")
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
	require.NoError(t, e.Close())

	s, err = OpenBolt(path, BoltOptions{})
	require.NoError(t, err)
	e, err = Open(s, EngineOptions{Logger: quietLogger()})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, int64(5), e.CountBucket(0))
	idx, err := e.Index("Item.n")
	require.NoError(t, err)
	tx = e.Begin()
	rid, err := tx.Save(NewDocument("Item", Props{"n": 5}), "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rid.Position, "positions continue after reopen")
	got, err := tx.Lookup(idx, 2)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	tx.Rollback()
}

func TestRecordCacheEviction(t *testing.T) {
	c := newRecordCache(recordCacheShards) // one entry per shard
	for i := 0; i < 100; i++ {
		d := NewDocument("T", Props{"i": i})
		d.setIdentity(RID{Bucket: 0, Position: int64(i)})
		c.put(d)
	}
	assert.LessOrEqual(t, c.len(), recordCacheShards)

	d := NewDocument("T", Props{"i": 1})
	d.setIdentity(RID{Bucket: 9, Position: 9})
	c.put(d)
	got := c.get(d.Identity())
	require.NotNil(t, got)
	got.(MutableRecord).Set("i", 2)
	v, _ := c.get(d.Identity()).Get("i")
	assert.Equal(t, 1, v, "cache returns copies")

	c.invalidate(d.Identity())
	assert.Nil(t, c.get(d.Identity()))

	disabled := newRecordCache(-1)
	disabled.put(d)
	assert.Nil(t, disabled.get(d.Identity()))
}

func TestStoreReverseScanWithStart(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"bolt": func(t *testing.T) Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "s.db"), BoltOptions{NoSync: true})
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) Store {
			s, err := OpenBadger(BadgerOptions{InMemory: true, LowMemory: true})
			require.NoError(t, err)
			return s
		},
	}
	names := make([]string, 0, len(stores))
	for n := range stores {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			s := stores[name](t)
			defer s.Close()
			var ops []Op
			for i := 0; i < 6; i++ {
				ops = append(ops, Op{Bucket: bucketIndex, Key: []byte(fmt.Sprintf("k%d", i)), Value: []byte{byte(i)}})
			}
			ops = append(ops, Op{Bucket: bucketIndex, Key: []byte("z0"), Value: []byte{9}})
			require.NoError(t, s.Apply(ops))

			var got []string
			err := s.Scan(bucketIndex, ScanOptions{Prefix: []byte("k"), Start: []byte("k3"), Reverse: true}, func(k, v []byte) bool {
				got = append(got, string(k))
				return true
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"k3", "k2", "k1", "k0"}, got)

			got = nil
			err = s.Scan(bucketIndex, ScanOptions{Prefix: []byte("k"), Reverse: true, Limit: 2}, func(k, v []byte) bool {
				got = append(got, string(k))
				return true
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"k5", "k4"}, got)
		})
	}
}

func TestListValuedIndex(t *testing.T) {
	backends(t, EngineOptions{}, func(t *testing.T, e *Engine) {
		_, err := e.CreateType("Post", KindDocument)
		require.NoError(t, err)
		idx, err := e.CreateIndex(IndexDef{Name: "Post.tags", Type: "Post", Properties: []string{"tags"}})
		require.NoError(t, err)

		tx := e.Begin()
		defer tx.Rollback()
		rid, err := tx.Save(NewDocument("Post", Props{"tags": []any{"go", "db"}}), "")
		require.NoError(t, err)
		for _, tag := range []string{"go", "db"} {
			got, err := tx.Lookup(idx, tag)
			require.NoError(t, err)
			assert.Equal(t, []RID{rid}, got, tag)
		}

		rec, err := tx.Load(rid)
		require.NoError(t, err)
		rec.(MutableRecord).Set("tags", []any{"db"})
		_, err = tx.Save(rec, "")
		require.NoError(t, err)
		got, err := tx.Lookup(idx, "go")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
