package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir is the data directory; ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in RAM (tests, scratch databases).
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// LowMemory shrinks memtables and caches.
	LowMemory bool
}

// BadgerStore is a Store backed by badger. Buckets are emulated with a
// "bucket\x00" key prefix.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens a badger database.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(8 << 20).
			WithNumMemtables(1).
			WithNumLevelZeroTables(1).
			WithNumLevelZeroTablesStall(2).
			WithBlockCacheSize(8 << 20).
			WithIndexCacheSize(4 << 20)
	}
	// Quiet by default; the engine logs through slog.
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(bucket string, key []byte) []byte {
	out := make([]byte, 0, len(bucket)+1+len(key))
	out = append(out, bucket...)
	out = append(out, 0x00)
	return append(out, key...)
}

func (s *BadgerStore) Get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(bucket, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *BadgerStore) Scan(bucket string, opts ScanOptions, fn func(k, v []byte) bool) error {
	fullPrefix := badgerKey(bucket, opts.Prefix)
	strip := len(bucket) + 1

	return s.db.View(func(txn *badger.Txn) error {
		// No itOpts.Prefix: a reverse seek must be able to land just past the
		// range and walk back into it.
		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = opts.Reverse
		it := txn.NewIterator(itOpts)
		defer it.Close()

		var seek []byte
		switch {
		case opts.Start != nil:
			seek = badgerKey(bucket, opts.Start)
		case opts.Reverse:
			seek = prefixSuccessor(fullPrefix)
		default:
			seek = fullPrefix
		}
		if !opts.Reverse && bytes.Compare(seek, fullPrefix) < 0 {
			seek = fullPrefix
		}

		n := 0
		for it.Seek(seek); it.Valid(); it.Next() {
			item := it.Item()
			k := item.Key()
			if !bytes.HasPrefix(k, fullPrefix) {
				// Reverse seeks may land past the prefix range; step back into it.
				if opts.Reverse && bytes.Compare(k, fullPrefix) > 0 {
					continue
				}
				return nil
			}
			if opts.Reverse && opts.Start != nil && bytes.Compare(k, seek) > 0 {
				continue
			}
			if opts.Limit > 0 && n >= opts.Limit {
				return nil
			}
			n++
			var keep bool
			err := item.Value(func(v []byte) error {
				keep = fn(k[strip:], v)
				return nil
			})
			if err != nil {
				return err
			}
			if !keep {
				return nil
			}
		}
		return nil
	})
}

func (s *BadgerStore) Apply(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			key := badgerKey(op.Bucket, op.Key)
			var err error
			if op.Delete {
				err = txn.Delete(key)
			} else {
				val := op.Value
				if val == nil {
					val = []byte{}
				}
				err = txn.Set(key, val)
			}
			if err != nil {
				return fmt.Errorf("storage: badger write to %s: %w", op.Bucket, err)
			}
		}
		return nil
	})
}

// FileSize returns the on-disk size of the LSM tree and value log.
func (s *BadgerStore) FileSize() (int64, error) {
	lsm, vlog := s.db.Size()
	return lsm + vlog, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
