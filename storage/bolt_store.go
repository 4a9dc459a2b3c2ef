package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// boltSyncInterval is how often the background goroutine calls db.Sync()
// when NoSync is enabled. At most this much committed data may be lost on an
// unclean shutdown.
const boltSyncInterval = 200 * time.Millisecond

// BoltOptions configures a BoltStore.
type BoltOptions struct {
	// NoSync disables fsync after each commit; a background goroutine syncs
	// every boltSyncInterval instead.
	NoSync bool
	// ReadOnly opens the file without write access.
	ReadOnly bool
	// MmapSize is the initial mmap size in bytes. Default: 64MB.
	MmapSize int
}

// BoltStore is a Store backed by a single bbolt file.
type BoltStore struct {
	db   *bolt.DB
	path string

	stopSync chan struct{} // closed to stop background sync (nil if NoSync=false)
	syncDone chan struct{}
}

// OpenBolt opens or creates a bbolt file at path.
func OpenBolt(path string, opts BoltOptions) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: failed to create directory %s: %w", dir, err)
	}

	boltOpts := *bolt.DefaultOptions
	boltOpts.NoSync = opts.NoSync
	boltOpts.ReadOnly = opts.ReadOnly
	boltOpts.Timeout = time.Second
	boltOpts.InitialMmapSize = 64 * 1024 * 1024
	if opts.MmapSize > 0 {
		boltOpts.InitialMmapSize = opts.MmapSize
	}

	db, err := bolt.Open(path, 0600, &boltOpts)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open bolt db at %s: %w", path, err)
	}

	s := &BoltStore{db: db, path: path}

	if !opts.ReadOnly {
		err := db.Update(func(tx *bolt.Tx) error {
			for _, name := range allBuckets {
				if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
					return fmt.Errorf("storage: failed to create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	if opts.NoSync && !opts.ReadOnly {
		s.stopSync = make(chan struct{})
		s.syncDone = make(chan struct{})
		go s.backgroundSync()
	}
	return s, nil
}

func (s *BoltStore) Get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		out = cloneBytes(b.Get(key))
		return nil
	})
	return out, err
}

func (s *BoltStore) Scan(bucket string, opts ScanOptions, fn func(k, v []byte) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		n := 0
		emit := func(k, v []byte) bool {
			if opts.Limit > 0 && n >= opts.Limit {
				return false
			}
			n++
			return fn(k, v)
		}

		if !opts.Reverse {
			start := opts.Start
			if start == nil || bytes.Compare(start, opts.Prefix) < 0 {
				start = opts.Prefix
			}
			for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, opts.Prefix); k, v = c.Next() {
				if !emit(k, v) {
					return nil
				}
			}
			return nil
		}

		var k, v []byte
		seek := opts.Start
		if seek == nil {
			seek = prefixSuccessor(opts.Prefix)
		}
		if seek == nil {
			k, v = c.Last()
		} else {
			k, v = c.Seek(seek)
			switch {
			case k == nil:
				k, v = c.Last()
			case opts.Start == nil || !bytes.Equal(k, seek):
				k, v = c.Prev()
			}
		}
		for ; k != nil && bytes.HasPrefix(k, opts.Prefix); k, v = c.Prev() {
			if !emit(k, v) {
				return nil
			}
		}
		return nil
	})
}

func (s *BoltStore) Apply(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b, err := tx.CreateBucketIfNotExists([]byte(op.Bucket))
			if err != nil {
				return err
			}
			if op.Delete {
				err = b.Delete(op.Key)
			} else {
				err = b.Put(op.Key, op.Value)
			}
			if err != nil {
				return fmt.Errorf("storage: bolt write to %s: %w", op.Bucket, err)
			}
		}
		return nil
	})
}

// Path returns the file path of the store.
func (s *BoltStore) Path() string { return s.path }

// FileSize returns the size of the database file in bytes.
func (s *BoltStore) FileSize() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// backgroundSync periodically flushes dirty pages when NoSync is on, with a
// final sync before returning.
func (s *BoltStore) backgroundSync() {
	defer close(s.syncDone)
	ticker := time.NewTicker(boltSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSync:
			_ = s.db.Sync()
			return
		case <-ticker.C:
			_ = s.db.Sync()
		}
	}
}

func (s *BoltStore) Close() error {
	if s.stopSync != nil {
		close(s.stopSync)
		<-s.syncDone
	}
	return s.db.Close()
}
