package storage

import "errors"

var (
	// ErrClosed is returned by every operation on a closed engine or store.
	ErrClosed = errors.New("storage: engine is closed")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")

	// ErrTypeNotFound is returned for an unknown type name.
	ErrTypeNotFound = errors.New("storage: type not found")

	// ErrTypeExists is returned when a type is created twice.
	ErrTypeExists = errors.New("storage: type already exists")

	// ErrBucketNotFound is returned for an unknown bucket name or id.
	ErrBucketNotFound = errors.New("storage: bucket not found")

	// ErrIndexNotFound is returned for an unknown index name.
	ErrIndexNotFound = errors.New("storage: index not found")

	// ErrIndexExists is returned when an index is created twice.
	ErrIndexExists = errors.New("storage: index already exists")

	// ErrDuplicateKey is returned when a unique index already holds the key.
	ErrDuplicateKey = errors.New("storage: duplicate key in unique index")

	// ErrTxDone is returned when a finished transaction is used.
	ErrTxDone = errors.New("storage: transaction already finished")

	// ErrWrongKind is returned when a record is not of the expected kind
	// (e.g. an edge created between non-vertices).
	ErrWrongKind = errors.New("storage: wrong record kind")

	// ErrCorrupted is returned when a stored record fails its checksum.
	ErrCorrupted = errors.New("storage: record checksum mismatch")
)
