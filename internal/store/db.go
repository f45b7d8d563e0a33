// Package store holds the durable key-value layer shared by the request cache,
// the submission queue and the worker's page cache. Everything lives in one
// goleveldb database; each logical store owns a key prefix.
package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

var (
	// ErrNotFound is returned when a key has no record.
	ErrNotFound = errors.New("store: not found")

	// ErrLockHeld is returned when another owner holds a lock.
	ErrLockHeld = errors.New("store: lock held by another owner")
)

// SyncWrite makes a write durable before it returns.
var SyncWrite = &opt.WriteOptions{Sync: true}

// Open opens (or creates) the database at path.
func Open(path string) (*leveldb.DB, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return db, nil
}
