// Package cache implements an optional, accelerating local metadata
// store: per-project last-known serial and per-file hash/size records,
// backed by bbolt. It is never authoritative — status/generation/todo on
// the mirror root remain the source of truth (see bandersnatch's on-disk
// layout) — so a missing or corrupt cache file never affects correctness.
// The pipeline writes records through to it; nothing in this module reads
// them back, so metadata is always refetched and on-disk files always
// rehashed.
package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketProjectSerial = []byte("project_serial")
	bucketFileHash      = []byte("file_hash")
)

// fileHashRecord is the JSON-encoded value stored per project/filename key
// in bucketFileHash.
type fileHashRecord struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Cache wraps a bbolt database with typed accessors for the two record
// kinds the pipeline records. Grounded on the teacher's
// store/metadb/bolt.go BoltDB shape (functional options, Open/Close,
// bucket-per-record-kind layout), simplified from its envelope/protobuf
// codec to plain JSON values since these records have no TTL or
// expiry-index concept to track.
type Cache struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for non-fatal cache warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string, opts ...Option) (*Cache, error) {
	c := &Cache{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: opening %s: %w", path, err)
	}
	c.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketProjectSerial, bucketFileHash} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return c, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// GetProjectSerial returns the last serial this mirror observed for
// project, if cached.
func (c *Cache) GetProjectSerial(project string) (uint64, bool) {
	var serial uint64
	var ok bool
	_ = c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketProjectSerial).Get([]byte(project))
		if v == nil {
			return nil
		}
		if len(v) == 8 {
			serial = binary.BigEndian.Uint64(v)
			ok = true
		}
		return nil
	})
	return serial, ok
}

// PutProjectSerial records the last serial observed for project.
func (c *Cache) PutProjectSerial(project string, serial uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, serial)
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProjectSerial).Put([]byte(project), v)
	})
}

// GetFileHash returns the cached sha256 digest and size for a project's
// release file, if known.
func (c *Cache) GetFileHash(project, filename string) (sha256 string, size int64, ok bool) {
	key := fileHashKey(project, filename)
	_ = c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketFileHash).Get(key)
		if v == nil {
			return nil
		}
		var rec fileHashRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			c.logger.Warn("cache: discarding corrupt file hash record", "project", project, "filename", filename, "error", err)
			return nil
		}
		sha256, size, ok = rec.SHA256, rec.Size, true
		return nil
	})
	return sha256, size, ok
}

// SetFileHash records a project's release file digest and size.
func (c *Cache) SetFileHash(project, filename, sha256 string, size int64) error {
	encoded, err := json.Marshal(fileHashRecord{SHA256: sha256, Size: size})
	if err != nil {
		return fmt.Errorf("cache: encoding file hash record: %w", err)
	}
	key := fileHashKey(project, filename)
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFileHash).Put(key, encoded)
	})
}

func fileHashKey(project, filename string) []byte {
	return []byte(project + "\x00" + filename)
}
