// Package store is the durable persistence layer (C10) behind every other
// component. It is grounded on the teacher's node/store/db.go: a single
// bbolt.DB opened once at startup, fixed buckets created idempotently, and
// every mutation performed inside one db.Update closure so bbolt's
// single-writer transaction lock gives the find-and-modify linearization spec.md
// §5 requires — the same guarantee the teacher leans on for its UTXO set
// and block index, repurposed here for mint authorizations, the nonce
// counter, embeddings, and the license-terms cache.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAuthorizations    = []byte("mint_authorizations")
	bucketAuthByContentHash = []byte("mint_authorizations_by_content_hash")
	bucketCounters          = []byte("counters")
	bucketEmbeddings        = []byte("embeddings")
	bucketLicenseTerms      = []byte("license_terms")
)

type DB struct {
	path string
	db   *bolt.DB
}

// Open creates datadir if needed and opens (or initializes) the bbolt file
// at datadir/mintcore.db, creating every bucket the core needs.
func Open(datadir string) (*DB, error) {
	if datadir == "" {
		return nil, fmt.Errorf("datadir required")
	}
	if err := os.MkdirAll(datadir, 0o750); err != nil {
		return nil, fmt.Errorf("create datadir: %w", err)
	}
	path := filepath.Join(datadir, "mintcore.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	d := &DB{path: path, db: bdb}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAuthorizations, bucketAuthByContentHash, bucketCounters, bucketEmbeddings, bucketLicenseTerms} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) Path() string { return d.path }
