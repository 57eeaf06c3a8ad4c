package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no record exists for a hash.
var ErrNotFound = errors.New("metadata: record not found")

const blobPrefix = "blob:"

// BlobRecord describes one content-addressed file in the local cache.
type BlobRecord struct {
	Hash      string    `json:"hash"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	// LastAccess is when the record was last resolved or written.
	LastAccess time.Time `json:"last_access"`
}

// BlobIndex wraps BadgerDB for blob record operations.
type BlobIndex struct {
	db *badger.DB
}

// OpenBlobIndex opens (or creates) a BadgerDB at the given path.
func OpenBlobIndex(dbPath string) (*BlobIndex, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BlobIndex{db: db}, nil
}

// OpenInMemory opens an index that lives only as long as the process.
func OpenInMemory() (*BlobIndex, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
	}
	return &BlobIndex{db: db}, nil
}

// Close closes the BadgerDB.
func (bi *BlobIndex) Close() error {
	return bi.db.Close()
}

// Put stores or replaces the record for rec.Hash.
func (bi *BlobIndex) Put(rec BlobRecord) error {
	key := []byte(blobPrefix + rec.Hash)
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bi.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Get retrieves the record for hash.
func (bi *BlobIndex) Get(hash string) (BlobRecord, error) {
	key := []byte(blobPrefix + hash)
	var rec BlobRecord
	err := bi.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return BlobRecord{}, ErrNotFound
	}
	return rec, err
}

// Delete removes the record for hash. Deleting a missing record is not an error.
func (bi *BlobIndex) Delete(hash string) error {
	return bi.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(blobPrefix + hash))
	})
}

// All returns every record in key order.
func (bi *BlobIndex) All() ([]BlobRecord, error) {
	var recs []BlobRecord
	err := bi.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(blobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if !strings.HasPrefix(string(item.Key()), blobPrefix) {
				continue
			}
			var rec BlobRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}
