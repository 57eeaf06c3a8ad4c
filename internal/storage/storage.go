package storage

import "errors"

// ErrNotFound is returned when a hash has no local file.
var ErrNotFound = errors.New("storage: blob not found")

// Storage is the local content-addressed cache the transfer engines read
// from and write into.
type Storage interface {
	// Resolve returns the local path for hash without touching the disk.
	Resolve(hash string) (string, bool)
	// CreateEntry hashes the file at path and records it. It returns nil
	// on any I/O failure and callers skip such files.
	CreateEntry(path string) *BlobRecord
	// GetCompressedBytes reads and compresses the file behind hash.
	GetCompressedBytes(hash string) (string, []byte, error)
	// RemoveEntry deletes the file and its record.
	RemoveEntry(hash, path string) error
	// PathFor is where a blob with the given extension lives in the cache.
	PathFor(hash, ext string) string
	// Persist writes a received blob, checks its digest and records it.
	Persist(hash, ext string, data []byte) (*BlobRecord, error)
}
