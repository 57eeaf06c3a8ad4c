package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrosync/internal/compressor"
	"github.com/jaywantadh/disktrosync/internal/metadata"
	"github.com/jaywantadh/disktrosync/pkg/logging"
)

// BlobRecord is the cache entry for one content hash.
type BlobRecord = metadata.BlobRecord

// maxTimestampSkew bounds how far into the past received files are dated.
const maxTimestampSkew = 180 * 24 * time.Hour

// ContentStore implements Storage on the local filesystem with a badger
// index mapping hash to path.
type ContentStore struct {
	basePath string
	index    *metadata.BlobIndex
	log      logrus.FieldLogger
	now      func() time.Time
}

var _ Storage = (*ContentStore)(nil)

// NewContentStore creates the cache directory if needed.
func NewContentStore(basePath string, index *metadata.BlobIndex, log logrus.FieldLogger) (*ContentStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &ContentStore{
		basePath: basePath,
		index:    index,
		log:      logging.OrDiscard(log).WithField("component", "content_store"),
		now:      time.Now,
	}, nil
}

// BasePath is the cache directory.
func (s *ContentStore) BasePath() string { return s.basePath }

// HashFile computes the lowercase hex SHA-1 of the file at path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha1.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashBytes is HashFile for in-memory data.
func HashBytes(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (s *ContentStore) Resolve(hash string) (string, bool) {
	rec, err := s.index.Get(strings.ToLower(hash))
	if err != nil {
		return "", false
	}
	return rec.Path, true
}

// Record returns the full cache entry for hash.
func (s *ContentStore) Record(hash string) (BlobRecord, error) {
	rec, err := s.index.Get(strings.ToLower(hash))
	if errors.Is(err, metadata.ErrNotFound) {
		return BlobRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *ContentStore) CreateEntry(path string) *BlobRecord {
	hash, size, err := HashFile(path)
	if err != nil {
		s.log.WithError(err).WithField("path", path).Warn("could not hash file, skipping")
		return nil
	}

	now := s.now().UTC()
	rec := BlobRecord{
		Hash:       hash,
		Path:       path,
		Size:       size,
		CreatedAt:  now,
		LastAccess: now,
	}
	if old, err := s.index.Get(hash); err == nil && old.Path == path {
		rec.CreatedAt = old.CreatedAt
	}
	if err := s.index.Put(rec); err != nil {
		s.log.WithError(err).WithField("hash", hash).Warn("could not record cache entry")
		return nil
	}
	return &rec
}

func (s *ContentStore) GetCompressedBytes(hash string) (string, []byte, error) {
	path, ok := s.Resolve(hash)
	if !ok {
		return hash, nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return hash, nil, fmt.Errorf("read %s: %w", path, err)
	}
	compressed, err := compressor.Compress(data)
	if err != nil {
		return hash, nil, err
	}
	return hash, compressed, nil
}

func (s *ContentStore) RemoveEntry(hash, path string) error {
	var errs []error
	if path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
		}
	}
	if err := s.index.Delete(strings.ToLower(hash)); err != nil {
		errs = append(errs, fmt.Errorf("delete record %s: %w", hash, err))
	}
	return errors.Join(errs...)
}

func (s *ContentStore) PathFor(hash, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "dat"
	}
	return filepath.Join(s.basePath, strings.ToLower(hash)+"."+ext)
}

// Persist writes data as the blob for hash, verifies the digest and
// records the entry. The bytes land in a temp file first and only replace
// the final path once they hash correctly, so a corrupt payload never
// clobbers a good blob. On a mismatch a *MismatchError is returned.
func (s *ContentStore) Persist(hash, ext string, data []byte) (*BlobRecord, error) {
	hash = strings.ToLower(hash)
	path := s.PathFor(hash, ext)

	tmp, err := os.CreateTemp(s.basePath, ".persist-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file for %s: %w", hash, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.log.WithError(rmErr).WithField("path", tmpPath).Warn("could not remove temp file")
		}
	}()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", tmpPath, err)
	}

	actual, _, err := HashFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", tmpPath, err)
	}
	if actual != hash {
		return nil, &MismatchError{Expected: hash, Actual: actual}
	}

	s.randomizeTimes(tmpPath)
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("move blob into %s: %w", path, err)
	}

	rec := s.CreateEntry(path)
	if rec == nil {
		return nil, fmt.Errorf("could not index %s", path)
	}
	return rec, nil
}

// randomizeTimes dates a received file somewhere in the recent past so
// cache timestamps do not reveal when a peer's data arrived.
func (s *ContentStore) randomizeTimes(path string) {
	back := time.Duration(rand.Int64N(int64(maxTimestampSkew)))
	t := s.now().Add(-back)
	if err := os.Chtimes(path, t, t); err != nil {
		s.log.WithError(err).WithField("path", path).Debug("could not set file times")
	}
}

// Verify rehashes the file behind hash and purges the entry if it no
// longer matches.
func (s *ContentStore) Verify(hash string) bool {
	path, ok := s.Resolve(hash)
	if !ok {
		return false
	}
	actual, _, err := HashFile(path)
	if err == nil && actual == strings.ToLower(hash) {
		return true
	}
	if err := s.RemoveEntry(hash, path); err != nil {
		s.log.WithError(err).WithField("hash", hash).Warn("could not purge stale entry")
	}
	return false
}

// MismatchError reports a blob whose bytes do not hash to its name.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("hash mismatch: expected %s, got %s", e.Expected, e.Actual)
}
