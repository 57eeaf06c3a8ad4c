package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/disktrosync/internal/compressor"
	"github.com/jaywantadh/disktrosync/internal/metadata"
)

func newStore(t *testing.T) *ContentStore {
	t.Helper()
	index, err := metadata.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	store, err := NewContentStore(filepath.Join(t.TempDir(), "cache"), index, nil)
	require.NoError(t, err)
	return store
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestCreateEntryAndResolve(t *testing.T) {
	store := newStore(t)
	content := []byte("hello content store")
	path := writeFile(t, t.TempDir(), "model.mdl", content)

	rec := store.CreateEntry(path)
	require.NotNil(t, rec)
	assert.Equal(t, HashBytes(content), rec.Hash)
	assert.Equal(t, int64(len(content)), rec.Size)

	got, ok := store.Resolve(rec.Hash)
	require.True(t, ok)
	assert.Equal(t, path, got)

	_, ok = store.Resolve("0000000000000000000000000000000000000000")
	assert.False(t, ok)
}

func TestCreateEntryMissingFileReturnsNil(t *testing.T) {
	store := newStore(t)
	assert.Nil(t, store.CreateEntry(filepath.Join(t.TempDir(), "gone.tex")))
}

func TestGetCompressedBytesRoundTrip(t *testing.T) {
	store := newStore(t)
	content := []byte("compress me please, compress me please")
	rec := store.CreateEntry(writeFile(t, t.TempDir(), "a.tex", content))
	require.NotNil(t, rec)

	hash, compressed, err := store.GetCompressedBytes(rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, hash)

	raw, err := compressor.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, content, raw)

	_, _, err = store.GetCompressedBytes("ffffffffffffffffffffffffffffffffffffffff")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPersistVerifiesHash(t *testing.T) {
	store := newStore(t)
	content := []byte("downloaded blob")
	hash := HashBytes(content)

	rec, err := store.Persist(hash, "tex", content)
	require.NoError(t, err)
	assert.Equal(t, store.PathFor(hash, "tex"), rec.Path)

	info, err := os.Stat(rec.Path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Before(time.Now().Add(time.Second)))
}

func TestPersistMismatchPurges(t *testing.T) {
	store := newStore(t)
	wrong := "1111111111111111111111111111111111111111"

	_, err := store.Persist(wrong, ".mdl", []byte("not what was promised"))
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, wrong, mismatch.Expected)

	_, statErr := os.Stat(store.PathFor(wrong, "mdl"))
	assert.True(t, os.IsNotExist(statErr))
	_, ok := store.Resolve(mismatch.Actual)
	assert.False(t, ok)
}

func TestRemoveEntry(t *testing.T) {
	store := newStore(t)
	rec := store.CreateEntry(writeFile(t, t.TempDir(), "x.dat", []byte("x")))
	require.NotNil(t, rec)

	require.NoError(t, store.RemoveEntry(rec.Hash, rec.Path))
	_, ok := store.Resolve(rec.Hash)
	assert.False(t, ok)
	_, err := os.Stat(rec.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestVerifyPurgesTamperedFile(t *testing.T) {
	store := newStore(t)
	path := writeFile(t, t.TempDir(), "t.tex", []byte("original"))
	rec := store.CreateEntry(path)
	require.NotNil(t, rec)
	assert.True(t, store.Verify(rec.Hash))

	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))
	assert.False(t, store.Verify(rec.Hash))
	_, ok := store.Resolve(rec.Hash)
	assert.False(t, ok)
}

func TestPathForDefaultsExtension(t *testing.T) {
	store := newStore(t)
	assert.Equal(t, filepath.Join(store.BasePath(), "abc.dat"), store.PathFor("ABC", ""))
	assert.Equal(t, filepath.Join(store.BasePath(), "abc.tex"), store.PathFor("abc", ".tex"))
}

func TestPersistMismatchKeepsExistingBlob(t *testing.T) {
	store := newStore(t)
	good := []byte("the real texture")
	hash := HashBytes(good)

	rec, err := store.Persist(hash, "tex", good)
	require.NoError(t, err)

	_, err = store.Persist(hash, "tex", []byte("garbage from a broken stream"))
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))

	onDisk, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, good, onDisk)
	path, ok := store.Resolve(hash)
	require.True(t, ok)
	assert.Equal(t, rec.Path, path)

	leftovers, err := filepath.Glob(filepath.Join(store.BasePath(), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
