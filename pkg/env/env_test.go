package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvMissingFileIsNotAnError(t *testing.T) {
	require.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "nope.env")))
}

func TestLoadEnvReadsToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(TokenKey+"=secret-token\n"), 0o644))
	os.Unsetenv(TokenKey)
	t.Cleanup(func() { os.Unsetenv(TokenKey) })

	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "secret-token", GetEnv(TokenKey, ""))
}

func TestGetEnvFallback(t *testing.T) {
	assert.Equal(t, "fallback", GetEnv("DISKTROSYNC_SURELY_UNSET", "fallback"))
}
