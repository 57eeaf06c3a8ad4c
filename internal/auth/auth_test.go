package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticToken("").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestEnvToken(t *testing.T) {
	t.Setenv("DISKTROSYNC_TEST_TOKEN", " from-env ")
	tok, err := EnvToken("DISKTROSYNC_TEST_TOKEN").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-env", tok)

	t.Setenv("DISKTROSYNC_TEST_TOKEN", "")
	_, err = EnvToken("DISKTROSYNC_TEST_TOKEN").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer xyz")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)

	tok, ok = BearerToken("bearer lower")
	assert.True(t, ok)
	assert.Equal(t, "lower", tok)

	_, ok = BearerToken("Basic xyz")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
}

func TestSessionLifecycle(t *testing.T) {
	sm := NewSessionManager(time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sm.now = func() time.Time { return now }

	s, err := sm.Issue("UID-1")
	require.NoError(t, err)

	uid, err := sm.Validate(s.Token)
	require.NoError(t, err)
	assert.Equal(t, "UID-1", uid)

	now = now.Add(2 * time.Hour)
	_, err = sm.Validate(s.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = sm.Issue("")
	assert.Error(t, err)
}

func TestCleanupAndRevoke(t *testing.T) {
	sm := NewSessionManager(time.Minute)
	now := time.Now()
	sm.now = func() time.Time { return now }

	a, _ := sm.Issue("a")
	b, _ := sm.Issue("b")
	sm.Revoke(a.Token)
	_, err := sm.Validate(a.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, sm.Cleanup())
	_, err = sm.Validate(b.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGrantPreconfiguredToken(t *testing.T) {
	sm := NewSessionManager(time.Hour)
	sm.Grant("dev-token", "dev")

	uid, err := sm.Validate("dev-token")
	require.NoError(t, err)
	assert.Equal(t, "dev", uid)
}
