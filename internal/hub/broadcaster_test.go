package hub

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/disktrosync/internal/auth"
)

func tokenAuth(token string) (string, error) {
	if token != "secret" {
		return "", errors.New("bad token")
	}
	return "uid-1", nil
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestReadyMessageReachesBoard(t *testing.T) {
	bc := NewBroadcaster(tokenAuth, nil)
	srv := httptest.NewServer(bc)
	defer srv.Close()

	board := NewBoard()
	client := NewClient(wsURL(srv.URL), auth.StaticToken("secret"), board, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done, err := client.Start(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bc.Connected("uid-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	ticket := uuid.New()
	bc.NotifyReady("uid-2", uuid.New())
	bc.NotifyReady("uid-1", ticket)

	ready, err := board.Wait(context.Background(), ticket, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ready)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	require.Eventually(t, func() bool { return bc.Connected("uid-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(NewBroadcaster(tokenAuth, nil))
	defer srv.Close()

	client := NewClient(wsURL(srv.URL), auth.StaticToken("wrong"), NewBoard(), nil)
	_, err := client.Start(context.Background())
	assert.Error(t, err)
}
