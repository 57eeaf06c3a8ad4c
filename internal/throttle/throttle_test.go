package throttle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimitedDoesNotSleep(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1<<20)
	start := time.Now()
	out, err := io.ReadAll(NewReader(context.Background(), bytes.NewReader(data), Unlimited))
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLimitSlowsTransfer(t *testing.T) {
	// 4000 B/s with a 4000 byte burst: 10000 bytes need about 1.5s.
	data := bytes.Repeat([]byte("y"), 10000)
	start := time.Now()
	out, err := io.ReadAll(NewReader(context.Background(), bytes.NewReader(data), 4000))
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestRaisingLimitWakesSleepingRead(t *testing.T) {
	data := bytes.Repeat([]byte("z"), 300)
	r := NewReader(context.Background(), bytes.NewReader(data), 100)

	go func() {
		time.Sleep(200 * time.Millisecond)
		r.SetLimit(Unlimited)
	}()

	start := time.Now()
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, out, 300)
	// at 100 B/s the remaining 200 bytes would take two more seconds
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
	assert.Equal(t, Unlimited, r.Limit())
}

func TestCancellationAbortsSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReader(ctx, bytes.NewReader(bytes.Repeat([]byte("w"), 1000)), 10)

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := io.ReadAll(r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNegativeLimitIsUnlimited(t *testing.T) {
	r := NewReader(context.Background(), bytes.NewReader(nil), -5)
	assert.Equal(t, Unlimited, r.Limit())
}
