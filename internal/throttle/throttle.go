// Package throttle caps the byte rate of a stream.
package throttle

import (
	"context"
	"io"
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// Unlimited disables throttling.
const Unlimited int64 = 0

// minBurst keeps reads reasonably sized for slow limits.
const minBurst = 1

// Reader wraps an io.Reader and sleeps after reads that push the transfer
// above the configured bytes per second. The limit can be changed while a
// read is sleeping; the sleep is abandoned and the new limit applies to the
// next read.
type Reader struct {
	r   io.Reader
	ctx context.Context

	mu      sync.Mutex
	limiter *rate.Limiter
	limit   int64
	wake    context.CancelFunc
}

// NewReader throttles r to limit bytes per second (Unlimited for none).
// Sleeps are abandoned when ctx is cancelled.
func NewReader(ctx context.Context, r io.Reader, limit int64) *Reader {
	t := &Reader{r: r, ctx: ctx, limiter: rate.NewLimiter(rate.Inf, 0)}
	t.SetLimit(limit)
	return t
}

// Limit reports the current cap in bytes per second.
func (t *Reader) Limit() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit
}

// SetLimit changes the cap and wakes a read that is currently sleeping.
func (t *Reader) SetLimit(limit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit < 0 {
		limit = Unlimited
	}
	t.limit = limit
	if limit == Unlimited {
		t.limiter.SetLimit(rate.Inf)
	} else {
		burst := limit
		if burst > math.MaxInt32 {
			burst = math.MaxInt32
		}
		if burst < minBurst {
			burst = minBurst
		}
		t.limiter.SetLimit(rate.Limit(limit))
		t.limiter.SetBurst(int(burst))
	}
	if t.wake != nil {
		t.wake()
		t.wake = nil
	}
}

func (t *Reader) Read(p []byte) (int, error) {
	t.mu.Lock()
	limited := t.limit != Unlimited
	burst := t.limiter.Burst()
	t.mu.Unlock()

	if limited && len(p) > burst {
		p = p[:burst]
	}

	n, err := t.r.Read(p)
	if n > 0 && limited {
		if werr := t.wait(n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// wait blocks until n bytes fit under the limit, the limit changes, or the
// transfer is cancelled.
func (t *Reader) wait(n int) error {
	t.mu.Lock()
	sleep, wake := context.WithCancel(t.ctx)
	t.wake = wake
	limiter := t.limiter
	if n > limiter.Burst() {
		n = limiter.Burst()
	}
	t.mu.Unlock()
	defer wake()

	err := limiter.WaitN(sleep, n)
	if err == nil {
		return nil
	}
	// a limit change wakes us without cancelling the transfer itself
	if t.ctx.Err() != nil {
		return t.ctx.Err()
	}
	return nil
}
