package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/jaywantadh/disktrosync/config"
	"github.com/jaywantadh/disktrosync/internal/auth"
	"github.com/jaywantadh/disktrosync/internal/events"
	"github.com/jaywantadh/disktrosync/internal/throttle"
	"github.com/jaywantadh/disktrosync/pkg/logging"
)

// Orchestrator owns the upload and download slots, the bandwidth split,
// the forbidden list and the single authenticated HTTP entry point.
type Orchestrator struct {
	cfg        config.Provider
	tokens     auth.TokenProvider
	httpClient *http.Client
	bus        *events.Bus
	log        logrus.FieldLogger

	downloads *slotPool
	uploads   *slotPool

	Forbidden *ForbiddenTransfers
	Progress  *ProgressTracker

	streamsMu sync.Mutex
	streams   map[*throttle.Reader]struct{}
}

// NewOrchestrator wires an orchestrator. httpClient and bus may be nil.
func NewOrchestrator(cfg config.Provider, tokens auth.TokenProvider, httpClient *http.Client, bus *events.Bus, log logrus.FieldLogger) *Orchestrator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Snapshot().RequestTimeout}
	}
	o := &Orchestrator{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: httpClient,
		bus:        bus,
		log:        logging.OrDiscard(log).WithField("component", "orchestrator"),
		Forbidden:  &ForbiddenTransfers{},
		Progress:   NewProgressTracker(),
		streams:    make(map[*throttle.Reader]struct{}),
	}
	o.downloads = newSlotPool(func() int64 { return int64(cfg.Snapshot().ParallelDownloads) })
	o.uploads = newSlotPool(func() int64 { return int64(cfg.Snapshot().ParallelUploads) })
	return o
}

// Config returns the current configuration snapshot.
func (o *Orchestrator) Config() config.AppConfig { return o.cfg.Snapshot() }

// WaitForDownloadSlot blocks until a download slot is free or ctx ends.
func (o *Orchestrator) WaitForDownloadSlot(ctx context.Context) error {
	if err := o.downloads.acquire(ctx); err != nil {
		return err
	}
	o.Rebalance()
	return nil
}

// ReleaseDownloadSlot frees a download slot. Extra releases are ignored.
func (o *Orchestrator) ReleaseDownloadSlot() {
	o.downloads.release()
	o.Rebalance()
}

// WaitForUploadSlot blocks until an upload slot is free or ctx ends.
func (o *Orchestrator) WaitForUploadSlot(ctx context.Context) error {
	return o.uploads.acquire(ctx)
}

// ReleaseUploadSlot frees an upload slot. Extra releases are ignored.
func (o *Orchestrator) ReleaseUploadSlot() {
	o.uploads.release()
}

// ActiveDownloads is the number of download slots in use.
func (o *Orchestrator) ActiveDownloads() int64 { return o.downloads.inUse() }

// ActiveUploads is the number of upload slots in use.
func (o *Orchestrator) ActiveUploads() int64 { return o.uploads.inUse() }

// DownloadLimitPerSlot splits the configured download limit across active
// slots. Zero means unlimited.
func (o *Orchestrator) DownloadLimitPerSlot() int64 {
	return limitPerSlot(o.cfg.Snapshot().DownloadSpeedLimit, o.downloads.inUse())
}

func limitPerSlot(limit, active int64) int64 {
	if limit <= 0 {
		return throttle.Unlimited
	}
	if active < 1 {
		active = 1
	}
	per := limit / active
	if per < 1 {
		return 1
	}
	return per
}

// Throttle wraps r with the current per-slot limit and keeps it updated
// until the returned release function is called.
func (o *Orchestrator) Throttle(ctx context.Context, r io.Reader) (*throttle.Reader, func()) {
	tr := throttle.NewReader(ctx, r, o.DownloadLimitPerSlot())
	o.streamsMu.Lock()
	o.streams[tr] = struct{}{}
	o.streamsMu.Unlock()

	return tr, func() {
		o.streamsMu.Lock()
		delete(o.streams, tr)
		o.streamsMu.Unlock()
	}
}

// Rebalance pushes the current per-slot limit into every active stream.
// Call it after the configuration changed.
func (o *Orchestrator) Rebalance() {
	per := o.DownloadLimitPerSlot()

	o.streamsMu.Lock()
	for tr := range o.streams {
		if tr.Limit() != per {
			tr.SetLimit(per)
		}
	}
	o.streamsMu.Unlock()

	o.bus.Publish(events.BandwidthChanged{PerSlot: per, ActiveSlots: o.downloads.inUse()})
}

// SendRequest performs an authenticated call. body may be nil, an
// io.Reader or []byte (sent as octet-stream) or any other value (sent as
// JSON). The response status is not checked. Cancellation is returned as
// the context error; other failures are logged and returned.
func (o *Orchestrator) SendRequest(ctx context.Context, method, uri string, body any) (*http.Response, error) {
	token, err := o.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get bearer token: %w", err)
	}

	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
		contentType = "application/octet-stream"
	case []byte:
		reader = bytes.NewReader(b)
		contentType = "application/octet-stream"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "disktrosync/"+o.cfg.Snapshot().NodeID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	o.log.WithFields(logrus.Fields{"method": method, "uri": uri}).Debug("sending request")
	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		o.log.WithError(err).WithFields(logrus.Fields{"method": method, "uri": uri}).Error("request failed")
		return nil, fmt.Errorf("%s %s: %w", method, uri, err)
	}
	return resp, nil
}

// SendJSON performs a request, checks the status and decodes a JSON answer
// into out (skipped when out is nil).
func (o *Orchestrator) SendJSON(ctx context.Context, method, uri string, body, out any) error {
	resp, err := o.SendRequest(ctx, method, uri, body)
	if err != nil {
		return err
	}
	if err := CheckStatus(resp); err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s answer: %w", uri, err)
	}
	return nil
}

// slotPool is a counted semaphore whose size follows the configuration.
// Resizing swaps in a new semaphore; permits held at that moment are carried
// over so the new bound is respected, and goroutines parked on the old
// semaphore are woken to retry against the new one.
type slotPool struct {
	size func() int64

	mu       sync.Mutex
	sem      *semaphore.Weighted
	resized  chan struct{}
	capacity int64
	held     int64
	// debt counts holders whose permit was not carried into the current
	// semaphore; their release must not hit it.
	debt int64
}

func newSlotPool(size func() int64) *slotPool {
	return &slotPool{size: size}
}

// current must be called with mu held.
func (p *slotPool) current() (*semaphore.Weighted, <-chan struct{}) {
	want := p.size()
	if want < 1 {
		want = 1
	}
	if p.sem != nil && want == p.capacity {
		return p.sem, p.resized
	}

	sem := semaphore.NewWeighted(want)
	carried := min(p.held, want)
	if carried > 0 {
		sem.TryAcquire(carried)
	}
	if p.resized != nil {
		close(p.resized)
	}
	p.sem = sem
	p.resized = make(chan struct{})
	p.capacity = want
	p.debt = p.held - carried
	return sem, p.resized
}

func (p *slotPool) acquire(ctx context.Context) error {
	for {
		p.mu.Lock()
		sem, resized := p.current()
		p.mu.Unlock()

		err := acquireUntil(ctx, sem, resized)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			continue
		}

		p.mu.Lock()
		if sem == p.sem {
			p.held++
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		// resized while we waited; the permit belongs to a dead semaphore
		sem.Release(1)
	}
}

// acquireUntil takes one permit from sem, giving up when ctx ends or the
// pool is resized.
func acquireUntil(ctx context.Context, sem *semaphore.Weighted, resized <-chan struct{}) error {
	if sem.TryAcquire(1) {
		return nil
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-resized:
			cancel()
		case <-stop:
		}
	}()
	return sem.Acquire(wctx, 1)
}

func (p *slotPool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.held <= 0 {
		return
	}
	// pick up a size change so parked waiters see it without a new acquire
	p.current()
	p.held--
	if p.debt > 0 {
		p.debt--
		return
	}
	p.sem.Release(1)
}

func (p *slotPool) inUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}
