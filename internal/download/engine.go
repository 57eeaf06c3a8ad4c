// Package download fetches blobs from the relay in batched block files and
// reconstructs them in the local store.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jaywantadh/disktrosync/internal/blockfile"
	"github.com/jaywantadh/disktrosync/internal/compressor"
	"github.com/jaywantadh/disktrosync/internal/events"
	"github.com/jaywantadh/disktrosync/internal/munge"
	"github.com/jaywantadh/disktrosync/internal/storage"
	"github.com/jaywantadh/disktrosync/internal/transfer"
	"github.com/jaywantadh/disktrosync/pkg/logging"
)

const cancelTimeout = 5 * time.Second

// Required is one blob the caller needs, with the game path it will be
// used under. The path only serves to pick a file extension.
type Required struct {
	Hash     string
	GamePath string
}

// Summary is the outcome of a download batch.
type Summary struct {
	Downloaded []string
	Failed     []string
	Forbidden  []string
	// Unavailable lists hashes the relay reported with no size.
	Unavailable []string
}

// ReadySource tells when the relay finished preparing a ticket.
type ReadySource interface {
	Wait(ctx context.Context, ticket uuid.UUID, timeout time.Duration) (bool, error)
	Forget(ticket uuid.UUID)
}

// Store is the part of the content store the engine writes into.
type Store interface {
	BasePath() string
	Persist(hash, ext string, data []byte) (*storage.BlobRecord, error)
}

// Engine downloads blobs, one concurrent flow per relay host.
type Engine struct {
	orch  *transfer.Orchestrator
	store Store
	ready ReadySource
	bus   *events.Bus
	log   logrus.FieldLogger

	mu      sync.Mutex
	current map[string]*transfer.Descriptor
}

func NewEngine(orch *transfer.Orchestrator, store Store, ready ReadySource, bus *events.Bus, log logrus.FieldLogger) *Engine {
	return &Engine{
		orch:    orch,
		store:   store,
		ready:   ready,
		bus:     bus,
		log:     logging.OrDiscard(log).WithField("component", "download"),
		current: make(map[string]*transfer.Descriptor),
	}
}

type item struct {
	hash string
	ext  string
	size int64
}

type hostBatch struct {
	base  *url.URL
	items []item
}

// Download fetches every required blob that the relay can provide.
// Per-blob failures land in the Summary. The error is non-nil when the
// batch could not be set up (including 401/404 answers), was cancelled, or
// a host flow failed; the other hosts still complete in that last case.
func (e *Engine) Download(ctx context.Context, required []Required) (Summary, error) {
	var sum Summary

	base, err := url.Parse(e.orch.Config().ServerURL)
	if err != nil {
		return sum, fmt.Errorf("parse server url: %w", err)
	}

	exts := make(map[string]string, len(required))
	var hashes []string
	for _, r := range required {
		h := strings.ToLower(strings.TrimSpace(r.Hash))
		if h == "" {
			continue
		}
		if _, dup := exts[h]; dup {
			continue
		}
		exts[h] = GuessExtension(r.GamePath)
		if e.orch.Forbidden.Contains(h) {
			sum.Forbidden = append(sum.Forbidden, h)
			continue
		}
		hashes = append(hashes, h)
	}
	if len(hashes) == 0 {
		return sum, nil
	}

	var sizes []transfer.DownloadFileDTO
	if err := e.orch.SendJSON(ctx, http.MethodGet, transfer.GetSizesURL(base), hashes, &sizes); err != nil {
		return sum, fmt.Errorf("get file sizes: %w", err)
	}

	batches := make(map[string]*hostBatch)
	var order []string
	for _, dto := range sizes {
		h := strings.ToLower(dto.Hash)
		ext, asked := exts[h]
		if !asked {
			continue
		}
		if dto.IsForbidden {
			if e.orch.Forbidden.Add(h, dto.ForbiddenBy, transfer.Download) {
				e.log.WithFields(logrus.Fields{"hash": h, "by": dto.ForbiddenBy}).Warn("download forbidden by relay")
			}
			sum.Forbidden = append(sum.Forbidden, h)
			continue
		}
		if dto.Size <= 0 {
			sum.Unavailable = append(sum.Unavailable, h)
			continue
		}

		hostBase := base
		if dto.URL != "" {
			u, err := url.Parse(dto.URL)
			if err != nil {
				e.log.WithError(err).WithField("hash", h).Warn("relay returned unusable url")
				sum.Failed = append(sum.Failed, h)
				continue
			}
			hostBase = u
		}
		key := transfer.HostKey(hostBase)
		b, ok := batches[key]
		if !ok {
			b = &hostBatch{base: hostBase}
			batches[key] = b
			order = append(order, key)
		}
		b.items = append(b.items, item{hash: h, ext: ext, size: dto.Size})
	}

	var (
		sumMu    sync.Mutex
		hostErrs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range order {
		b := batches[key]
		g.Go(func() error {
			downloaded, failed, err := e.downloadHost(gctx, b)
			if err != nil {
				err = fmt.Errorf("host %s: %w", key, err)
			}
			sumMu.Lock()
			sum.Downloaded = append(sum.Downloaded, downloaded...)
			sum.Failed = append(sum.Failed, failed...)
			if err != nil {
				hostErrs = append(hostErrs, err)
			}
			sumMu.Unlock()
			// a rejected token is the only failure that stops the other hosts
			if errors.Is(err, transfer.ErrUnauthorized) {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(sum.Downloaded)
	sort.Strings(sum.Failed)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return sum, ctxErr
	}
	if len(sum.Failed) > 0 {
		e.bus.Publish(events.TransferFailed{Direction: string(transfer.Download), Hashes: sum.Failed})
	}
	return sum, errors.Join(hostErrs...)
}

func (e *Engine) downloadHost(ctx context.Context, b *hostBatch) (downloaded, failed []string, err error) {
	hashes := make([]string, len(b.items))
	byHash := make(map[string]item, len(b.items))
	for i, it := range b.items {
		hashes[i] = it.hash
		byHash[it.hash] = it
	}
	log := e.log.WithField("host", transfer.HostKey(b.base))

	var raw string
	if err := e.orch.SendJSON(ctx, http.MethodPost, transfer.EnqueueURL(b.base), hashes, &raw); err != nil {
		return nil, hashes, fmt.Errorf("enqueue: %w", err)
	}
	ticket, err := uuid.Parse(strings.Trim(strings.TrimSpace(raw), `"`))
	if err != nil {
		return nil, hashes, fmt.Errorf("relay returned invalid ticket %q: %w", raw, err)
	}
	log = log.WithField("ticket", ticket)
	defer e.ready.Forget(ticket)

	if err := e.awaitReady(ctx, b.base, ticket, hashes, log); err != nil {
		return nil, hashes, err
	}

	if err := e.orch.WaitForDownloadSlot(ctx); err != nil {
		e.cancelTicket(ctx, b.base, ticket, log)
		return nil, hashes, err
	}
	defer e.orch.ReleaseDownloadSlot()

	descs := make(map[string]*transfer.Descriptor, len(b.items))
	var total int64
	e.mu.Lock()
	for _, it := range b.items {
		d := transfer.NewDescriptor(it.hash, transfer.Download, it.size)
		descs[it.hash] = d
		e.current[it.hash] = d
		total += it.size
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		for h := range descs {
			delete(e.current, h)
		}
		e.mu.Unlock()
	}()

	scratch := filepath.Join(e.store.BasePath(), ticket.String()+".blk")
	defer func() {
		if rmErr := os.Remove(scratch); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.WithError(rmErr).Warn("could not remove block file")
		}
	}()

	e.bus.Publish(events.DownloadStarted{Ticket: ticket.String(), Host: transfer.HostKey(b.base), Hashes: hashes})
	if err := e.fetchBlockFile(ctx, b.base, ticket, scratch, total, log); err != nil {
		if ctx.Err() != nil {
			e.cancelTicket(ctx, b.base, ticket, log)
		}
		return nil, hashes, err
	}

	done, err := e.extract(ctx, scratch, byHash, descs, log)
	for _, h := range hashes {
		if done[h] {
			downloaded = append(downloaded, h)
		} else {
			failed = append(failed, h)
		}
	}
	e.bus.Publish(events.DownloadFinished{
		Ticket:     ticket.String(),
		Host:       transfer.HostKey(b.base),
		Downloaded: len(downloaded),
		Failed:     len(failed),
	})
	return downloaded, failed, err
}

// awaitReady parks until the hub announces ticket. Each quiet timeout
// pings the relay so the queued request stays alive.
func (e *Engine) awaitReady(ctx context.Context, base *url.URL, ticket uuid.UUID, hashes []string, log logrus.FieldLogger) error {
	for {
		ready, err := e.ready.Wait(ctx, ticket, e.orch.Config().ReadyTimeout)
		if err != nil {
			e.cancelTicket(ctx, base, ticket, log)
			return err
		}
		if ready {
			return nil
		}

		err = e.orch.SendJSON(ctx, http.MethodGet, transfer.CheckURL(base, ticket), hashes, nil)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			e.cancelTicket(ctx, base, ticket, log)
			return ctx.Err()
		case errors.Is(err, transfer.ErrUnauthorized):
			return fmt.Errorf("check ticket: %w", err)
		default:
			log.WithError(err).Warn("queue check failed, still waiting")
		}
	}
}

// cancelTicket tells the relay to drop ticket. Failures are only logged.
func (e *Engine) cancelTicket(ctx context.Context, base *url.URL, ticket uuid.UUID, log logrus.FieldLogger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := e.orch.SendJSON(cctx, http.MethodGet, transfer.CancelURL(base, ticket), nil, nil); err != nil {
		log.WithError(err).Debug("could not cancel ticket")
	}
}

// fetchBlockFile spools the de-munged block file to path. A stream that
// breaks off is kept so the complete frames can still be extracted.
func (e *Engine) fetchBlockFile(ctx context.Context, base *url.URL, ticket uuid.UUID, path string, total int64, log logrus.FieldLogger) error {
	resp, err := e.orch.SendRequest(ctx, http.MethodGet, transfer.CacheGetURL(base, ticket), nil)
	if err != nil {
		return fmt.Errorf("get block file: %w", err)
	}
	if err := transfer.CheckStatus(resp); err != nil {
		return fmt.Errorf("get block file: %w", err)
	}
	defer resp.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create block file: %w", err)
	}
	defer f.Close()

	key := ticket.String()
	e.orch.Progress.Start(key, transfer.Download, total)
	defer e.orch.Progress.Finish(key, transfer.Download)

	tr, release := e.orch.Throttle(ctx, resp.Body)
	defer release()
	body := &transfer.CountingReader{
		R:      munge.NewReader(tr),
		OnRead: func(n int64) { e.orch.Progress.Update(key, transfer.Download, n) },
	}

	n, err := io.Copy(f, body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.WithError(err).WithField("bytes", n).Warn("block file stream interrupted, salvaging complete frames")
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flush block file: %w", err)
	}
	return nil
}

// extract persists every complete frame of the block file in wire order.
func (e *Engine) extract(ctx context.Context, path string, want map[string]item, descs map[string]*transfer.Descriptor, log logrus.FieldLogger) (map[string]bool, error) {
	done := make(map[string]bool, len(want))

	f, err := os.Open(path)
	if err != nil {
		return done, fmt.Errorf("open block file: %w", err)
	}
	defer f.Close()

	r := blockfile.NewReader(f, blockfile.Plain)
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		frame, err := r.Next()
		if err == io.EOF {
			return done, nil
		}
		if err != nil {
			log.WithError(err).Warn("stopping at unreadable frame")
			return done, nil
		}

		h := strings.ToLower(frame.Hash)
		it, ok := want[h]
		if !ok {
			log.WithField("hash", h).Warn("block file carries an unrequested hash, skipping")
			continue
		}

		raw, err := compressor.Decompress(frame.Compressed)
		if err != nil {
			log.WithError(err).WithField("hash", h).Error("could not decompress blob")
			continue
		}
		if _, err := e.store.Persist(h, it.ext, raw); err != nil {
			log.WithError(err).WithField("hash", h).Error("could not persist blob")
			continue
		}
		if d := descs[h]; d != nil {
			d.SetTransferred(d.Total)
		}
		done[h] = true
	}
}

// CurrentDownloads lists the blobs of every running host flow.
func (e *Engine) CurrentDownloads() []*transfer.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*transfer.Descriptor, 0, len(e.current))
	for _, d := range e.current {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}
