// Package upload makes sure the relay holds every blob a snapshot refers to.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jaywantadh/disktrosync/config"
	"github.com/jaywantadh/disktrosync/internal/events"
	"github.com/jaywantadh/disktrosync/internal/munge"
	"github.com/jaywantadh/disktrosync/internal/storage"
	"github.com/jaywantadh/disktrosync/internal/transfer"
	"github.com/jaywantadh/disktrosync/pkg/logging"
)

// Result summarises one upload batch.
type Result struct {
	Uploaded  []string
	Verified  []string // already on the relay or uploaded recently
	Forbidden []string
	Missing   []string // no local file
	Failed    []string
}

// Engine uploads blobs from the local store to the relay.
type Engine struct {
	orch  *transfer.Orchestrator
	store storage.Storage
	bus   *events.Bus
	log   logrus.FieldLogger

	verified *ttlcache.Cache[string, time.Time]

	mu      sync.Mutex
	current map[string]*transfer.Descriptor
	cancel  context.CancelFunc
}

func NewEngine(orch *transfer.Orchestrator, store storage.Storage, bus *events.Bus, log logrus.FieldLogger) *Engine {
	window := orch.Config().VerifyWindow
	if window <= 0 {
		window = config.Defaults().VerifyWindow
	}
	return &Engine{
		orch:  orch,
		store: store,
		bus:   bus,
		log:   logging.OrDiscard(log).WithField("component", "upload"),
		verified: ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](window),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
		current: make(map[string]*transfer.Descriptor),
	}
}

// IsVerified reports whether hash was confirmed on the relay within the
// verification window.
func (e *Engine) IsVerified(hash string) bool {
	return e.verified.Get(strings.ToLower(hash)) != nil
}

func (e *Engine) markVerified(hash string) {
	e.verified.Set(hash, time.Now().UTC(), ttlcache.DefaultTTL)
}

// Upload guarantees that every hash in hashes is stored on the relay,
// scoped to uids. Per-file failures are reported in the Result; the error
// is only non-nil when the batch itself could not run or was cancelled.
func (e *Engine) Upload(ctx context.Context, hashes []string, uids []string) (Result, error) {
	var res Result

	base, err := url.Parse(e.orch.Config().ServerURL)
	if err != nil {
		return res, fmt.Errorf("parse server url: %w", err)
	}

	var unverified []string
	for _, h := range normalize(hashes) {
		switch {
		case e.orch.Forbidden.Contains(h):
			res.Forbidden = append(res.Forbidden, h)
		case e.IsVerified(h):
			res.Verified = append(res.Verified, h)
		default:
			if _, ok := e.store.Resolve(h); !ok {
				e.log.WithField("hash", h).Warn("no local file for hash, skipping")
				res.Missing = append(res.Missing, h)
				continue
			}
			unverified = append(unverified, h)
		}
	}
	if len(unverified) == 0 {
		e.publishFinished(res)
		return res, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		clear(e.current)
		e.mu.Unlock()
	}()

	var answer []transfer.UploadFileDTO
	req := transfer.FilesSendDTO{FileHashes: unverified, UIDs: uids}
	if uids == nil {
		req.UIDs = []string{}
	}
	if err := e.orch.SendJSON(ctx, http.MethodPost, transfer.FilesSendURL(base), req, &answer); err != nil {
		return res, fmt.Errorf("files send: %w", err)
	}

	needed := make(map[string]bool, len(answer))
	var toSend []string
	for _, dto := range answer {
		h := strings.ToLower(dto.Hash)
		if dto.IsForbidden {
			if e.orch.Forbidden.Add(h, dto.ForbiddenBy, transfer.Upload) {
				e.log.WithFields(logrus.Fields{"hash": h, "by": dto.ForbiddenBy}).Warn("upload forbidden by relay")
			}
			e.markVerified(h)
			res.Forbidden = append(res.Forbidden, h)
			continue
		}
		if !needed[h] {
			needed[h] = true
			toSend = append(toSend, h)
		}
	}
	for _, h := range unverified {
		if !needed[h] && !e.orch.Forbidden.Contains(h) {
			e.markVerified(h)
			res.Verified = append(res.Verified, h)
		}
	}

	var (
		resMu     sync.Mutex
		failBytes int64
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range toSend {
		g.Go(func() error {
			n, err := e.uploadOne(gctx, base, h)
			resMu.Lock()
			defer resMu.Unlock()
			switch {
			case err == nil:
				e.markVerified(h)
				res.Uploaded = append(res.Uploaded, h)
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				e.log.WithError(err).WithField("hash", h).Error("upload failed")
				res.Failed = append(res.Failed, h)
				failBytes += n
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, err
	}

	sort.Strings(res.Uploaded)
	sort.Strings(res.Failed)
	if len(res.Failed) > 0 {
		e.bus.Publish(events.TransferFailed{Direction: string(transfer.Upload), Hashes: res.Failed, Bytes: failBytes})
	}
	e.publishFinished(res)
	return res, nil
}

func (e *Engine) publishFinished(res Result) {
	e.bus.Publish(events.UploadFinished{
		Uploaded:  len(res.Uploaded),
		Skipped:   len(res.Verified) + len(res.Missing),
		Forbidden: len(res.Forbidden),
	})
}

// uploadOne returns the compressed size alongside any error.
func (e *Engine) uploadOne(ctx context.Context, base *url.URL, hash string) (int64, error) {
	if err := e.orch.WaitForUploadSlot(ctx); err != nil {
		return 0, err
	}
	defer e.orch.ReleaseUploadSlot()

	_, data, err := e.store.GetCompressedBytes(hash)
	if err != nil {
		return 0, fmt.Errorf("compress %s: %w", hash, err)
	}
	size := int64(len(data))

	desc := transfer.NewDescriptor(hash, transfer.Upload, size)
	e.mu.Lock()
	e.current[hash] = desc
	e.mu.Unlock()
	e.orch.Progress.Start(hash, transfer.Upload, size)
	defer e.orch.Progress.Finish(hash, transfer.Upload)

	switch e.orch.Config().UploadMunging {
	case config.MungeAlways:
		err = e.send(ctx, base, desc, data, true)
	case config.MungeNever:
		err = e.send(ctx, base, desc, data, false)
	default:
		err = e.send(ctx, base, desc, data, false)
		if err != nil && ctx.Err() == nil {
			e.log.WithError(err).WithField("hash", hash).Warn("direct upload failed, retrying munged")
			desc.SetTransferred(0)
			err = e.send(ctx, base, desc, data, true)
		}
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return size, ctxErr
		}
		return size, err
	}
	desc.SetTransferred(size)
	return size, nil
}

func (e *Engine) send(ctx context.Context, base *url.URL, desc *transfer.Descriptor, data []byte, munged bool) error {
	payload := data
	if munged {
		payload = munge.Copy(data)
	}
	body := &transfer.CountingReader{
		R: bytes.NewReader(payload),
		OnRead: func(total int64) {
			desc.SetTransferred(total)
			e.orch.Progress.Update(desc.Hash, transfer.Upload, total)
		},
	}

	resp, err := e.orch.SendRequest(ctx, http.MethodPost, transfer.UploadURL(base, desc.Hash, munged), io.Reader(body))
	if err != nil {
		return err
	}
	if err := transfer.CheckStatus(resp); err != nil {
		var se *transfer.StatusError
		if errors.As(err, &se) && se.Code == http.StatusForbidden {
			return errors.Join(err, transfer.ErrForbidden)
		}
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Cancel aborts the running batch. Partially sent blobs are not marked
// verified.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	clear(e.current)
}

// CurrentUploads lists the blobs of the running batch.
func (e *Engine) CurrentUploads() []*transfer.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*transfer.Descriptor, 0, len(e.current))
	for _, d := range e.current {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// DeleteAllFiles removes every blob the caller stored on the relay and
// forgets what was verified.
func (e *Engine) DeleteAllFiles(ctx context.Context) error {
	base, err := url.Parse(e.orch.Config().ServerURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	if err := e.orch.SendJSON(ctx, http.MethodPost, transfer.DeleteAllURL(base), nil, nil); err != nil {
		return fmt.Errorf("delete all files: %w", err)
	}
	e.verified.DeleteAll()
	e.log.Info("deleted all remote files")
	return nil
}

func normalize(hashes []string) []string {
	seen := make(map[string]bool, len(hashes))
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
