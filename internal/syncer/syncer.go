// Package syncer ties snapshot diffing to the transfer engines: the sending
// side uploads what a new snapshot needs before telling peers about it, the
// receiving side downloads whatever it does not have yet.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrosync/internal/download"
	"github.com/jaywantadh/disktrosync/internal/snapshot"
	"github.com/jaywantadh/disktrosync/internal/upload"
	"github.com/jaywantadh/disktrosync/pkg/logging"
)

// ErrIncompleteUpload means some blobs could not be uploaded, so peers
// were not told about the new snapshot.
var ErrIncompleteUpload = errors.New("syncer: not every blob reached the relay")

type Uploader interface {
	Upload(ctx context.Context, hashes []string, uids []string) (upload.Result, error)
}

type Downloader interface {
	Download(ctx context.Context, required []download.Required) (download.Summary, error)
}

// Resolver answers whether a blob is already in the local store.
type Resolver interface {
	Resolve(hash string) (string, bool)
}

// Pusher delivers a snapshot to the given peers.
type Pusher interface {
	PushData(ctx context.Context, uids []string, snap snapshot.Snapshot) error
}

// PushResult describes one Push call.
type PushResult struct {
	Changes map[snapshot.Category]snapshot.ReasonSet
	Upload  upload.Result
	Pushed  bool
}

type Syncer struct {
	up     Uploader
	down   Downloader
	store  Resolver
	pusher Pusher
	log    logrus.FieldLogger

	mu   sync.Mutex
	last snapshot.Snapshot
}

func New(up Uploader, down Downloader, store Resolver, pusher Pusher, log logrus.FieldLogger) *Syncer {
	return &Syncer{
		up:     up,
		down:   down,
		store:  store,
		pusher: pusher,
		log:    logging.OrDiscard(log).WithField("component", "syncer"),
	}
}

// Push sends updated to uids if it differs from old. Every blob updated
// refers to is uploaded first.
func (s *Syncer) Push(ctx context.Context, old, updated snapshot.Snapshot, uids []string) (PushResult, error) {
	res := PushResult{Changes: snapshot.Diff(old, updated)}
	if len(res.Changes) == 0 {
		s.log.Debug("snapshot unchanged, nothing to push")
		return res, nil
	}
	for cat, reasons := range res.Changes {
		s.log.WithFields(logrus.Fields{"category": cat, "reasons": reasons.Sorted()}).Debug("category changed")
	}

	up, err := s.up.Upload(ctx, updated.Hashes(), uids)
	res.Upload = up
	if err != nil {
		return res, fmt.Errorf("upload blobs: %w", err)
	}
	if len(up.Failed) > 0 {
		return res, fmt.Errorf("%w: %d failed", ErrIncompleteUpload, len(up.Failed))
	}

	if err := s.pusher.PushData(ctx, uids, updated); err != nil {
		return res, fmt.Errorf("push data: %w", err)
	}
	res.Pushed = true
	return res, nil
}

// PushCurrent pushes the provider's snapshot against the last one pushed
// successfully.
func (s *Syncer) PushCurrent(ctx context.Context, provider snapshot.Provider, uids []string) (PushResult, error) {
	current, err := provider.Current(ctx)
	if err != nil {
		return PushResult{}, fmt.Errorf("read current snapshot: %w", err)
	}

	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	res, err := s.Push(ctx, last, current, uids)
	if err != nil {
		return res, err
	}
	s.mu.Lock()
	s.last = current
	s.mu.Unlock()
	return res, nil
}

// Missing lists the blobs of snap that are not in the local store.
func (s *Syncer) Missing(snap snapshot.Snapshot) []download.Required {
	paths := snap.GamePaths()
	var out []download.Required
	for _, h := range snap.Hashes() {
		if _, ok := s.store.Resolve(h); ok {
			continue
		}
		out = append(out, download.Required{Hash: h, GamePath: paths[h]})
	}
	return out
}

// Receive downloads every blob of snap that is missing locally.
func (s *Syncer) Receive(ctx context.Context, snap snapshot.Snapshot) (download.Summary, error) {
	missing := s.Missing(snap)
	if len(missing) == 0 {
		return download.Summary{}, nil
	}
	s.log.WithField("missing", len(missing)).Info("downloading missing blobs")
	return s.down.Download(ctx, missing)
}
