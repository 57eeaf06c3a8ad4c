// Package relay is an in-process implementation of the file relay the
// sync client talks to. It backs the engines' integration tests and the
// development binary in cmd/relay.
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrosync/internal/auth"
	"github.com/jaywantadh/disktrosync/internal/blockfile"
	"github.com/jaywantadh/disktrosync/internal/compressor"
	"github.com/jaywantadh/disktrosync/internal/hub"
	"github.com/jaywantadh/disktrosync/internal/munge"
	"github.com/jaywantadh/disktrosync/internal/storage"
	"github.com/jaywantadh/disktrosync/internal/transfer"
	"github.com/jaywantadh/disktrosync/pkg/logging"
)

// HubPath is where the hub websocket is mounted when a broadcaster is set.
const HubPath = "/hub"

const maxUploadSize = 256 << 20

type blob struct {
	compressed []byte
	rawSize    int64
	owner      string
}

type ticket struct {
	id        uuid.UUID
	uid       string
	hashes    []string
	ready     bool
	createdAt time.Time
	timer     *time.Timer
}

// Server stores compressed blobs per hash and serves download tickets.
type Server struct {
	sessions *auth.SessionManager
	notifier hub.Notifier
	hub      *hub.Broadcaster
	delay    time.Duration
	log      logrus.FieldLogger

	mu        sync.RWMutex
	blobs     map[string]*blob
	forbidden map[string]string
	tickets   map[uuid.UUID]*ticket
}

// Option configures a Server.
type Option func(*Server)

// WithHub mounts b at HubPath and announces ready tickets through it.
func WithHub(b *hub.Broadcaster) Option {
	return func(s *Server) {
		s.hub = b
		s.notifier = b
	}
}

// WithNotifier announces ready tickets through n instead of a hub.
func WithNotifier(n hub.Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

// WithReadyDelay sets how long an enqueued ticket stays pending.
func WithReadyDelay(d time.Duration) Option {
	return func(s *Server) { s.delay = d }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer creates a relay that authenticates callers against sessions.
func NewServer(sessions *auth.SessionManager, opts ...Option) *Server {
	s := &Server{
		sessions:  sessions,
		blobs:     make(map[string]*blob),
		forbidden: make(map[string]string),
		tickets:   make(map[uuid.UUID]*ticket),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrDiscard(s.log).WithField("component", "relay")
	return s
}

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+transfer.PathFilesGetSizes, s.authed(s.handleGetSizes))
	mux.HandleFunc("POST "+transfer.PathFilesSend, s.authed(s.handleFilesSend))
	mux.HandleFunc("POST "+transfer.PathFilesUpload+"{hash}", s.authed(s.handleUpload(false)))
	mux.HandleFunc("POST "+transfer.PathFilesUploadMunged+"{hash}", s.authed(s.handleUpload(true)))
	mux.HandleFunc("POST "+transfer.PathFilesDeleteAll, s.authed(s.handleDeleteAll))
	mux.HandleFunc("POST "+transfer.PathRequestEnqueue, s.authed(s.handleEnqueue))
	mux.HandleFunc("GET "+transfer.PathRequestCheck, s.authed(s.handleCheck))
	mux.HandleFunc("GET "+transfer.PathRequestCancel, s.authed(s.handleCancel))
	mux.HandleFunc("GET "+transfer.PathCacheGet, s.authed(s.handleCacheGet))
	if s.hub != nil {
		mux.Handle(HubPath, s.hub)
	}
	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, uid string)

func (s *Server) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			WriteErrorResponse(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		uid, err := s.sessions.Validate(token)
		if err != nil {
			WriteErrorResponse(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r, uid)
	}
}

// Store puts a compressed blob as owned by uid without validating it.
func (s *Server) Store(hash string, compressed []byte, rawSize int64, uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[strings.ToLower(hash)] = &blob{compressed: compressed, rawSize: rawSize, owner: uid}
}

// Forbid marks hash as refused by policy.
func (s *Server) Forbid(hash, by string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forbidden[strings.ToLower(hash)] = by
}

// Has reports whether a blob is stored.
func (s *Server) Has(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[strings.ToLower(hash)]
	return ok
}

// Hashes lists the stored hashes.
func (s *Server) Hashes() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.blobs))
	for h := range s.blobs {
		out = append(out, h)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// PendingTickets is the number of tickets not yet fetched or cancelled.
func (s *Server) PendingTickets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickets)
}

func readHashes(r *http.Request) ([]string, error) {
	var hashes []string
	if err := json.NewDecoder(r.Body).Decode(&hashes); err != nil {
		return nil, fmt.Errorf("decode hash list: %w", err)
	}
	for i, h := range hashes {
		hashes[i] = strings.ToLower(h)
	}
	return hashes, nil
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// handleGetSizes handles GET /files/getFileSizes
func (s *Server) handleGetSizes(w http.ResponseWriter, r *http.Request, uid string) {
	hashes, err := readHashes(r)
	if err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	base := baseURL(r)
	s.mu.RLock()
	out := make([]transfer.DownloadFileDTO, 0, len(hashes))
	for _, h := range hashes {
		dto := transfer.DownloadFileDTO{Hash: h, URL: base}
		if by, ok := s.forbidden[h]; ok {
			dto.IsForbidden = true
			dto.ForbiddenBy = by
		} else if b, ok := s.blobs[h]; ok {
			dto.Size = int64(len(b.compressed))
			dto.RawSize = b.rawSize
		}
		out = append(out, dto)
	}
	s.mu.RUnlock()

	WriteJSONResponse(w, http.StatusOK, out)
}

// handleFilesSend handles POST /files/filesSend
func (s *Server) handleFilesSend(w http.ResponseWriter, r *http.Request, uid string) {
	var req transfer.FilesSendDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	s.mu.RLock()
	out := make([]transfer.UploadFileDTO, 0)
	for _, h := range req.FileHashes {
		h = strings.ToLower(h)
		if by, ok := s.forbidden[h]; ok {
			out = append(out, transfer.UploadFileDTO{Hash: h, IsForbidden: true, ForbiddenBy: by})
			continue
		}
		if _, ok := s.blobs[h]; !ok {
			out = append(out, transfer.UploadFileDTO{Hash: h})
		}
	}
	s.mu.RUnlock()

	s.log.WithFields(logrus.Fields{"uid": uid, "offered": len(req.FileHashes), "needed": len(out)}).Debug("files send")
	WriteJSONResponse(w, http.StatusOK, out)
}

// handleUpload handles POST /files/upload/{hash} and /files/uploadMunged/{hash}
func (s *Server) handleUpload(munged bool) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, uid string) {
		hash := strings.ToLower(r.PathValue("hash"))

		s.mu.RLock()
		_, isForbidden := s.forbidden[hash]
		s.mu.RUnlock()
		if isForbidden {
			WriteErrorResponse(w, http.StatusForbidden, "hash is forbidden")
			return
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize))
		if err != nil {
			WriteErrorResponse(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		if munged {
			munge.Bytes(data)
		}

		raw, err := compressor.Decompress(data)
		if err != nil {
			WriteErrorResponse(w, http.StatusBadRequest, "upload is not a valid compressed blob")
			return
		}
		if got := storage.HashBytes(raw); got != hash {
			WriteErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("hash mismatch: got %s", got))
			return
		}

		s.Store(hash, data, int64(len(raw)), uid)
		s.log.WithFields(logrus.Fields{"uid": uid, "hash": hash, "munged": munged}).Info("blob stored")
		w.WriteHeader(http.StatusOK)
	}
}

// handleDeleteAll handles POST /files/deleteAll
func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request, uid string) {
	s.mu.Lock()
	removed := 0
	for h, b := range s.blobs {
		if b.owner == uid {
			delete(s.blobs, h)
			removed++
		}
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"uid": uid, "removed": removed}).Info("deleted all files")
	w.WriteHeader(http.StatusOK)
}

// handleEnqueue handles POST /request/enqueue
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, uid string) {
	hashes, err := readHashes(r)
	if err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	t := &ticket{id: uuid.New(), uid: uid, hashes: hashes, createdAt: time.Now()}
	s.mu.Lock()
	s.tickets[t.id] = t
	t.timer = time.AfterFunc(s.delay, func() { s.markReady(t.id) })
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"uid": uid, "ticket": t.id, "hashes": len(hashes)}).Debug("ticket enqueued")
	WriteJSONResponse(w, http.StatusOK, t.id.String())
}

func (s *Server) markReady(id uuid.UUID) {
	s.mu.Lock()
	t, ok := s.tickets[id]
	if ok {
		t.ready = true
	}
	s.mu.Unlock()

	if ok && s.notifier != nil {
		s.notifier.NotifyReady(t.uid, id)
	}
}

func (s *Server) lookupTicket(w http.ResponseWriter, r *http.Request, uid string) (*ticket, bool) {
	id, err := uuid.Parse(r.URL.Query().Get("requestId"))
	if err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, "invalid requestId")
		return nil, false
	}
	s.mu.RLock()
	t, ok := s.tickets[id]
	s.mu.RUnlock()
	if !ok || t.uid != uid {
		WriteErrorResponse(w, http.StatusNotFound, "unknown request")
		return nil, false
	}
	return t, true
}

// handleCheck handles GET /request/check
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request, uid string) {
	if _, ok := s.lookupTicket(w, r, uid); !ok {
		return
	}
	_, _ = io.Copy(io.Discard, r.Body)
	w.WriteHeader(http.StatusOK)
}

// handleCancel handles GET /request/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, uid string) {
	t, ok := s.lookupTicket(w, r, uid)
	if !ok {
		return
	}
	s.dropTicket(t)
	s.log.WithField("ticket", t.id).Debug("ticket cancelled")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) dropTicket(t *ticket) {
	s.mu.Lock()
	delete(s.tickets, t.id)
	s.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

// handleCacheGet handles GET /cache/get
func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request, uid string) {
	t, ok := s.lookupTicket(w, r, uid)
	if !ok {
		return
	}

	s.mu.RLock()
	ready := t.ready
	var buf bytes.Buffer
	bw := blockfile.NewWriter(&buf, blockfile.Munged)
	for _, h := range t.hashes {
		b, ok := s.blobs[h]
		if !ok {
			continue
		}
		if err := bw.WriteFrame(h, b.compressed); err != nil {
			s.mu.RUnlock()
			WriteErrorResponse(w, http.StatusInternalServerError, "failed to build block file")
			return
		}
	}
	s.mu.RUnlock()

	if !ready {
		WriteErrorResponse(w, http.StatusConflict, "request not ready")
		return
	}
	s.dropTicket(t)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.log.WithError(err).WithField("ticket", t.id).Warn("block file stream interrupted")
	}
}
