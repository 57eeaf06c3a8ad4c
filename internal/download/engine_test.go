package download

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/disktrosync/config"
	"github.com/jaywantadh/disktrosync/internal/auth"
	"github.com/jaywantadh/disktrosync/internal/compressor"
	"github.com/jaywantadh/disktrosync/internal/events"
	"github.com/jaywantadh/disktrosync/internal/hub"
	"github.com/jaywantadh/disktrosync/internal/metadata"
	"github.com/jaywantadh/disktrosync/internal/relay"
	"github.com/jaywantadh/disktrosync/internal/storage"
	"github.com/jaywantadh/disktrosync/internal/transfer"
)

type harness struct {
	relay  *relay.Server
	store  *storage.ContentStore
	orch   *transfer.Orchestrator
	engine *Engine
	checks  atomic.Int32
	cancels atomic.Int32
	// cut, when positive, truncates block file responses to that many bytes
	cut atomic.Int64
	// frames holds the wire size of each seeded blob's frame
	frames map[string]int64
	// elsewhere sends the size answer for a hash to another host
	elsewhere map[string]string
	// stall makes block file responses hang after the first bytes
	stall     atomic.Bool
	streaming chan struct{}
}

func newHarness(t *testing.T, token string, opts ...relay.Option) *harness {
	t.Helper()
	h := &harness{
		frames:    make(map[string]int64),
		elsewhere: make(map[string]string),
		streaming: make(chan struct{}),
	}
	board := hub.NewBoard()

	sessions := auth.NewSessionManager(time.Hour)
	sessions.Grant("tok", "uid-1")
	opts = append([]relay.Option{relay.WithNotifier(hub.NotifierFunc(func(_ string, id uuid.UUID) {
		board.MarkReady(id)
	}))}, opts...)
	h.relay = relay.NewServer(sessions, opts...)
	routes := h.relay.Handler()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case transfer.PathRequestCheck:
			h.checks.Add(1)
		case transfer.PathRequestCancel:
			h.cancels.Add(1)
		case transfer.PathFilesGetSizes:
			if len(h.elsewhere) > 0 {
				h.redirectSizes(w, r, routes)
				return
			}
		case transfer.PathCacheGet:
			if h.stall.Load() {
				rec := httptest.NewRecorder()
				routes.ServeHTTP(rec, r)
				w.WriteHeader(rec.Code)
				_, _ = w.Write(rec.Body.Bytes()[:rec.Body.Len()/2])
				w.(http.Flusher).Flush()
				close(h.streaming)
				<-r.Context().Done()
				return
			}
			if n := h.cut.Load(); n > 0 {
				rec := httptest.NewRecorder()
				routes.ServeHTTP(rec, r)
				body := rec.Body.Bytes()
				w.WriteHeader(rec.Code)
				_, _ = w.Write(body[:min(int(n), len(body))])
				return
			}
		}
		routes.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	index, err := metadata.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })
	h.store, err = storage.NewContentStore(filepath.Join(t.TempDir(), "cache"), index, nil)
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.ServerURL = srv.URL
	cfg.ParallelDownloads = 2
	cfg.ReadyTimeout = 30 * time.Millisecond
	h.orch = transfer.NewOrchestrator(config.Static(cfg), auth.StaticToken(token), nil, events.NewBus(16, nil), nil)
	h.engine = NewEngine(h.orch, h.store, board, nil, nil)
	return h
}

func (h *harness) redirectSizes(w http.ResponseWriter, r *http.Request, routes http.Handler) {
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, r)
	var sizes []transfer.DownloadFileDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &sizes); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for i := range sizes {
		if host, ok := h.elsewhere[sizes[i].Hash]; ok {
			sizes[i].URL = host
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sizes)
}

// seed stores content on the relay and returns its hash.
func (h *harness) seed(t *testing.T, content string) string {
	t.Helper()
	data, err := compressor.Compress([]byte(content))
	require.NoError(t, err)
	hash := storage.HashBytes([]byte(content))
	h.relay.Store(hash, data, int64(len(content)), "uid-1")
	h.frames[hash] = int64(len(fmt.Sprintf("#%s:%d#", hash, len(data))) + len(data))
	return hash
}

func (h *harness) blockFiles(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(h.store.BasePath(), "*.blk"))
	require.NoError(t, err)
	return matches
}

func TestCleanBatch(t *testing.T) {
	h := newHarness(t, "tok")
	a := h.seed(t, "model one")
	b := h.seed(t, "texture two")
	c := h.seed(t, "material three")

	sum, err := h.engine.Download(context.Background(), []Required{
		{Hash: a, GamePath: "chara/body/b0001.mdl"},
		{Hash: b, GamePath: "chara/body/b0001_d.tex"},
		{Hash: c, GamePath: "chara/body/b0001.mtrl"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b, c}, sum.Downloaded)
	assert.Empty(t, sum.Failed)

	for _, hash := range []string{a, b, c} {
		path, ok := h.store.Resolve(hash)
		require.True(t, ok)
		got, _, err := storage.HashFile(path)
		require.NoError(t, err)
		assert.Equal(t, hash, got)
	}
	path, _ := h.store.Resolve(b)
	assert.Equal(t, ".tex", filepath.Ext(path))

	assert.Empty(t, h.blockFiles(t))
	assert.Zero(t, h.relay.PendingTickets())
	assert.Empty(t, h.engine.CurrentDownloads())
	assert.Zero(t, h.orch.ActiveDownloads())
}

func TestOneForbiddenOfThree(t *testing.T) {
	h := newHarness(t, "tok")
	a := h.seed(t, "model one")
	b := h.seed(t, "texture two")
	c := h.seed(t, "material three")
	h.relay.Forbid(c, "moderator")

	sum, err := h.engine.Download(context.Background(), []Required{{Hash: a}, {Hash: b}, {Hash: c}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, sum.Downloaded)
	assert.Equal(t, []string{c}, sum.Forbidden)
	assert.True(t, h.orch.Forbidden.Contains(c))
	_, ok := h.store.Resolve(c)
	assert.False(t, ok)

	// a forbidden hash is never offered to the relay again
	sum, err = h.engine.Download(context.Background(), []Required{{Hash: c}})
	require.NoError(t, err)
	assert.Equal(t, []string{c}, sum.Forbidden)
}

func TestHashMismatchOnOneFrame(t *testing.T) {
	h := newHarness(t, "tok")
	a := h.seed(t, "model one")
	b := h.seed(t, "texture two")
	bad := storage.HashBytes([]byte("what the peer announced"))
	wrong, err := compressor.Compress([]byte("what the relay actually has"))
	require.NoError(t, err)
	h.relay.Store(bad, wrong, 27, "uid-1")

	sum, err := h.engine.Download(context.Background(), []Required{{Hash: a}, {Hash: bad}, {Hash: b}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, sum.Downloaded)
	assert.Equal(t, []string{bad}, sum.Failed)

	_, ok := h.store.Resolve(bad)
	assert.False(t, ok)
	_, err = os.Stat(h.store.PathFor(bad, ""))
	assert.True(t, os.IsNotExist(err))
	_, ok = h.store.Resolve(storage.HashBytes([]byte("what the relay actually has")))
	assert.False(t, ok)
	assert.Empty(t, h.blockFiles(t))
}

func TestTruncatedStreamKeepsCompleteFrames(t *testing.T) {
	h := newHarness(t, "tok")
	a := h.seed(t, "model one")
	b := h.seed(t, "texture two")
	c := h.seed(t, "material three, which will be cut off mid frame")
	h.cut.Store(h.frames[a] + h.frames[b] + 10)

	sum, err := h.engine.Download(context.Background(), []Required{{Hash: a}, {Hash: b}, {Hash: c}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, sum.Downloaded)
	assert.Equal(t, []string{c}, sum.Failed)
	assert.Empty(t, h.blockFiles(t))
}

func TestQuietTicketIsKeptAlive(t *testing.T) {
	h := newHarness(t, "tok", relay.WithReadyDelay(200*time.Millisecond))
	a := h.seed(t, "model one")

	sum, err := h.engine.Download(context.Background(), []Required{{Hash: a}})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, sum.Downloaded)
	assert.Positive(t, h.checks.Load())
}

func TestCancellationReleasesTicket(t *testing.T) {
	h := newHarness(t, "tok", relay.WithReadyDelay(time.Hour))
	a := h.seed(t, "model one")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()

	_, err := h.engine.Download(ctx, []Required{{Hash: a}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.relay.PendingTickets())
	assert.Zero(t, h.orch.ActiveDownloads())
	assert.Empty(t, h.blockFiles(t))
}

func TestFailingHostLeavesOthersAlone(t *testing.T) {
	h := newHarness(t, "tok", relay.WithReadyDelay(100*time.Millisecond))
	a := h.seed(t, "model one")
	b := h.seed(t, "texture two")
	c := h.seed(t, "material three")

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)
	h.elsewhere[c] = broken.URL

	sum, err := h.engine.Download(context.Background(), []Required{{Hash: a}, {Hash: b}, {Hash: c}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "enqueue")
	assert.ElementsMatch(t, []string{a, b}, sum.Downloaded)
	assert.Equal(t, []string{c}, sum.Failed)

	for _, hash := range []string{a, b} {
		_, ok := h.store.Resolve(hash)
		assert.True(t, ok, hash)
	}
	assert.Empty(t, h.blockFiles(t))
	assert.Zero(t, h.orch.ActiveDownloads())
}

func TestCancelMidStreamCancelsTicket(t *testing.T) {
	h := newHarness(t, "tok")
	a := h.seed(t, "model one")
	b := h.seed(t, "texture two")
	h.stall.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-h.streaming
		cancel()
	}()

	sum, err := h.engine.Download(ctx, []Required{{Hash: a}, {Hash: b}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sum.Downloaded)
	assert.Equal(t, int32(1), h.cancels.Load())
	assert.Empty(t, h.blockFiles(t))
	assert.Zero(t, h.orch.ActiveDownloads())
}

func TestUnauthorizedIsFatal(t *testing.T) {
	h := newHarness(t, "wrong")
	a := h.seed(t, "model one")

	_, err := h.engine.Download(context.Background(), []Required{{Hash: a}})
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrUnauthorized)
}

func TestUnknownHashIsUnavailable(t *testing.T) {
	h := newHarness(t, "tok")
	missing := storage.HashBytes([]byte("nobody uploaded this"))

	sum, err := h.engine.Download(context.Background(), []Required{{Hash: missing}})
	require.NoError(t, err)
	assert.Equal(t, []string{missing}, sum.Unavailable)
	assert.Zero(t, h.relay.PendingTickets())
}

func TestGuessExtension(t *testing.T) {
	cases := map[string]string{
		"chara/equipment/e0001/model/c0101e0001_top.mdl": "mdl",
		"chara/common/texture/skin_d.TEX":                "tex",
		`chara\human\c0101\skeleton.sklb`:             "sklb",
		"":                                               "dat",
		"no_extension":                                   "dat",
		"weird.ex-t":                                     "dat",
		"long.abcdefghij":                                "dat",
	}
	for in, want := range cases {
		assert.Equal(t, want, GuessExtension(in), in)
	}
}
