package main

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/disktrosync/config"
	"github.com/jaywantadh/disktrosync/internal/auth"
	"github.com/jaywantadh/disktrosync/internal/download"
	"github.com/jaywantadh/disktrosync/internal/events"
	"github.com/jaywantadh/disktrosync/internal/hub"
	"github.com/jaywantadh/disktrosync/internal/metadata"
	"github.com/jaywantadh/disktrosync/internal/storage"
	"github.com/jaywantadh/disktrosync/internal/transfer"
	"github.com/jaywantadh/disktrosync/internal/upload"
	"github.com/jaywantadh/disktrosync/pkg/env"
	"github.com/jaywantadh/disktrosync/pkg/logging"
)

// deps holds everything a command needs, built from the config dir.
type deps struct {
	cfg       *config.Store
	log       *logrus.Logger
	bus       *events.Bus
	tokens    auth.TokenProvider
	index     *metadata.BlobIndex
	store     *storage.ContentStore
	orch      *transfer.Orchestrator
	board     *hub.Board
	uploads   *upload.Engine
	downloads *download.Engine
}

func setup(c *cli.Context) (*deps, error) {
	if err := env.LoadEnv(c.StringSlice("env")...); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	snap := cfg.Snapshot()

	r := &deps{
		cfg:    cfg,
		log:    logging.NewLogger(snap.Debug || c.Bool("debug")),
		tokens: auth.EnvToken(env.TokenKey),
		board:  hub.NewBoard(),
	}
	r.bus = events.NewBus(0, r.log)
	events.On(r.bus, func(m events.TransferFailed) { r.log.Warn(m.Text()) })

	r.index, err = metadata.OpenBlobIndex(filepath.Join(snap.StoragePath, "index"))
	if err != nil {
		return nil, err
	}
	r.store, err = storage.NewContentStore(filepath.Join(snap.StoragePath, "cache"), r.index, r.log)
	if err != nil {
		r.index.Close()
		return nil, err
	}

	r.orch = transfer.NewOrchestrator(cfg, r.tokens, nil, r.bus, r.log)
	r.uploads = upload.NewEngine(r.orch, r.store, r.bus, r.log)
	r.downloads = download.NewEngine(r.orch, r.store, r.board, r.bus, r.log)
	return r, nil
}

func (r *deps) Close() error {
	return r.index.Close()
}

// withDeps builds the dependencies, starts the deferred event loop and
// tears both down after fn returns.
func withDeps(fn func(c *cli.Context, r *deps) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := setup(c)
		if err != nil {
			return err
		}
		defer r.Close()

		ctx, cancel := signalContext(c.Context)
		defer cancel()
		go r.bus.Run(ctx)

		c.Context = ctx
		return fn(c, r)
	}
}
