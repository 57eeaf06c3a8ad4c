package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/disktrosync/config"
	"github.com/jaywantadh/disktrosync/internal/download"
	"github.com/jaywantadh/disktrosync/internal/events"
	"github.com/jaywantadh/disktrosync/internal/hub"
	"github.com/jaywantadh/disktrosync/internal/snapshot"
)

func main() {
	app := &cli.App{
		Name:  "disktrosync",
		Usage: "Content-addressed blob sync against a disktrosync relay",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: ".", Usage: "directory holding config.yaml"},
			&cli.StringSliceFlag{Name: "env", Usage: "additional .env files"},
			&cli.BoolFlag{Name: "debug"},
		},
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Aliases:   []string{"u"},
				Usage:     "Make sure the relay holds the given files",
				ArgsUsage: "FILE...",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "uid", Usage: "recipient uid, repeatable"},
				},
				Action: withDeps(uploadCmd),
			},
			{
				Name:      "download",
				Aliases:   []string{"d"},
				Usage:     "Fetch blobs into the local cache",
				ArgsUsage: "HASH[.ext]...",
				Action:    withDeps(downloadCmd),
			},
			{
				Name:      "diff",
				Usage:     "Show what changed between two snapshot files",
				ArgsUsage: "OLD.json NEW.json",
				Action:    diffCmd,
			},
			{
				Name:   "purge",
				Usage:  "Delete every blob you stored on the relay",
				Action: withDeps(purgeCmd),
			},
			{
				Name:   "verify-cache",
				Usage:  "Rehash the local cache and drop corrupt entries",
				Action: withDeps(verifyCmd),
			},
			{
				Name:   "backup-config",
				Usage:  "Write a timestamped copy of each config section",
				Action: withDeps(backupCmd),
			},
			{
				Name:   "watch",
				Usage:  "Listen on the hub and reload config on change until interrupted",
				Action: withDeps(watchCmd),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func uploadCmd(c *cli.Context, r *deps) error {
	if c.NArg() == 0 {
		return cli.Exit("upload needs at least one file", 2)
	}
	var hashes []string
	for _, path := range c.Args().Slice() {
		rec := r.store.CreateEntry(path)
		if rec == nil {
			r.log.WithField("path", path).Warn("skipping unreadable file")
			continue
		}
		hashes = append(hashes, rec.Hash)
	}

	res, err := r.uploads.Upload(c.Context, hashes, c.StringSlice("uid"))
	if err != nil {
		return err
	}
	fmt.Printf("uploaded %d, already present %d, forbidden %d, failed %d\n",
		len(res.Uploaded), len(res.Verified), len(res.Forbidden), len(res.Failed))
	if len(res.Failed) > 0 {
		return cli.Exit("some files failed to upload", 1)
	}
	return nil
}

func downloadCmd(c *cli.Context, r *deps) error {
	if c.NArg() == 0 {
		return cli.Exit("download needs at least one hash", 2)
	}
	var required []download.Required
	for _, arg := range c.Args().Slice() {
		hash, ext, _ := strings.Cut(arg, ".")
		req := download.Required{Hash: hash}
		if ext != "" {
			req.GamePath = "file." + ext
		}
		required = append(required, req)
	}

	listener := hub.NewClient(r.cfg.Snapshot().HubURL, r.tokens, r.board, r.log)
	if _, err := listener.Start(c.Context); err != nil {
		return fmt.Errorf("hub: %w", err)
	}

	stop := reportProgress(c.Context, r)
	sum, err := r.downloads.Download(c.Context, required)
	stop()
	fmt.Printf("downloaded %d, forbidden %d, unavailable %d, failed %d\n",
		len(sum.Downloaded), len(sum.Forbidden), len(sum.Unavailable), len(sum.Failed))
	if err != nil {
		return err
	}
	if len(sum.Failed) > 0 {
		return cli.Exit("some files failed to download", 1)
	}
	return nil
}

// reportProgress logs the transfer summary every few seconds.
func reportProgress(ctx context.Context, r *deps) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.log.Info(r.orch.Progress.Summary())
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}

func diffCmd(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("diff needs OLD.json and NEW.json", 2)
	}
	old, err := snapshot.Load(c.Args().Get(0))
	if err != nil {
		return err
	}
	updated, err := snapshot.Load(c.Args().Get(1))
	if err != nil {
		return err
	}

	changes := snapshot.Diff(old, updated)
	out := make(map[string][]snapshot.ChangeReason, len(changes))
	for cat, reasons := range changes {
		out[string(cat)] = reasons.Sorted()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func purgeCmd(c *cli.Context, r *deps) error {
	return r.uploads.DeleteAllFiles(c.Context)
}

func verifyCmd(c *cli.Context, r *deps) error {
	records, err := r.index.All()
	if err != nil {
		return err
	}
	var kept, dropped int
	var size uint64
	for _, rec := range records {
		if r.store.Verify(rec.Hash) {
			kept++
			size += uint64(rec.Size)
			continue
		}
		dropped++
	}
	fmt.Printf("%d blobs (%s) intact, %d dropped\n", kept, humanize.Bytes(size), dropped)
	return nil
}

func backupCmd(c *cli.Context, r *deps) error {
	dir := r.cfg.Snapshot().BackupPath
	now := time.Now()
	for _, k := range r.cfg.Snapshot().Kinds() {
		path, err := config.Backup(dir, k, now)
		if err != nil {
			return err
		}
		fmt.Println(path)
	}
	return nil
}

func watchCmd(c *cli.Context, r *deps) error {
	events.On(r.bus, func(m events.ConfigReloaded) {
		if m.Err != nil {
			r.log.WithError(m.Err).Warn("config reload rejected, keeping previous values")
			return
		}
		r.log.Info("configuration reloaded")
	})
	events.On(r.bus, func(m events.BandwidthChanged) {
		r.log.WithField("active", m.ActiveSlots).Debugf("per-slot download limit now %d B/s", m.PerSlot)
	})

	r.cfg.Watch(func(old, updated config.AppConfig, err error) {
		r.bus.Publish(events.ConfigReloaded{Err: err})
		if err == nil && (old.DownloadSpeedLimit != updated.DownloadSpeedLimit || old.ParallelDownloads != updated.ParallelDownloads) {
			r.orch.Rebalance()
		}
	})

	kinds := make([]string, 0)
	for _, k := range r.cfg.Snapshot().Kinds() {
		kinds = append(kinds, k.KindName())
	}
	sort.Strings(kinds)
	r.log.WithField("sections", kinds).Info("watching configuration")

	listener := hub.NewClient(r.cfg.Snapshot().HubURL, r.tokens, r.board, r.log)
	err := listener.Listen(c.Context)
	if c.Context.Err() != nil {
		return nil
	}
	return err
}
