package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/disktrosync/internal/auth"
	"github.com/jaywantadh/disktrosync/internal/hub"
	"github.com/jaywantadh/disktrosync/internal/relay"
	"github.com/jaywantadh/disktrosync/pkg/env"
	"github.com/jaywantadh/disktrosync/pkg/httpserver"
	"github.com/jaywantadh/disktrosync/pkg/logging"
)

func main() {
	_ = env.LoadEnv()

	app := &cli.App{
		Name:  "disktrosync-relay",
		Usage: "Development relay for disktrosync clients",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address"},
			&cli.StringSliceFlag{Name: "token", Usage: "preconfigured TOKEN=UID pair, repeatable"},
			&cli.DurationFlag{Name: "ready-delay", Value: 500 * time.Millisecond, Usage: "how long enqueued requests stay pending"},
			&cli.DurationFlag{Name: "session-ttl", Value: 24 * time.Hour},
			&cli.BoolFlag{Name: "debug"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logging.NewLogger(c.Bool("debug"))

	sessions := auth.NewSessionManager(c.Duration("session-ttl"))
	for _, pair := range c.StringSlice("token") {
		token, uid, ok := strings.Cut(pair, "=")
		if !ok || token == "" || uid == "" {
			return fmt.Errorf("invalid --token %q, want TOKEN=UID", pair)
		}
		sessions.Grant(token, uid)
	}
	if token := env.GetEnv(env.TokenKey, ""); token != "" {
		sessions.Grant(token, "local")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := sessions.Cleanup(); n > 0 {
					log.WithField("removed", n).Info("expired sessions removed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	broadcaster := hub.NewBroadcaster(sessions.Validate, log)
	srv := relay.NewServer(sessions,
		relay.WithHub(broadcaster),
		relay.WithReadyDelay(c.Duration("ready-delay")),
		relay.WithLogger(log),
	)
	return httpserver.Serve(ctx, c.String("addr"), srv.Handler(), log)
}

