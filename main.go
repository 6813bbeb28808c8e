package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/harborapp/synccore/log"
	"github.com/harborapp/synccore/pkg/offline"
	"github.com/harborapp/synccore/pkg/offline/engine"
	"github.com/harborapp/synccore/pkg/offline/netmon"
	"github.com/harborapp/synccore/pkg/offline/netmon/httpprobe"
	queuebbolt "github.com/harborapp/synccore/pkg/offline/queue/bbolt"
	"github.com/harborapp/synccore/pkg/offline/transport/httpapi"
)

var mainLog = log.GetLogger("main")

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "synccore.yaml"
	}
	return filepath.Join(home, ".synccore", "config.yaml")
}

func main() {
	app := cli.NewApp()
	app.Name = "synccore"
	app.Usage = "offline-first sync daemon: queues local changes and pushes them when connectivity allows"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to the daemon config file",
			Value: defaultConfigPath(),
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (debug, info, warn, error)",
			Value: "info",
		},
		cli.StringFlag{
			Name:  "log-format",
			Usage: "log format (console, json)",
			Value: "console",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		mainLog.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log.SetLoggersConfig(&log.LogConfig{
		Level:  c.String("log-level"),
		Format: c.String("log-format"),
		Color:  true,
	})

	cfg, err := offline.LoadConfig(c.String("config"))
	if err != nil {
		if errors.Is(err, offline.ErrConfigMissing) {
			return fmt.Errorf("config template written to %s, edit it and restart", c.String("config"))
		}
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := queuebbolt.Open(filepath.Join(cfg.DataDir, "queue.db"), queuebbolt.Options{
		AttemptCeiling: cfg.Queue.AttemptCeiling,
	})
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer func() { mainLog.E(store.Close()) }()

	tr, err := httpapi.New(httpapi.Config{
		BaseURL:   cfg.Transport.BaseURL,
		Timeout:   time.Duration(cfg.Transport.TimeoutSec) * time.Second,
		AuthToken: cfg.Transport.AuthToken,
	})
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	probe, err := httpprobe.New(httpprobe.Config{
		URL:      cfg.Network.ProbeURL,
		Interval: time.Duration(cfg.Network.ProbeIntervalSec) * time.Second,
		Timeout:  time.Duration(cfg.Network.ProbeTimeoutSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("build reachability probe: %w", err)
	}

	monitor, err := netmon.New(probe,
		netmon.WithDebounceWindow(time.Duration(cfg.Network.DebounceMs)*time.Millisecond))
	if err != nil {
		return fmt.Errorf("build network monitor: %w", err)
	}

	eng, err := engine.New(engine.Config{
		BackoffBase:     time.Duration(cfg.Sync.BackoffBaseSec) * time.Second,
		BackoffMax:      time.Duration(cfg.Sync.BackoffMaxSec) * time.Second,
		RefreshInterval: time.Duration(cfg.Sync.RefreshIntervalSec) * time.Second,
		SyncInterval:    time.Duration(cfg.Sync.SyncIntervalSec) * time.Second,
		AssetMaxAge:     time.Duration(cfg.Sync.AssetMaxAgeDays) * 24 * time.Hour,
	}, store, tr, engine.WithConnectivity(monitor))
	if err != nil {
		return fmt.Errorf("build sync engine: %w", err)
	}

	eng.Subscribe(func(status engine.Status) {
		mainLog.Debugf("sync status: phase=%s pending=%d", status.Phase, status.PendingCount)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mainLog.Infof("synccore starting, data dir %s, remote %s", cfg.DataDir, cfg.Transport.BaseURL)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return monitor.Run(gctx) })
	group.Go(func() error { return eng.Run(gctx) })

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		mainLog.Infof("synccore stopped")
		return nil
	}
	return err
}
