// Command pg-keeper is the keeper daemon entrypoint (spec.md §1, §4.8): it
// wires configuration, the local database driver, the monitor client and
// listener, the node-active loop, and the supervisor together, then blocks
// until a termination signal. Grounded on the teacher's server/server.go
// process bootstrap (config load, logger setup, signal channel, supervised
// goroutines, ordered shutdown).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/signal18/pg-ha-keeper/config"
	"github.com/signal18/pg-ha-keeper/internal/kerrors"
	"github.com/signal18/pg-ha-keeper/internal/klog"
	"github.com/signal18/pg-ha-keeper/keeper"
	"github.com/signal18/pg-ha-keeper/loop"
	"github.com/signal18/pg-ha-keeper/monitor"
	"github.com/signal18/pg-ha-keeper/pgctl"
	"github.com/signal18/pg-ha-keeper/retry"
	"github.com/signal18/pg-ha-keeper/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	klog.SetVerbose(cfg.Verbose)
	log := klog.For("main")

	if cfg.PGData == "" {
		log.Error("PGDATA is required")
		return kerrors.ExitBadConfig
	}
	if cfg.MonitorURI == "" {
		log.Error("PG_AUTOCTL_MONITOR is required")
		return kerrors.ExitBadConfig
	}

	lockPath := filepath.Join(cfg.PGData, "pg_keeper.pid")
	lock, err := supervisor.Acquire(lockPath)
	if err != nil {
		log.WithError(err).Error("failed to acquire PID lock")
		return kerrors.ExitBadState
	}
	defer lock.Release()

	store := keeper.NewStore(cfg.PGData)

	hbaLevel := pgctl.HBALan
	switch cfg.HBALevel {
	case "minimal":
		hbaLevel = pgctl.HBAMinimal
	case "skip":
		hbaLevel = pgctl.HBASkip
	}

	driver := pgctl.New(pgctl.Config{
		PGData:                cfg.PGData,
		DSN:                   fmt.Sprintf("host=%s port=%d dbname=postgres sslmode=prefer", cfg.NodeHost, cfg.NodePort),
		BaseBackupMaxRateKBps: cfg.BaseBackupMaxRate / 1024,
		ForceOverwrite:        cfg.ForceOverwrite,
	}, klog.For("pgctl"))

	monitorClient, err := monitor.New(cfg.MonitorURI, retry.Service(), klog.For("monitor"))
	if err != nil {
		log.WithError(err).Error("failed to open monitor connection")
		return kerrors.ExitMonitorError
	}
	defer monitorClient.Close()

	st, err := store.ReadState()
	if err != nil && err != keeper.ErrStateMissing {
		log.WithError(err).Error("failed to read local state")
		return kerrors.ExitBadState
	}

	listener, err := monitor.NewListener(cfg.MonitorURI, st.CurrentNodeID, int(st.CurrentGroupID), klog.For("listener"))
	if err != nil {
		log.WithError(err).Error("failed to start monitor listener")
		return kerrors.ExitMonitorError
	}
	defer listener.Close()

	nodeLoop := &loop.Loop{
		Store:     store,
		DB:        driver,
		Monitor:   monitorClient,
		Notifier:  listener,
		Log:       klog.ForNode("loop", st.CurrentNodeID, int(st.CurrentGroupID)),
		Formation: cfg.Formation,
		NodeID:    st.CurrentNodeID,
		GroupID:   int(st.CurrentGroupID),
		Interval:  cfg.CycleInterval,
		Policy:    retry.Service(),
		HBALevel:  hbaLevel,
	}

	// dbController is the spec.md §2 "DB-controller process": it only ever
	// reads ExpectedPostgresStatus (keeper.ExpectedStatusReader), never the
	// full *keeper.Store, so it cannot acquire the node-active loop's write
	// ownership by accident.
	dbController := pgctl.NewController(store, driver, klog.For("db-controller"))
	dbController.Interval = cfg.CycleInterval

	sup := supervisor.New(log,
		supervisor.Service{
			Name:  "node-active-loop",
			Fatal: true,
			Run: func(ctx context.Context) error {
				runCtx, runCancel := context.WithCancel(ctx)
				defer runCancel()
				var fatalErr error
				nodeLoop.Fatal = func(code int, err error) {
					fatalErr = err
					runCancel()
				}
				nodeLoop.Run(runCtx)
				return fatalErr
			},
		},
		supervisor.Service{
			Name:  "db-controller",
			Fatal: false,
			Run: func(ctx context.Context) error {
				return dbController.Run(ctx)
			},
		},
		supervisor.Service{
			Name:  "notification-listener",
			Fatal: false,
			Run: func(ctx context.Context) error {
				listener.Run(ctx)
				return nil
			},
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Info("reloading configuration")
				cfg = config.Reload()
				klog.SetVerbose(cfg.Verbose)
			case syscall.SIGINT, syscall.SIGTERM:
				log.WithField("signal", sig.String()).Info("shutting down")
				sup.Shutdown()
				cancel()
				return
			case syscall.SIGQUIT:
				log.WithField("signal", sig.String()).Warn("immediate shutdown requested")
				cancel()
				return
			}
		}
	}()

	if err := sup.Run(ctx); err != nil {
		class, ok := kerrors.ClassOf(err)
		if ok {
			return class.ExitCode()
		}
		log.WithError(err).Error("supervisor exited with an unclassified error")
		return kerrors.ExitInternal
	}
	return kerrors.ExitSuccess
}
