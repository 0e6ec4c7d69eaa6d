// Package core wires the relay together: the multiplexer backend, the
// session registry, the transcript monitor, the delivery queue, and the
// inbound command dispatcher.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"ccrelay/internal/config"
	"ccrelay/internal/delivery"
	"ccrelay/internal/mux"
	"ccrelay/internal/registry"
	"ccrelay/internal/storage"
	"ccrelay/internal/transcript"
	"ccrelay/internal/transport"
	"ccrelay/internal/transport/telegram"
	"ccrelay/pkg/logx"
)

type App struct {
	cfg *config.Config

	logSvc *logx.Service
	log    logx.Logger

	adapter  *telegram.Adapter
	backend  mux.Backend
	reg      *registry.Registry
	parser   *transcript.Parser
	monitor  *transcript.Monitor
	bindings *delivery.Bindings
	router   *delivery.Router
	queue    *delivery.Queue
	journal  storage.Journal

	cron *cron.Cron
	sup  *Supervisor

	updates chan transport.Update
	// poke wakes the tick loop early, e.g. when the session map changes.
	poke chan struct{}

	pollInterval time.Duration
	allowed      map[int64]struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	cmdTimeout, err := config.Duration("mux.command_timeout", cfg.Mux.CommandTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	backend, err := mux.New(mux.Config{
		Backend:        cfg.Backend,
		Session:        cfg.Mux.Session,
		MainWindow:     cfg.Mux.MainWindow,
		CommandTimeout: cmdTimeout,
	})
	if err != nil {
		return nil, err
	}

	reg := registry.New(cfg.Monitor.SessionMapFile, cfg.Mux.Session, backend,
		log.With(logx.String("comp", "registry")))

	pendingTTL, err := config.Duration("monitor.pending_call_ttl", cfg.Monitor.PendingCallTTL, 30*time.Minute)
	if err != nil {
		return nil, err
	}
	parser := transcript.NewParser(transcript.ParserConfig{
		PendingTTL: pendingTTL,
		PendingMax: cfg.Monitor.PendingCallMax,
	}, log.With(logx.String("comp", "parser")))

	monitor := transcript.NewMonitor(transcript.MonitorConfig{
		ProjectsDir: cfg.Monitor.ProjectsDir,
		StateFile:   cfg.Monitor.StateFile,
	}, parser, log.With(logx.String("comp", "monitor")))

	journal := storage.Nop()
	if cfg.Storage != nil {
		busy, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
		if err != nil {
			return nil, err
		}
		journal, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "journal")))
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	bindings := delivery.LoadBindings(cfg.Delivery.BindingsFile,
		log.With(logx.String("comp", "bindings")))
	router := delivery.NewRouter(reg, bindings)

	minInterval, err := config.Duration("delivery.min_send_interval", cfg.Delivery.MinSendInterval, 1100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	queue := delivery.NewQueue(delivery.QueueConfig{
		MaxMessageSize:  cfg.Delivery.MaxMessageSize,
		MergeMaxSize:    cfg.Delivery.MergeMaxSize,
		MinSendInterval: minInterval,
	}, adapter, journal, log.With(logx.String("comp", "queue")))

	pollInterval, err := config.Duration("monitor.poll_interval", cfg.Monitor.PollInterval, 2*time.Second)
	if err != nil {
		return nil, err
	}

	allowed := make(map[int64]struct{}, len(cfg.Telegram.AllowedUserIDs))
	for _, id := range cfg.Telegram.AllowedUserIDs {
		allowed[id] = struct{}{}
	}

	return &App{
		cfg:          cfg,
		logSvc:       logSvc,
		log:          log,
		adapter:      adapter,
		backend:      backend,
		reg:          reg,
		parser:       parser,
		monitor:      monitor,
		bindings:     bindings,
		router:       router,
		queue:        queue,
		journal:      journal,
		cron:         cron.New(),
		updates:      make(chan transport.Update, 64),
		poke:         make(chan struct{}, 1),
		pollInterval: pollInterval,
		allowed:      allowed,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	if err := a.backend.EnsureSession(a.sup.Context()); err != nil {
		a.log.Warn("multiplexer session not ready",
			logx.String("backend", a.backend.Name()), logx.Err(err))
	}

	// Purge persisted state for sessions that disappeared while we were
	// down, then start from the current registry view.
	if _, err := a.reg.Reconcile(a.sup.Context()); err != nil {
		a.log.Warn("initial session map load", logx.Err(err))
	}
	a.monitor.RetainOnly(a.reg.ActiveSessionIDs())
	for _, sess := range a.reg.Snapshot() {
		a.monitor.Track(sess.ID, sess.CWD)
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if err := a.startMaintenance(); err != nil {
		return err
	}
	a.cron.Start()

	a.sup.Go("monitor.tick", a.tickLoop)
	a.sup.Go("sessionmap.watch", a.watchSessionMap)
	a.sup.Go("commands.dispatch", a.dispatchLoop)

	a.log.Info("started",
		logx.String("backend", a.backend.Name()),
		logx.Duration("poll_interval", a.pollInterval))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	err := a.sup.Stop(ctx)
	_ = a.adapter.Stop(ctx)
	a.queue.Close()
	if a.journal != nil {
		_ = a.journal.Close()
	}
	_ = a.logSvc.Close()
	return err
}
