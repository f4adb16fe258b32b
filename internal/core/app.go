// Package core assembles the bot: it owns the event loop that feeds
// inbound messages to the command, monitor and spam layers, applies
// committed config changes to every subsystem, and reacts to the
// scheduler's published signals.
package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"warden/internal/booru"
	"warden/internal/config"
	"warden/internal/eventbus"
	"warden/internal/maintenance"
	"warden/internal/mod"
	"warden/internal/modlog"
	"warden/internal/scheduler"
	"warden/internal/spam"
	"warden/internal/storage"
	kit "warden/internal/transport"
	"warden/internal/transport/telegram"
	"warden/internal/users"
	logx "warden/pkg/logx"
)

const inboundBuffer = 256

// boredLines are posted to the bored channel when a bored-commands job
// fires. Deliberately low-stakes chatter.
var boredLines = []string{
	"It's quiet in here. Too quiet.",
	"Is anypony around, or am I talking to myself again?",
	"I'm bored. Somepony say something interesting!",
	"Still here. Still watching. Still bored.",
}

type App struct {
	log    logx.Logger
	logSvc *logx.Service
	cfgm   *config.Manager
	db     storage.Store
	gw     kit.Gateway
	bus    eventbus.Bus

	users  *users.Store
	jobs   *scheduler.Store
	sched  *scheduler.Service
	spam   *spam.Service
	mod    *mod.Service
	modlog *modlog.Service
	maint  *maintenance.Service

	monitor   *Monitor
	commands  *Commands
	reconcile *Reconciler

	// lastCfg is the config the subsystems currently reflect; Diff against
	// it drives reconciliation when the watcher publishes a new one.
	lastCfg *config.Config

	randInt func(n int) int
}

// Build loads the config, opens storage, restores the persisted state and
// wires every subsystem. Nothing runs until Run.
func Build(ctx context.Context, configPath string) (*App, error) {
	cfgm := config.NewManager(configPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logxConfig(cfg), nil)
	cfgm.SetLogger(log)

	busyTimeout, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	db, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	userStore := users.NewStore(db, log)
	if err := userStore.Load(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load users: %w", err)
	}
	jobStore := scheduler.NewStore(db, log)
	if err := jobStore.Load(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	gw, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logSvc.SetChatTarget(cfg.Mod.LogChatID, cfg.Logging.Chat.ThreadID)
	logSvc.SetSender(gw)

	ml := modlog.New(gw, db, log)
	ml.Apply(cfg.Mod.LogChatID, cfg.Mod.LogThreadID, cfg.Mod.LogRatePerSec)

	modSvc := mod.New(gw, cfgm, userStore, log)
	bus := eventbus.New()

	var booruClient *booru.Client
	if cfg.Banner.BooruBaseURL != "" {
		booruClient, err = booru.New(booru.Config{
			Endpoint: cfg.Banner.BooruBaseURL,
			APIKey:   cfg.Banner.BooruAPIKey,
		}, log)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("booru: %w", err)
		}
	}

	sched := scheduler.New(scheduler.Deps{
		Store:   jobStore,
		Gateway: gw,
		Config:  cfgm,
		Mod:     modSvc,
		ModLog:  ml,
		Bus:     bus,
		DB:      db,
		Booru:   booruClient,
	}, log)

	spamSvc := spam.New(spam.Deps{
		Config: cfgm,
		Users:  userStore,
		Mod:    modSvc,
		ModLog: ml,
		Jobs:   jobStore,
		Gw:     gw,
	}, log)

	a := &App{
		log:       log.With(logx.String("svc", "core")),
		logSvc:    logSvc,
		cfgm:      cfgm,
		db:        db,
		gw:        gw,
		bus:       bus,
		users:     userStore,
		jobs:      jobStore,
		sched:     sched,
		spam:      spamSvc,
		mod:       modSvc,
		modlog:    ml,
		maint:     maintenance.New(cfgm, userStore, log),
		monitor:   NewMonitor(cfgm, userStore, gw, log),
		commands:  NewCommands(cfgm, jobStore, gw, log),
		reconcile: NewReconciler(jobStore, sched, log),
		lastCfg:   cfg,
		randInt:   rand.Intn,
	}
	return a, nil
}

// Run starts the gateway, the config watcher, the scheduler and the
// maintenance cron, then serves the event loop until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	msgCh := make(chan kit.Message, inboundBuffer)
	if err := a.gw.Start(ctx, msgCh); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	cfgCh := a.cfgm.Subscribe(4)
	go func() {
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Error("config watcher exited", logx.Err(err))
		}
	}()

	busCh, unsubscribe := a.bus.Subscribe(16)
	defer unsubscribe()

	a.sched.Start(ctx)
	if err := a.maint.Start(ctx); err != nil {
		a.log.Error("maintenance start failed", logx.Err(err))
	}

	a.log.Info("warden running")
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case msg := <-msgCh:
			a.handleMessage(ctx, msg)
		case cfg, ok := <-cfgCh:
			if !ok {
				cfgCh = nil
				continue
			}
			a.applyConfig(ctx, cfg)
		case ev := <-busCh:
			a.handleSignal(ctx, ev)
		}
	}
}

func (a *App) shutdown() {
	a.sched.Stop()
	a.maint.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.gw.Stop(stopCtx); err != nil {
		a.log.Error("gateway stop failed", logx.Err(err))
	}
	if err := a.db.Close(); err != nil {
		a.log.Error("storage close failed", logx.Err(err))
	}
	_ = a.logSvc.Close()
}

// handleMessage runs the inbound pipeline. Owner commands consume the
// message outright; a monitored-channel removal also stops processing so
// deleted posts are never scored for spam.
func (a *App) handleMessage(ctx context.Context, msg kit.Message) {
	if a.commands.HandleMessage(ctx, msg) {
		return
	}
	if a.monitor.HandleMessage(ctx, msg) {
		return
	}
	a.spam.HandleMessage(ctx, msg)
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	old := a.lastCfg
	a.lastCfg = cfg

	a.logSvc.Apply(logxConfig(cfg))
	a.logSvc.SetChatTarget(cfg.Mod.LogChatID, cfg.Logging.Chat.ThreadID)
	a.modlog.Apply(cfg.Mod.LogChatID, cfg.Mod.LogThreadID, cfg.Mod.LogRatePerSec)

	sections, values := config.Diff(old, cfg)
	if len(sections) > 0 {
		a.log.Info("config change applied", logx.Any("sections", sections))
	}
	for _, change := range values {
		if err := a.reconcile.Apply(ctx, cfg, change); err != nil {
			if errors.Is(err, ErrUnknownConfigValue) {
				a.log.Error("config value has no reconciler", logx.String("name", change.Name))
				continue
			}
			a.log.Error("config reconciliation failed",
				logx.String("name", change.Name), logx.Err(err))
		}
	}
}

func (a *App) handleSignal(ctx context.Context, ev eventbus.Event) {
	switch ev.Topic {
	case eventbus.TopicBoredRun:
		a.runBored(ctx)
	case eventbus.TopicRaidEnd:
		large, _ := ev.Data.(bool)
		a.log.Info("raid mode ended", logx.Bool("large", large))
	default:
		a.log.Warn("unhandled bus signal", logx.String("topic", ev.Topic))
	}
}

func (a *App) runBored(ctx context.Context) {
	channel := a.cfgm.Get().Bored.Channel
	if channel == 0 {
		return
	}
	line := boredLines[a.randInt(len(boredLines))]
	if _, err := a.gw.SendText(ctx, kit.ChatTarget{ChatID: channel}, line, nil); err != nil {
		a.log.Error("bored message failed", logx.Err(err), logx.Int64("chat", channel))
	}
}

func logxConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ChatID:     cfg.Mod.LogChatID,
			ThreadID:   cfg.Logging.Chat.ThreadID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}
