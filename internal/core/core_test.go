package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"warden/internal/config"
	"warden/internal/eventbus"
	"warden/internal/mod"
	"warden/internal/modlog"
	"warden/internal/scheduler"
	"warden/internal/storage"
	kit "warden/internal/transport"
	"warden/internal/users"
	logx "warden/pkg/logx"
)

type sentMsg struct {
	To   kit.ChatTarget
	Text string
}

type fakeGateway struct {
	mu      sync.Mutex
	sent    []sentMsg
	deleted []kit.MessageRef
	photos  [][]byte
}

func newFakeGateway() *fakeGateway { return &fakeGateway{} }

func (g *fakeGateway) Start(ctx context.Context, out chan<- kit.Message) error { return nil }
func (g *fakeGateway) Stop(ctx context.Context) error                          { return nil }
func (g *fakeGateway) SelfID() int64                                           { return 99 }

func (g *fakeGateway) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentMsg{To: to, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(g.sent)}, nil
}

func (g *fakeGateway) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, ref)
	return nil
}

func (g *fakeGateway) MemberExists(ctx context.Context, chatID, userID int64) (bool, error) {
	return true, nil
}

func (g *fakeGateway) RestrictUser(ctx context.Context, chatID, userID int64, perms kit.RolePerms) error {
	return nil
}

func (g *fakeGateway) LiftRestrictions(ctx context.Context, chatID, userID int64) error { return nil }
func (g *fakeGateway) IsBanned(ctx context.Context, chatID, userID int64) (bool, error) {
	return false, nil
}
func (g *fakeGateway) Unban(ctx context.Context, chatID, userID int64) error { return nil }

func (g *fakeGateway) SetChatPhoto(ctx context.Context, chatID int64, image []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.photos = append(g.photos, image)
	return nil
}

func (g *fakeGateway) sentTexts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.sent))
	for i, m := range g.sent {
		out[i] = m.Text
	}
	return out
}

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{OwnerUserIDs: []int64{7}},
		Mod: config.ModConfig{
			ChatID:    -100,
			LogChatID: -200,
			Roles: []config.RoleConfig{
				{ID: 1, Name: "silenced"},
			},
			SilencedRoleID: 1,
		},
	}
}

type env struct {
	db    storage.Store
	cfgm  *config.Manager
	gw    *fakeGateway
	users *users.Store
	jobs  *scheduler.Store
	sched *scheduler.Service
	rec   *Reconciler
}

func newEnv(t *testing.T, cfg *config.Config) *env {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "warden.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if cfg == nil {
		cfg = baseConfig()
	}
	cfgm := config.NewManager("")
	cfgm.Commit(cfg)

	gw := newFakeGateway()
	userStore := users.NewStore(db, logx.Nop())
	modSvc := mod.New(gw, cfgm, userStore, logx.Nop())
	logSvc := modlog.New(gw, db, logx.Nop())
	logSvc.Apply(cfg.Mod.LogChatID, 0, 100)
	jobStore := scheduler.NewStore(db, logx.Nop())

	sched := scheduler.New(scheduler.Deps{
		Store:   jobStore,
		Gateway: gw,
		Config:  cfgm,
		Mod:     modSvc,
		ModLog:  logSvc,
		Bus:     eventbus.New(),
		DB:      db,
	}, logx.Nop())

	return &env{
		db:    db,
		cfgm:  cfgm,
		gw:    gw,
		users: userStore,
		jobs:  jobStore,
		sched: sched,
		rec:   NewReconciler(jobStore, sched, logx.Nop()),
	}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
