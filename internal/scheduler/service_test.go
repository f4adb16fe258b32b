package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"warden/internal/config"
	"warden/internal/eventbus"
	"warden/internal/mod"
	"warden/internal/modlog"
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
	mu         sync.Mutex
	sent       []sentMsg
	members    map[int64]bool
	banned     map[int64]bool
	restricted map[int64]kit.RolePerms
	lifted     []int64
	photos     [][]byte
	sendErr    error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		members:    map[int64]bool{},
		banned:     map[int64]bool{},
		restricted: map[int64]kit.RolePerms{},
	}
}

func (g *fakeGateway) Start(ctx context.Context, out chan<- kit.Message) error { return nil }
func (g *fakeGateway) Stop(ctx context.Context) error                          { return nil }
func (g *fakeGateway) SelfID() int64                                           { return 99 }

func (g *fakeGateway) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return kit.MessageRef{}, g.sendErr
	}
	g.sent = append(g.sent, sentMsg{To: to, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(g.sent)}, nil
}

func (g *fakeGateway) DeleteMessage(ctx context.Context, ref kit.MessageRef) error { return nil }

func (g *fakeGateway) MemberExists(ctx context.Context, chatID, userID int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members[userID], nil
}

func (g *fakeGateway) RestrictUser(ctx context.Context, chatID, userID int64, perms kit.RolePerms) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restricted[userID] = perms
	return nil
}

func (g *fakeGateway) LiftRestrictions(ctx context.Context, chatID, userID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.restricted, userID)
	g.lifted = append(g.lifted, userID)
	return nil
}

func (g *fakeGateway) IsBanned(ctx context.Context, chatID, userID int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.banned[userID], nil
}

func (g *fakeGateway) Unban(ctx context.Context, chatID, userID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.banned, userID)
	return nil
}

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

func testConfig() *config.Config {
	return &config.Config{
		Mod: config.ModConfig{
			ChatID:    -100,
			LogChatID: -200,
			Roles: []config.RoleConfig{
				{ID: 1, Name: "silenced"},
				{ID: 2, Name: "limited", CanSendText: true},
			},
			SilencedRoleID: 1,
		},
	}
}

type testEnv struct {
	svc   *Service
	store *Store
	gw    *fakeGateway
	cfgm  *config.Manager
	db    storage.Store
	bus   eventbus.Bus
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "warden.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if cfg == nil {
		cfg = testConfig()
	}
	cfgm := config.NewManager("")
	cfgm.Commit(cfg)

	gw := newFakeGateway()
	userStore := users.NewStore(db, logx.Nop())
	modSvc := mod.New(gw, cfgm, userStore, logx.Nop())
	logSvc := modlog.New(gw, db, logx.Nop())
	logSvc.Apply(cfg.Mod.LogChatID, 0, 100)
	store := NewStore(db, logx.Nop())
	bus := eventbus.New()

	svc := New(Deps{
		Store:   store,
		Gateway: gw,
		Config:  cfgm,
		Mod:     modSvc,
		ModLog:  logSvc,
		Bus:     bus,
		DB:      db,
	}, logx.Nop())

	return &testEnv{svc: svc, store: store, gw: gw, cfgm: cfgm, db: db, bus: bus}
}

func mustCreate(t *testing.T, store *Store, job Job) Job {
	t.Helper()
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func mustNewJob(t *testing.T, createdAt, executeAt time.Time, repeat RepeatType, action Action) Job {
	t.Helper()
	job, err := NewJob(createdAt, executeAt, repeat, action)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return job
}

func TestRescheduleRelativeIsDeterministic(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d := 45 * time.Minute
	job := mustNewJob(t, t0, t0.Add(d), RepeatRelative, BoredCommands{})

	for k := 1; k <= 10; k++ {
		job = Reschedule(job)
		want := t0.Add(time.Duration(k+1) * d)
		if !job.ExecuteAt.Equal(want) {
			t.Fatalf("firing %d: execute at %v, want %v", k, job.ExecuteAt, want)
		}
		if job.LastExecutedAt == nil || !job.LastExecutedAt.Equal(t0.Add(time.Duration(k)*d)) {
			t.Fatalf("firing %d: last executed %v", k, job.LastExecutedAt)
		}
	}
}

func TestRescheduleCalendarPreservesTimeOfDay(t *testing.T) {
	t0 := time.Date(2025, 2, 27, 9, 30, 15, 0, time.UTC)
	cases := []struct {
		repeat RepeatType
		want   time.Time
	}{
		{RepeatDaily, time.Date(2025, 2, 28, 9, 30, 15, 0, time.UTC)},
		{RepeatWeekly, time.Date(2025, 3, 6, 9, 30, 15, 0, time.UTC)},
		{RepeatYearly, time.Date(2026, 2, 27, 9, 30, 15, 0, time.UTC)},
	}
	for _, tc := range cases {
		job := mustNewJob(t, t0.Add(-time.Hour), t0, tc.repeat, BoredCommands{})
		job = Reschedule(job)
		if !job.ExecuteAt.Equal(tc.want) {
			t.Fatalf("%s: execute at %v, want %v", tc.repeat, job.ExecuteAt, tc.want)
		}
		h, m, s := job.ExecuteAt.Clock()
		if h != 9 || m != 30 || s != 15 {
			t.Fatalf("%s: time of day drifted to %02d:%02d:%02d", tc.repeat, h, m, s)
		}
	}
}

func TestStoreDeleteNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.store.Delete(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStoreDeletePersists(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	now := time.Now()

	a := mustCreate(t, env.store, mustNewJob(t, now, now.Add(time.Hour), RepeatNone, Echo{Target: 1, Content: "a"}))
	b := mustCreate(t, env.store, mustNewJob(t, now, now.Add(time.Hour), RepeatNone, Echo{Target: 2, Content: "b"}))

	if err := env.store.Delete(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if jobs := env.store.List(); len(jobs) != 1 || jobs[0].ID != b.ID {
		t.Fatalf("in-memory list after delete: %+v", jobs)
	}

	// The snapshot is the sole source of truth at startup.
	fresh := NewStore(env.db, logx.Nop())
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if jobs := fresh.List(); len(jobs) != 1 || jobs[0].ID != b.ID {
		t.Fatalf("persisted list after delete: %+v", jobs)
	}
}

func TestStoreSnapshotRoundtrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	idx := 3

	actions := []Action{
		RoleRemoval{RoleID: 1, UserID: 7, Reason: "timed out"},
		RoleAddition{RoleID: 2, UserID: 7},
		Unban{UserID: 8},
		Echo{Target: -100, Content: "hello"},
		BannerRotation{LastBannerIndex: &idx},
		BoredCommands{},
		EndRaid{IsLarge: true},
	}
	for _, a := range actions {
		mustCreate(t, env.store, mustNewJob(t, now, now.Add(time.Hour), RepeatRelative, a))
	}

	fresh := NewStore(env.db, logx.Nop())
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	jobs := fresh.List()
	if len(jobs) != len(actions) {
		t.Fatalf("job count: %d", len(jobs))
	}
	for i, j := range jobs {
		if j.Action.Type() != actions[i].Type() {
			t.Fatalf("job %d: action type %s, want %s", i, j.Action.Type(), actions[i].Type())
		}
	}
	banner, ok := jobs[4].Action.(BannerRotation)
	if !ok || banner.LastBannerIndex == nil || *banner.LastBannerIndex != 3 {
		t.Fatalf("banner index did not survive: %+v", jobs[4].Action)
	}
}

func TestDecodeUnknownActionFails(t *testing.T) {
	var j Job
	err := j.UnmarshalJSON([]byte(`{"id":"x","created_at":"2025-01-01T00:00:00Z","execute_at":"2025-01-01T01:00:00Z","repeat":"none","action":{"type":"teleport"}}`))
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("want ErrUnknownAction, got %v", err)
	}
}

func TestTickExecutesDueEchoAndDeletesIt(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	env.svc.clock = func() time.Time { return now }

	mustCreate(t, env.store, mustNewJob(t, now.Add(-time.Hour), now.Add(-time.Minute), RepeatNone, Echo{Target: -100, Content: "ping"}))
	mustCreate(t, env.store, mustNewJob(t, now, now.Add(time.Hour), RepeatNone, Echo{Target: -100, Content: "later"}))

	env.svc.tick(context.Background())

	texts := env.gw.sentTexts()
	if len(texts) != 1 || texts[0] != "ping" {
		t.Fatalf("sent: %v", texts)
	}
	jobs := env.store.List()
	if len(jobs) != 1 {
		t.Fatalf("jobs after tick: %+v", jobs)
	}
	if echo := jobs[0].Action.(Echo); echo.Content != "later" {
		t.Fatalf("wrong job survived: %+v", jobs[0])
	}
}

func TestTickSoftFailureStillAdvancesJob(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	env.svc.clock = func() time.Time { return now }

	// User 7 is not a member, so the role executor soft-fails.
	job := mustCreate(t, env.store, mustNewJob(t, now.Add(-30*time.Minute), now, RepeatRelative, RoleAddition{RoleID: 2, UserID: 7}))

	env.svc.tick(context.Background())

	got, err := env.store.Get(job.ID)
	if err != nil {
		t.Fatalf("job should survive a soft failure: %v", err)
	}
	if !got.ExecuteAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("execute at %v, want %v", got.ExecuteAt, now.Add(30*time.Minute))
	}
	if len(env.gw.sentTexts()) != 0 {
		t.Fatalf("soft failure should not post a mod log: %v", env.gw.sentTexts())
	}
}

type bogusAction struct{}

func (bogusAction) Type() ActionType     { return "bogus" }
func (bogusAction) Describe() string     { return "Bogus" }
func (bogusAction) DescribeRich() string { return "Bogus" }

func TestTickUnknownActionDoesNotKillLoop(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	env.svc.clock = func() time.Time { return now }

	mustCreate(t, env.store, mustNewJob(t, now.Add(-time.Hour), now.Add(-2*time.Minute), RepeatNone, bogusAction{}))
	mustCreate(t, env.store, mustNewJob(t, now.Add(-time.Hour), now.Add(-time.Minute), RepeatNone, Echo{Target: -100, Content: "after"}))

	env.svc.tick(context.Background())

	// The broken job is consumed, the later job in the same tick still ran.
	texts := env.gw.sentTexts()
	if len(texts) != 1 || texts[0] != "after" {
		t.Fatalf("sent: %v", texts)
	}
	if jobs := env.store.List(); len(jobs) != 0 {
		t.Fatalf("jobs after tick: %+v", jobs)
	}
}

// panickyAction blows up the first time the loop renders it, which is
// inside job execution.
type panickyAction struct{ calls int }

func (p *panickyAction) Type() ActionType { return "panicky" }
func (p *panickyAction) Describe() string {
	p.calls++
	if p.calls == 1 {
		panic("describe blew up")
	}
	return "Panicky"
}
func (p *panickyAction) DescribeRich() string { return "Panicky" }

func TestTickRecoversFromPanickingJob(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	env.svc.clock = func() time.Time { return now }

	mustCreate(t, env.store, mustNewJob(t, now.Add(-time.Hour), now.Add(-2*time.Minute), RepeatNone, &panickyAction{}))
	mustCreate(t, env.store, mustNewJob(t, now.Add(-time.Hour), now.Add(-time.Minute), RepeatNone, Echo{Target: -100, Content: "after"}))

	env.svc.tick(context.Background())

	// The panic is confined to its job: the later job still ran and both
	// were consumed.
	texts := env.gw.sentTexts()
	if len(texts) != 1 || texts[0] != "after" {
		t.Fatalf("sent: %v", texts)
	}
	if jobs := env.store.List(); len(jobs) != 0 {
		t.Fatalf("jobs after tick: %+v", jobs)
	}
}

func TestTickRoleRemovalLiftsRestrictionsAndLogs(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	env.svc.clock = func() time.Time { return now }
	env.gw.members[7] = true

	mustCreate(t, env.store, mustNewJob(t, now.Add(-time.Hour), now, RepeatNone, RoleRemoval{RoleID: 1, UserID: 7}))

	env.svc.tick(context.Background())

	if len(env.gw.lifted) != 1 || env.gw.lifted[0] != 7 {
		t.Fatalf("lifted: %v", env.gw.lifted)
	}
	texts := env.gw.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Removed role") {
		t.Fatalf("mod log: %v", texts)
	}
}

func TestTickUnbanIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	env.svc.clock = func() time.Time { return now }

	// Not banned: soft no-op, no log, job still consumed.
	mustCreate(t, env.store, mustNewJob(t, now.Add(-time.Hour), now, RepeatNone, Unban{UserID: 8}))
	env.svc.tick(context.Background())
	if len(env.gw.sentTexts()) != 0 {
		t.Fatalf("unexpected log for no-op unban: %v", env.gw.sentTexts())
	}
	if jobs := env.store.List(); len(jobs) != 0 {
		t.Fatalf("jobs after no-op unban: %+v", jobs)
	}

	// Banned: lifted and logged.
	env.gw.banned[8] = true
	mustCreate(t, env.store, mustNewJob(t, now.Add(-time.Hour), now, RepeatNone, Unban{UserID: 8}))
	env.svc.tick(context.Background())
	if env.gw.banned[8] {
		t.Fatal("ban not lifted")
	}
	texts := env.gw.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Unbanned") {
		t.Fatalf("mod log: %v", texts)
	}
}

func TestTickPublishesBoredAndRaidSignals(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	env.svc.clock = func() time.Time { return now }

	ch, unsub := env.bus.Subscribe(4)
	defer unsub()

	mustCreate(t, env.store, mustNewJob(t, now.Add(-time.Hour), now, RepeatNone, BoredCommands{}))
	mustCreate(t, env.store, mustNewJob(t, now.Add(-time.Hour), now, RepeatNone, EndRaid{IsLarge: true}))

	env.svc.tick(context.Background())

	topics := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			topics[e.Topic] = true
		default:
			t.Fatalf("missing signal %d; got %v", i, topics)
		}
	}
	if !topics[eventbus.TopicBoredRun] || !topics[eventbus.TopicRaidEnd] {
		t.Fatalf("topics: %v", topics)
	}
}
