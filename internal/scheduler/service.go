package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"warden/internal/booru"
	"warden/internal/config"
	"warden/internal/eventbus"
	"warden/internal/mod"
	"warden/internal/modlog"
	"warden/internal/storage"
	kit "warden/internal/transport"
	logx "warden/pkg/logx"
)

// Service runs the execution loop: wake on the cycle interval, execute
// every due job in order, then repeat or delete each one. It is the only
// writer of ExecuteAt/LastExecutedAt and the only deleter of fired jobs.
type Service struct {
	log    logx.Logger
	store  *Store
	gw     kit.Gateway
	cfgm   *config.Manager
	mod    *mod.Service
	modlog *modlog.Service
	bus    eventbus.Bus
	db     storage.Store

	booru   *booru.Client // nil unless the featured banner mode is configured
	fetcher *booru.Fetcher

	clock   func() time.Time
	randInt func(n int) int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type Deps struct {
	Store   *Store
	Gateway kit.Gateway
	Config  *config.Manager
	Mod     *mod.Service
	ModLog  *modlog.Service
	Bus     eventbus.Bus
	DB      storage.Store
	Booru   *booru.Client
}

func New(d Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("svc", "scheduler")),
		store:   d.Store,
		gw:      d.Gateway,
		cfgm:    d.Config,
		mod:     d.Mod,
		modlog:  d.ModLog,
		bus:     d.Bus,
		db:      d.DB,
		booru:   d.Booru,
		fetcher: booru.NewFetcher(),
		clock:   time.Now,
		randInt: rand.Intn,
	}
}

// Start launches the cycle loop. Safe to call once.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
	s.log.Info("execution loop started", logx.Duration("interval", s.cfgm.Get().CycleInterval()))
}

// Stop halts the loop and waits for the current tick to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	for {
		// Re-read the interval each iteration so a config change takes
		// effect on the next tick without a restart.
		interval := s.cfgm.Get().CycleInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		s.tick(ctx)
	}
}

// tick runs one cycle. A panic in the scan itself is caught here so the
// loop never dies from one bad cycle.
func (s *Service) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cycle panicked", logx.Any("panic", r), logx.Stack())
		}
	}()

	now := s.clock()
	due := s.store.ListWhere(func(j Job) bool { return !j.ExecuteAt.After(now) })
	for _, job := range due {
		s.executeOne(ctx, &job)
		if err := s.deleteOrRepeat(ctx, job); err != nil {
			s.log.Error("reschedule failed", logx.Err(err), logx.String("job", job.ID))
		}
	}
}

// executeOne dispatches a single due job. Panics and errors are confined
// to the job: whatever happens, the caller still repeats or deletes it, so
// a permanently broken job never retry-storms.
func (s *Service) executeOne(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled job panicked",
				logx.Any("panic", r), logx.String("job", job.Describe()), logx.Stack())
		}
	}()

	s.log.Debug("executing scheduled job", logx.String("job", job.Describe()))

	completed, err := s.execute(ctx, job)
	switch {
	case err != nil:
		s.log.Error("scheduled job failed", logx.Err(err), logx.String("job", job.Describe()))
	case !completed:
		s.log.Warn("scheduled job did not complete; its referenced entities are likely gone",
			logx.String("job", job.Describe()))
	}
}

func (s *Service) execute(ctx context.Context, job *Job) (bool, error) {
	switch a := job.Action.(type) {
	case RoleAddition:
		return s.runRoleAddition(ctx, a)
	case RoleRemoval:
		return s.runRoleRemoval(ctx, a)
	case Unban:
		return s.runUnban(ctx, a)
	case Echo:
		return s.runEcho(ctx, a)
	case BannerRotation:
		return s.runBanner(ctx, job, a)
	case BoredCommands:
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicBoredRun, Time: s.clock()})
		return true, nil
	case EndRaid:
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicRaidEnd, Time: s.clock(), Data: a.IsLarge})
		return true, nil
	default:
		return false, ErrUnknownAction
	}
}

func (s *Service) deleteOrRepeat(ctx context.Context, job Job) error {
	if job.Repeat == RepeatNone || job.Repeat == "" {
		return s.store.Delete(ctx, job.ID)
	}
	return s.store.Modify(ctx, job.ID, Reschedule(job))
}

// Reschedule advances a repeating job past one firing: LastExecutedAt
// becomes the old ExecuteAt, and ExecuteAt moves forward by the repeat
// rule. For Relative jobs the interval is ExecuteAt minus LastExecutedAt
// (or CreatedAt before the first firing), so the gap between creation and
// first firing becomes the recurring interval.
func Reschedule(job Job) Job {
	executeAt := job.ExecuteAt
	switch job.Repeat {
	case RepeatRelative:
		anchor := job.CreatedAt
		if job.LastExecutedAt != nil {
			anchor = *job.LastExecutedAt
		}
		job.ExecuteAt = executeAt.Add(executeAt.Sub(anchor))
	case RepeatDaily:
		job.ExecuteAt = executeAt.AddDate(0, 0, 1)
	case RepeatWeekly:
		job.ExecuteAt = executeAt.AddDate(0, 0, 7)
	case RepeatYearly:
		job.ExecuteAt = executeAt.AddDate(1, 0, 0)
	}
	last := executeAt
	job.LastExecutedAt = &last
	return job
}
