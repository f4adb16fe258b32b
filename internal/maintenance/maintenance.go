// Package maintenance runs the background housekeeping cron: pruning
// user records that have gone idle long enough that keeping them only
// bloats the snapshot.
package maintenance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"warden/internal/config"
	"warden/internal/users"
	logx "warden/pkg/logx"
)

const (
	defaultPruneSchedule = "0 4 * * *"
	// Users idle this long with no pressure and no active silence are
	// dropped from the snapshot.
	staleAfter = 30 * 24 * time.Hour
)

type Service struct {
	log   logx.Logger
	cfgm  *config.Manager
	users *users.Store

	parser cron.Parser
	clock  func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfgm *config.Manager, userStore *users.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log.With(logx.String("svc", "maintenance")),
		cfgm:   cfgm,
		users:  userStore,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		clock:  time.Now,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cfg := s.cfgm.Get().Maintenance
	if !cfg.Enabled {
		s.log.Info("maintenance disabled")
		return nil
	}

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("bad maintenance timezone, using UTC",
				logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}

	spec := strings.TrimSpace(cfg.PruneSchedule)
	if spec == "" {
		spec = defaultPruneSchedule
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, func() { s.pruneUsers(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started",
		logx.String("schedule", spec), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("maintenance stopped")
}

func (s *Service) pruneUsers(ctx context.Context) {
	cutoff := s.clock().Add(-staleAfter)
	n, err := s.users.PruneStale(ctx, cutoff)
	if err != nil {
		s.log.Error("pruning stale users failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("pruned stale users", logx.Int("count", n), logx.Time("cutoff", cutoff))
	}
}
