package spam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden/internal/config"
	"warden/internal/mod"
	"warden/internal/modlog"
	"warden/internal/scheduler"
	kit "warden/internal/transport"
	"warden/internal/users"
	logx "warden/pkg/logx"
)

type Service struct {
	log    logx.Logger
	cfgm   *config.Manager
	users  *users.Store
	mod    *mod.Service
	modlog *modlog.Service
	jobs   *scheduler.Store
	gw     kit.Gateway

	clock func() time.Time
}

type Deps struct {
	Config *config.Manager
	Users  *users.Store
	Mod    *mod.Service
	ModLog *modlog.Service
	Jobs   *scheduler.Store
	Gw     kit.Gateway
}

func New(d Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log.With(logx.String("svc", "spam")),
		cfgm:   d.Config,
		users:  d.Users,
		mod:    d.Mod,
		modlog: d.ModLog,
		jobs:   d.Jobs,
		gw:     d.Gw,
		clock:  time.Now,
	}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// HandleMessage scores one inbound message. It must run in the same
// event-handling pass as the message itself: the decision to alarm depends
// on the author's committed state at this instant.
func (s *Service) HandleMessage(ctx context.Context, msg kit.Message) {
	cfg := s.cfgm.Get()
	if !cfg.Spam.Enabled {
		return
	}
	if msg.FromIsBot || msg.FromID == s.gw.SelfID() || !msg.IsGroup {
		return
	}
	if containsID(cfg.Spam.BypassUserIDs, msg.FromID) {
		return
	}

	now := msg.Time
	if now.IsZero() {
		now = s.clock()
	}

	var (
		oldPressure float64
		newPressure float64
		breakdown   Breakdown
	)
	_, err := s.users.Update(ctx, msg.FromID, func(u *users.State) error {
		decayed := u.Pressure
		if !u.LastMessageAt.IsZero() {
			decayed = Decay(u.Pressure, now.Sub(u.LastMessageAt).Seconds(),
				cfg.Spam.BasePressure, cfg.PressureDecay().Seconds())
		}
		breakdown = Score(cfg.Spam, msg, u.PreviousMessage)

		oldPressure = decayed
		newPressure = decayed + breakdown.Total()

		u.Pressure = newPressure
		u.LastMessageAt = now
		u.PreviousMessage = msg.Text
		u.Username = msg.FromUsername
		return nil
	})
	if err != nil {
		// The previous committed state is intact; skip this message rather
		// than score it twice.
		s.log.Error("pressure update failed", logx.Err(err), logx.Int64("user", msg.FromID))
		return
	}

	max := cfg.Spam.MaxPressure
	if newPressure >= max && oldPressure < max {
		s.trip(ctx, cfg, msg, oldPressure, newPressure, breakdown)
	}
}

// trip runs the moderation dispatch for an alarm: delete the message,
// silence the author, schedule the un-silence, and post the breakdown.
func (s *Service) trip(ctx context.Context, cfg *config.Config, msg kit.Message, old, new float64, breakdown Breakdown) {
	s.log.Warn("spam pressure tripped",
		logx.Int64("user", msg.FromID),
		logx.Float64("old", old),
		logx.Float64("new", new),
		logx.Float64("max", cfg.Spam.MaxPressure))

	ref := kit.MessageRef{ChatID: msg.ChatID, ThreadID: msg.ThreadID, MessageID: msg.ID}
	if err := s.gw.DeleteMessage(ctx, ref); err != nil {
		s.log.Error("delete spam message", logx.Err(err), logx.Int64("user", msg.FromID))
	}

	silenced := true
	if err := s.mod.Silence(ctx, msg.FromID); err != nil {
		silenced = false
		if errors.Is(err, mod.ErrNoSilencedRole) {
			s.log.Warn("spam trip with no silenced role configured", logx.Int64("user", msg.FromID))
		} else {
			s.log.Error("silence spammer", logx.Err(err), logx.Int64("user", msg.FromID))
		}
	}

	if d := cfg.SilenceDuration(); silenced && d > 0 {
		now := s.clock()
		job, err := scheduler.NewJob(now, now.Add(d), scheduler.RepeatNone, scheduler.RoleRemoval{
			RoleID: cfg.Mod.SilencedRoleID,
			UserID: msg.FromID,
			Reason: "spam silence expired",
		})
		if err == nil {
			err = s.jobs.Create(ctx, job)
		}
		if err != nil {
			s.log.Error("schedule un-silence", logx.Err(err), logx.Int64("user", msg.FromID))
		}
	}

	s.modlog.Post(ctx, modlog.Entry{
		Kind:   "spam",
		ChatID: msg.ChatID,
		UserID: msg.FromID,
		Rich:   s.renderRich(msg, old, new, cfg.Spam.MaxPressure, breakdown),
		Plain:  s.renderPlain(msg, old, new, cfg.Spam.MaxPressure, breakdown),
	})
}

func (s *Service) renderRich(msg kit.Message, old, new, max float64, breakdown Breakdown) string {
	name := msg.FromUsername
	if name == "" {
		name = fmt.Sprintf("%d", msg.FromID)
	}
	return fmt.Sprintf(
		"Spam detected by <a href=\"tg://user?id=%d\">%s</a>\n"+
			"User: %s (<code>%d</code>)\n"+
			"Chat: <code>%d</code>\n"+
			"Pressure: %s\n"+
			"Breakdown of last message:\n%s",
		msg.FromID, name, name, msg.FromID, msg.ChatID,
		AlarmText(old, new, max), breakdown.RenderRich())
}

func (s *Service) renderPlain(msg kit.Message, old, new, max float64, breakdown Breakdown) string {
	name := msg.FromUsername
	if name == "" {
		name = fmt.Sprintf("%d", msg.FromID)
	}
	return fmt.Sprintf("Spam detected by %s (%d) in chat %d. Pressure: %s. Breakdown: %s",
		name, msg.FromID, msg.ChatID,
		AlarmText(old, new, max), breakdown.RenderPlain())
}
