package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden/internal/config"
	kit "warden/internal/transport"
	"warden/internal/users"
	logx "warden/pkg/logx"
)

// Monitor enforces a per-user posting cooldown in a single monitored
// channel. Posts arriving before the interval has elapsed are removed and
// the author is told how long the interval is.
type Monitor struct {
	log   logx.Logger
	cfgm  *config.Manager
	users *users.Store
	gw    kit.Gateway

	clock func() time.Time
}

func NewMonitor(cfgm *config.Manager, userStore *users.Store, gw kit.Gateway, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		log:   log.With(logx.String("svc", "monitor")),
		cfgm:  cfgm,
		users: userStore,
		gw:    gw,
		clock: time.Now,
	}
}

// HandleMessage reports true when it removed the message, in which case
// the caller must not process it further.
func (m *Monitor) HandleMessage(ctx context.Context, msg kit.Message) bool {
	cfg := m.cfgm.Get()
	mc := cfg.Monitor
	if !mc.Enabled || mc.Channel == 0 || msg.ChatID != mc.Channel {
		return false
	}
	if msg.FromIsBot || msg.FromID == m.gw.SelfID() {
		return false
	}
	for _, id := range mc.BypassUserIDs {
		if id == msg.FromID {
			return false
		}
	}

	interval := cfg.MonitorMessageInterval()
	if interval <= 0 {
		return false
	}
	now := msg.Time
	if now.IsZero() {
		now = m.clock()
	}

	var tooSoon bool
	_, err := m.users.Update(ctx, msg.FromID, func(st *users.State) error {
		if !st.LastMonitoredPostAt.IsZero() && now.Sub(st.LastMonitoredPostAt) <= interval {
			tooSoon = true
			return nil
		}
		st.LastMonitoredPostAt = now
		if msg.FromUsername != "" {
			st.Username = msg.FromUsername
		}
		return nil
	})
	if err != nil {
		// Enforce the cooldown on the in-memory view even if the snapshot
		// write failed; the message is already posted either way.
		m.log.Error("persisting monitored post time failed", logx.Err(err))
	}
	if !tooSoon {
		return false
	}

	ref := kit.MessageRef{ChatID: msg.ChatID, ThreadID: msg.ThreadID, MessageID: msg.ID}
	if err := m.gw.DeleteMessage(ctx, ref); err != nil {
		m.log.Error("removing monitored post failed", logx.Err(err),
			logx.Int64("user", msg.FromID), logx.Int("message", msg.ID))
	}
	text := fmt.Sprintf(`<a href="tg://user?id=%d">%s</a> sorry that I had to remove your post, but it hasn't been %s since your last one yet!`,
		msg.FromID, displayName(msg), humanDuration(interval))
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if _, err := m.gw.SendText(ctx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		m.log.Error("sending cooldown notice failed", logx.Err(err))
	}
	m.log.Info("removed monitored post inside cooldown",
		logx.Int64("user", msg.FromID), logx.Duration("interval", interval))
	return true
}

func displayName(msg kit.Message) string {
	if msg.FromUsername != "" {
		return "@" + msg.FromUsername
	}
	return fmt.Sprintf("user %d", msg.FromID)
}

// humanDuration renders a duration as "1 day 2 hours 5 minutes", skipping
// zero units.
func humanDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	seconds := int(d / time.Second)

	var parts []string
	add := func(n int, noun string) {
		if n == 0 {
			return
		}
		if n != 1 {
			noun += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, noun))
	}
	add(days, "day")
	add(hours, "hour")
	add(minutes, "minute")
	add(seconds, "second")
	if len(parts) == 0 {
		return "0 seconds"
	}
	return strings.Join(parts, " ")
}
