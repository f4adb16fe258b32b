// Package modlog posts moderation log entries to the configured log chat
// and mirrors every plain-text line into the storage audit trail.
package modlog

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"warden/internal/storage"
	kit "warden/internal/transport"
	logx "warden/pkg/logx"
)

// Sender is the outbound half of the gateway the log needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Entry is one moderation log record: a rich HTML rendering for the log
// chat and a plain line for the audit trail.
type Entry struct {
	Kind   string
	ChatID int64
	UserID int64
	JobID  string
	Rich   string
	Plain  string
}

type Service struct {
	log    logx.Logger
	sender Sender
	db     storage.Store

	mu       sync.Mutex
	chatID   int64
	threadID int
	limiter  *rate.Limiter
}

func New(sender Sender, db storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("svc", "modlog")),
		sender:  sender,
		db:      db,
		limiter: rate.NewLimiter(rate.Limit(1), 3),
	}
}

// Apply points the log at a (possibly new) destination chat and rate.
func (s *Service) Apply(chatID int64, threadID, ratePerSec int) {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	s.mu.Lock()
	s.chatID = chatID
	s.threadID = threadID
	s.limiter.SetLimit(rate.Limit(ratePerSec))
	s.limiter.SetBurst(ratePerSec * 3)
	s.mu.Unlock()
}

// Post sends the entry to the log chat and appends the plain line to the
// audit trail. Sends wait on the rate limiter so lines from one scheduler
// tick arrive in order. Neither failure blocks the caller's action; both
// are logged.
func (s *Service) Post(ctx context.Context, e Entry) {
	s.mu.Lock()
	chatID := s.chatID
	threadID := s.threadID
	s.mu.Unlock()

	if s.db != nil && e.Plain != "" {
		err := s.db.AppendAudit(ctx, storage.AuditEntry{
			At:      time.Now(),
			Kind:    e.Kind,
			ChatID:  e.ChatID,
			UserID:  e.UserID,
			JobID:   e.JobID,
			Content: e.Plain,
		})
		if err != nil {
			s.log.Error("audit append failed", logx.Err(err), logx.String("kind", e.Kind))
		}
	}

	if chatID == 0 || s.sender == nil || e.Rich == "" {
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	_, err := s.sender.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, e.Rich,
		&kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		s.log.Error("mod log send failed", logx.Err(err), logx.String("kind", e.Kind))
	}
}
