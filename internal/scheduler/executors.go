package scheduler

import (
	"context"
	"fmt"

	"warden/internal/modlog"
	kit "warden/internal/transport"
	logx "warden/pkg/logx"
)

func appendReason(s, reason string) string {
	if reason == "" {
		return s
	}
	return s + " Reason: " + reason + "."
}

func (s *Service) runRoleAddition(ctx context.Context, a RoleAddition) (bool, error) {
	completed, err := s.mod.ApplyRole(ctx, a.RoleID, a.UserID)
	if err != nil || !completed {
		return completed, err
	}
	s.modlog.Post(ctx, modlog.Entry{
		Kind:   "role_addition",
		UserID: a.UserID,
		Rich: appendReason(fmt.Sprintf("Gave role <code>%d</code> to <a href=\"tg://user?id=%d\">%d</a>.",
			a.RoleID, a.UserID, a.UserID), a.Reason),
		Plain: appendReason(fmt.Sprintf("Gave role %d to user %d.", a.RoleID, a.UserID), a.Reason),
	})
	return true, nil
}

func (s *Service) runRoleRemoval(ctx context.Context, a RoleRemoval) (bool, error) {
	completed, err := s.mod.RemoveRole(ctx, a.RoleID, a.UserID)
	if err != nil || !completed {
		return completed, err
	}
	s.modlog.Post(ctx, modlog.Entry{
		Kind:   "role_removal",
		UserID: a.UserID,
		Rich: appendReason(fmt.Sprintf("Removed role <code>%d</code> from <a href=\"tg://user?id=%d\">%d</a>.",
			a.RoleID, a.UserID, a.UserID), a.Reason),
		Plain: appendReason(fmt.Sprintf("Removed role %d from user %d.", a.RoleID, a.UserID), a.Reason),
	})
	return true, nil
}

// runUnban lifts a ban. Already-unbanned users are a soft no-op so a
// restored backup or a manual unban never turns into an error.
func (s *Service) runUnban(ctx context.Context, a Unban) (bool, error) {
	cfg := s.cfgm.Get()
	banned, err := s.gw.IsBanned(ctx, cfg.Mod.ChatID, a.UserID)
	if err != nil {
		return false, fmt.Errorf("check ban for %d: %w", a.UserID, err)
	}
	if !banned {
		return false, nil
	}
	if err := s.gw.Unban(ctx, cfg.Mod.ChatID, a.UserID); err != nil {
		return false, fmt.Errorf("unban %d: %w", a.UserID, err)
	}
	s.modlog.Post(ctx, modlog.Entry{
		Kind:   "unban",
		UserID: a.UserID,
		Rich:   fmt.Sprintf("Unbanned <a href=\"tg://user?id=%d\">%d</a>.", a.UserID, a.UserID),
		Plain:  fmt.Sprintf("Unbanned user %d.", a.UserID),
	})
	return true, nil
}

// runEcho delivers stored content verbatim. The target is a chat id or a
// user id; both live in the same send namespace here.
func (s *Service) runEcho(ctx context.Context, a Echo) (bool, error) {
	if a.Content == "" {
		return false, nil
	}
	_, err := s.gw.SendText(ctx, kit.ChatTarget{ChatID: a.Target}, a.Content, nil)
	if err != nil {
		s.log.Warn("echo target unreachable", logx.Int64("target", a.Target), logx.Err(err))
		return false, nil
	}
	return true, nil
}
