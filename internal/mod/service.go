// Package mod performs membership mutations: applying and lifting the
// named permission presets ("roles") the config defines, including the
// silenced preset the spam dispatcher uses.
package mod

import (
	"context"
	"errors"
	"fmt"

	"warden/internal/config"
	kit "warden/internal/transport"
	"warden/internal/users"
	logx "warden/pkg/logx"
)

// ErrNoSilencedRole is returned when a silence is requested but the config
// does not name a silenced role preset.
var ErrNoSilencedRole = errors.New("mod.silenced_role_id is not configured")

type Service struct {
	log   logx.Logger
	gw    kit.Gateway
	cfgm  *config.Manager
	users *users.Store
}

func New(gw kit.Gateway, cfgm *config.Manager, userStore *users.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log.With(logx.String("svc", "mod")),
		gw:    gw,
		cfgm:  cfgm,
		users: userStore,
	}
}

func permsFromRole(r config.RoleConfig) kit.RolePerms {
	return kit.RolePerms{
		Name:         r.Name,
		CanSendText:  r.CanSendText,
		CanSendMedia: r.CanSendMedia,
		CanAddLinks:  r.CanAddLinks,
		CanInvite:    r.CanInvite,
	}
}

// ApplyRole restricts the user to the named preset. Returns false without
// error when the preset or the user no longer exists.
func (s *Service) ApplyRole(ctx context.Context, roleID, userID int64) (bool, error) {
	cfg := s.cfgm.Get()
	role, ok := cfg.Mod.Role(roleID)
	if !ok {
		return false, nil
	}
	exists, err := s.gw.MemberExists(ctx, cfg.Mod.ChatID, userID)
	if err != nil {
		return false, fmt.Errorf("check member %d: %w", userID, err)
	}
	if !exists {
		return false, nil
	}
	if err := s.gw.RestrictUser(ctx, cfg.Mod.ChatID, userID, permsFromRole(role)); err != nil {
		return false, fmt.Errorf("apply role %s to %d: %w", role.Name, userID, err)
	}
	if roleID == cfg.Mod.SilencedRoleID {
		s.markSilenced(ctx, userID, true)
	}
	s.log.Debug("applied role", logx.String("role", role.Name), logx.Int64("user", userID))
	return true, nil
}

// RemoveRole lifts the user's restrictions, restoring chat defaults.
// Returns false without error when the preset or the user no longer exists.
func (s *Service) RemoveRole(ctx context.Context, roleID, userID int64) (bool, error) {
	cfg := s.cfgm.Get()
	role, ok := cfg.Mod.Role(roleID)
	if !ok {
		return false, nil
	}
	exists, err := s.gw.MemberExists(ctx, cfg.Mod.ChatID, userID)
	if err != nil {
		return false, fmt.Errorf("check member %d: %w", userID, err)
	}
	if !exists {
		return false, nil
	}
	if err := s.gw.LiftRestrictions(ctx, cfg.Mod.ChatID, userID); err != nil {
		return false, fmt.Errorf("remove role %s from %d: %w", role.Name, userID, err)
	}
	if roleID == cfg.Mod.SilencedRoleID {
		s.markSilenced(ctx, userID, false)
	}
	s.log.Debug("removed role", logx.String("role", role.Name), logx.Int64("user", userID))
	return true, nil
}

// Silence applies the configured silenced preset and marks the user state.
func (s *Service) Silence(ctx context.Context, userID int64) error {
	cfg := s.cfgm.Get()
	if cfg.Mod.SilencedRoleID == 0 {
		return ErrNoSilencedRole
	}
	role, ok := cfg.Mod.Role(cfg.Mod.SilencedRoleID)
	if !ok {
		return ErrNoSilencedRole
	}
	if err := s.gw.RestrictUser(ctx, cfg.Mod.ChatID, userID, permsFromRole(role)); err != nil {
		return fmt.Errorf("silence user %d: %w", userID, err)
	}
	s.markSilenced(ctx, userID, true)
	return nil
}

func (s *Service) markSilenced(ctx context.Context, userID int64, silenced bool) {
	if s.users == nil {
		return
	}
	if _, err := s.users.Update(ctx, userID, func(u *users.State) error {
		u.Silenced = silenced
		return nil
	}); err != nil {
		s.log.Error("persist silence flag", logx.Err(err), logx.Int64("user", userID))
	}
}
