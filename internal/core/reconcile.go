package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden/internal/config"
	"warden/internal/scheduler"
	logx "warden/pkg/logx"
)

// ErrUnknownConfigValue means a config key was flagged as job-affecting
// but no reconciler handles it. That is a wiring bug, not bad input.
var ErrUnknownConfigValue = errors.New("no reconciler for config value")

// Reconciler keeps the job list in sync with config edits: toggling
// banner.mode or bored.channel creates or deletes the matching jobs, and
// retiming values move the existing jobs without waiting for them to fire.
type Reconciler struct {
	log   logx.Logger
	jobs  *scheduler.Store
	sched *scheduler.Service

	clock func() time.Time
}

func NewReconciler(jobs *scheduler.Store, sched *scheduler.Service, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{
		log:   log.With(logx.String("svc", "reconcile")),
		jobs:  jobs,
		sched: sched,
		clock: time.Now,
	}
}

func (r *Reconciler) Apply(ctx context.Context, cfg *config.Config, change config.ValueChange) error {
	switch change.Name {
	case config.ValueBannerMode:
		return r.bannerMode(ctx, cfg, change)
	case config.ValueBannerInterval:
		return r.bannerInterval(ctx, cfg)
	case config.ValueBoredChannel:
		return r.boredChannel(ctx, cfg)
	case config.ValueBoredCooldown:
		return r.boredCooldown(ctx, cfg)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownConfigValue, change.Name)
	}
}

func asMode(v any) string {
	s, _ := v.(string)
	if s == "" {
		return config.BannerModeNone
	}
	return s
}

func (r *Reconciler) bannerJobs() []scheduler.Job {
	return r.jobs.ListWhere(func(j scheduler.Job) bool {
		return j.Action.Type() == scheduler.ActionBannerRotation
	})
}

func (r *Reconciler) boredJobs() []scheduler.Job {
	return r.jobs.ListWhere(func(j scheduler.Job) bool {
		return j.Action.Type() == scheduler.ActionBoredCommands
	})
}

func (r *Reconciler) bannerMode(ctx context.Context, cfg *config.Config, change config.ValueChange) error {
	oldMode := asMode(change.Old)
	newMode := asMode(change.New)

	switch {
	case oldMode == config.BannerModeNone && newMode != config.BannerModeNone:
		interval := cfg.BannerInterval()
		if interval <= 0 {
			r.log.Warn("banner.mode enabled but banner.interval is non-positive; not creating a rotation job")
			return nil
		}
		if len(r.bannerJobs()) == 0 {
			now := r.clock()
			job, err := scheduler.NewJob(now, now.Add(interval), scheduler.RepeatRelative, scheduler.BannerRotation{})
			if err != nil {
				return err
			}
			if err := r.jobs.Create(ctx, job); err != nil {
				return err
			}
			r.log.Info("created banner rotation job",
				logx.String("job", job.ID), logx.Duration("interval", interval))
		}
	case oldMode != config.BannerModeNone && newMode == config.BannerModeNone:
		for _, job := range r.bannerJobs() {
			if err := r.jobs.Delete(ctx, job.ID); err != nil {
				return err
			}
			r.log.Info("deleted banner rotation job", logx.String("job", job.ID))
		}
	}

	// Apply the new mode right away rather than waiting for the next firing.
	if newMode != config.BannerModeNone {
		for _, job := range r.bannerJobs() {
			r.log.Info("running banner rotation immediately after config change",
				logx.String("job", job.ID))
			if _, err := r.sched.RunBannerRotation(ctx, job); err != nil {
				r.log.Error("immediate banner rotation failed", logx.Err(err))
			}
		}
	}
	return nil
}

func (r *Reconciler) bannerInterval(ctx context.Context, cfg *config.Config) error {
	interval := cfg.BannerInterval()
	if interval <= 0 {
		r.log.Warn("banner.interval is non-positive; leaving rotation jobs alone")
		return nil
	}
	for _, job := range r.bannerJobs() {
		anchor := job.CreatedAt
		if job.LastExecutedAt != nil {
			anchor = *job.LastExecutedAt
		}
		job.ExecuteAt = anchor.Add(interval)
		if err := r.jobs.Modify(ctx, job.ID, job); err != nil {
			return err
		}
		r.log.Info("retimed banner rotation job",
			logx.String("job", job.ID), logx.Time("execute_at", job.ExecuteAt))
	}
	return nil
}

func (r *Reconciler) boredChannel(ctx context.Context, cfg *config.Config) error {
	existing := r.boredJobs()
	switch {
	case cfg.Bored.Channel == 0 && len(existing) != 0:
		for _, job := range existing {
			if err := r.jobs.Delete(ctx, job.ID); err != nil {
				return err
			}
			r.log.Info("deleted bored commands job", logx.String("job", job.ID))
		}
	case cfg.Bored.Channel != 0 && len(existing) == 0:
		now := r.clock()
		job, err := scheduler.NewJob(now, now, scheduler.RepeatNone, scheduler.BoredCommands{})
		if err != nil {
			return err
		}
		if err := r.jobs.Create(ctx, job); err != nil {
			return err
		}
		r.log.Info("created bored commands job", logx.String("job", job.ID))
	}
	return nil
}

func (r *Reconciler) boredCooldown(ctx context.Context, cfg *config.Config) error {
	existing := r.boredJobs()
	if len(existing) == 0 {
		now := r.clock()
		job, err := scheduler.NewJob(now, now, scheduler.RepeatNone, scheduler.BoredCommands{})
		if err != nil {
			return err
		}
		if err := r.jobs.Create(ctx, job); err != nil {
			return err
		}
		r.log.Info("bored.cooldown changed with no bored job; created one", logx.String("job", job.ID))
		existing = append(existing, job)
	}
	cooldown := cfg.BoredCooldown()
	for _, job := range existing {
		job.ExecuteAt = job.CreatedAt.Add(cooldown)
		if err := r.jobs.Modify(ctx, job.ID, job); err != nil {
			return err
		}
		r.log.Info("retimed bored commands job",
			logx.String("job", job.ID), logx.Time("execute_at", job.ExecuteAt))
	}
	return nil
}
