package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"warden/internal/booru"
	"warden/internal/config"
	"warden/internal/modlog"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

// generalState is the small grab-bag of cross-restart state that is not a
// job and not a user, snapshotted as the general document.
type generalState struct {
	CurrentFeaturedImageID int64 `json:"current_featured_image_id,omitempty"`
}

func (s *Service) loadGeneral(ctx context.Context) (generalState, error) {
	var st generalState
	data, err := s.db.LoadDocument(ctx, storage.DocGeneral)
	if errors.Is(err, storage.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(data, &st)
	return st, err
}

func (s *Service) saveGeneral(ctx context.Context, st generalState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.SaveDocument(ctx, storage.DocGeneral, data)
}

// RunBannerRotation executes one banner pass outside the loop. The config
// reconciler calls it when the banner mode turns on so the first change is
// immediate instead of one interval away.
func (s *Service) RunBannerRotation(ctx context.Context, job Job) (bool, error) {
	a, ok := job.Action.(BannerRotation)
	if !ok {
		return false, fmt.Errorf("%w: %q is not a banner rotation", ErrUnknownAction, job.ID)
	}
	return s.runBanner(ctx, &job, a)
}

// runBanner changes the group photo according to the configured mode. All
// network failures are classified and logged here; a flaky image host must
// never take the loop down, so this executor reports completed even when a
// fetch fails.
func (s *Service) runBanner(ctx context.Context, job *Job, a BannerRotation) (bool, error) {
	cfg := s.cfgm.Get()
	mode := cfg.Banner.Mode
	if mode == "" || mode == config.BannerModeNone {
		return false, nil
	}
	if mode == config.BannerModeRotate && len(cfg.Banner.Images) == 0 {
		return false, nil
	}

	fctx, cancel := context.WithTimeout(ctx, cfg.BannerFetchTimeout())
	defer cancel()

	switch mode {
	case config.BannerModeRotate:
		s.rotateBanner(fctx, job, a, cfg)
	case config.BannerModeFeatured:
		s.featuredBanner(fctx, cfg)
	}
	return true, nil
}

func (s *Service) rotateBanner(ctx context.Context, job *Job, a BannerRotation, cfg *config.Config) {
	idx := s.randInt(len(cfg.Banner.Images))
	url := cfg.Banner.Images[idx]

	data, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		s.reportBannerFailure(ctx, err)
		return
	}
	if err := s.gw.SetChatPhoto(ctx, cfg.Mod.ChatID, data); err != nil {
		s.reportBannerFailure(ctx, err)
		return
	}

	a.LastBannerIndex = &idx
	job.Action = a

	s.modlog.Post(ctx, modlog.Entry{
		Kind:  "banner",
		Rich:  fmt.Sprintf("Changed banner to %s for banner rotation.", url),
		Plain: fmt.Sprintf("Changed banner to %s for banner rotation.", url),
	})
}

func (s *Service) featuredBanner(ctx context.Context, cfg *config.Config) {
	if s.booru == nil {
		s.log.Warn("featured banner mode is on but no booru endpoint is configured")
		return
	}

	img, err := s.booru.Featured(ctx)
	if err != nil {
		s.reportBannerFailure(ctx, err)
		return
	}

	state, err := s.loadGeneral(ctx)
	if err != nil {
		s.log.Error("load general state", logx.Err(err))
		return
	}
	if state.CurrentFeaturedImageID == img.ID {
		s.log.Debug("featured image unchanged", logx.Int64("image", img.ID))
		return
	}
	if !img.ThumbnailsGenerated {
		msg := fmt.Sprintf("Tried to change banner to %s but that image hasn't fully been generated yet. Doing nothing and trying again in %s.",
			img.PageURL, cfg.BannerInterval())
		s.modlog.Post(ctx, modlog.Entry{Kind: "banner", Rich: msg, Plain: msg})
		return
	}
	if img.Spoilered {
		msg := fmt.Sprintf("Tried to change banner to %s but that image is blocked by my filter! Doing nothing.", img.PageURL)
		s.modlog.Post(ctx, modlog.Entry{Kind: "banner", Rich: msg, Plain: msg})
		return
	}

	data, err := s.booru.FetchImage(ctx, img.ViewURL)
	if err != nil {
		s.reportBannerFailure(ctx, err)
		return
	}
	if err := s.gw.SetChatPhoto(ctx, cfg.Mod.ChatID, data); err != nil {
		s.reportBannerFailure(ctx, err)
		return
	}

	state.CurrentFeaturedImageID = img.ID
	if err := s.saveGeneral(ctx, state); err != nil {
		s.log.Error("save general state", logx.Err(err))
	}

	msg := fmt.Sprintf("Changed banner to %s for featured image.", img.PageURL)
	s.modlog.Post(ctx, modlog.Entry{Kind: "banner", Rich: msg, Plain: msg})
}

// reportBannerFailure turns a fetch failure into an actionable mod log
// line, classified by kind: timeout, HTTP status, or anything else.
func (s *Service) reportBannerFailure(ctx context.Context, err error) {
	var msg string
	var se *booru.StatusError
	switch {
	case booru.IsTimeout(err):
		msg = "Tried to change banner but the host server didn't respond fast enough, is it down? If so set banner.mode to none to avoid unnecessarily pinging it."
	case errors.As(err, &se):
		msg = fmt.Sprintf("Tried to change banner and received a %d status code when attempting to ask the host server for the image. Doing nothing.", se.Code)
	default:
		msg = "Tried to change banner and received a general error when attempting to ask the host server for the image. Doing nothing."
	}
	s.modlog.Post(ctx, modlog.Entry{Kind: "banner", Rich: msg, Plain: msg})
	s.log.Error("banner change failed", logx.Err(err))
}
