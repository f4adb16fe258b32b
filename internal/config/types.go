package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Banner modes. "rotate" cycles through the configured image set,
// "featured" mirrors the booru's currently featured image.
const (
	BannerModeNone     = "none"
	BannerModeRotate   = "rotate"
	BannerModeFeatured = "featured"
)

type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Mod         ModConfig         `json:"mod"`
	Spam        SpamConfig        `json:"spam"`
	Banner      BannerConfig      `json:"banner"`
	Bored       BoredConfig       `json:"bored"`
	Monitor     MonitorConfig     `json:"monitor"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	PollTimeout  string  `json:"poll_timeout"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LogFileConfig  `json:"file"`
	Chat    LogChatConfig  `json:"chat"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LogChatConfig struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type SchedulerConfig struct {
	CycleInterval string `json:"cycle_interval"`
}

// ModConfig describes the moderated chat and the mod log destination.
// Roles are named permission presets; role jobs reference them by id.
type ModConfig struct {
	ChatID         int64        `json:"chat_id"`
	LogChatID      int64        `json:"log_chat_id"`
	LogThreadID    int          `json:"log_thread_id"`
	LogRatePerSec  int          `json:"log_rate_per_sec"`
	Roles          []RoleConfig `json:"roles"`
	SilencedRoleID int64        `json:"silenced_role_id"`
}

type RoleConfig struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	CanSendText  bool   `json:"can_send_text"`
	CanSendMedia bool   `json:"can_send_media"`
	CanAddLinks  bool   `json:"can_add_links"`
	CanInvite    bool   `json:"can_invite"`
}

type SpamConfig struct {
	Enabled         bool    `json:"enabled"`
	BasePressure    float64 `json:"base_pressure"`
	LinePressure    float64 `json:"line_pressure"`
	LengthPressure  float64 `json:"length_pressure"`
	PingPressure    float64 `json:"ping_pressure"`
	ImagePressure   float64 `json:"image_pressure"`
	RepeatPressure  float64 `json:"repeat_pressure"`
	MaxPressure     float64 `json:"max_pressure"`
	PressureDecay   string  `json:"pressure_decay"`
	SilenceDuration string  `json:"silence_duration"`
	BypassUserIDs   []int64 `json:"bypass_user_ids"`
}

type BannerConfig struct {
	Mode         string   `json:"mode"`
	Interval     string   `json:"interval"`
	Images       []string `json:"images"`
	BooruBaseURL string   `json:"booru_base_url"`
	BooruAPIKey  string   `json:"booru_api_key"`
	FetchTimeout string   `json:"fetch_timeout"`
}

type BoredConfig struct {
	Channel  int64  `json:"channel"`
	Cooldown string `json:"cooldown"`
}

type MonitorConfig struct {
	Enabled         bool    `json:"enabled"`
	Channel         int64   `json:"channel"`
	MessageInterval string  `json:"message_interval"`
	BypassUserIDs   []int64 `json:"bypass_user_ids"`
}

type MaintenanceConfig struct {
	Enabled       bool   `json:"enabled"`
	PruneSchedule string `json:"prune_schedule"`
	Timezone      string `json:"timezone"`
}

// Role returns the permission preset with the given id.
func (m ModConfig) Role(id int64) (RoleConfig, bool) {
	for _, r := range m.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return RoleConfig{}, false
}

// Validate checks the parts of the config that would otherwise fail deep
// inside a subsystem: duration fields, the banner mode enum, and the
// silenced-role reference.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	durations := []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"scheduler.cycle_interval", c.Scheduler.CycleInterval},
		{"spam.pressure_decay", c.Spam.PressureDecay},
		{"spam.silence_duration", c.Spam.SilenceDuration},
		{"banner.interval", c.Banner.Interval},
		{"banner.fetch_timeout", c.Banner.FetchTimeout},
		{"bored.cooldown", c.Bored.Cooldown},
		{"monitor.message_interval", c.Monitor.MessageInterval},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	switch strings.TrimSpace(c.Banner.Mode) {
	case "", BannerModeNone, BannerModeRotate, BannerModeFeatured:
	default:
		return fmt.Errorf("banner.mode: unknown mode %q", c.Banner.Mode)
	}
	if c.Mod.SilencedRoleID != 0 {
		if _, ok := c.Mod.Role(c.Mod.SilencedRoleID); !ok {
			return fmt.Errorf("mod.silenced_role_id: role %d is not defined in mod.roles", c.Mod.SilencedRoleID)
		}
	}
	return nil
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Duration accessors. Validate() runs before any config is committed, so
// parse errors here collapse to the fallback.

func (c *Config) BannerInterval() time.Duration {
	d, _ := ParseDurationField("banner.interval", c.Banner.Interval)
	return d
}

func (c *Config) BoredCooldown() time.Duration {
	d, _ := ParseDurationField("bored.cooldown", c.Bored.Cooldown)
	return d
}

func (c *Config) CycleInterval() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.cycle_interval", c.Scheduler.CycleInterval, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

func (c *Config) PressureDecay() time.Duration {
	d, err := ParseDurationOrDefault("spam.pressure_decay", c.Spam.PressureDecay, 2500*time.Millisecond)
	if err != nil {
		return 2500 * time.Millisecond
	}
	return d
}

func (c *Config) SilenceDuration() time.Duration {
	d, _ := ParseDurationField("spam.silence_duration", c.Spam.SilenceDuration)
	return d
}

func (c *Config) BannerFetchTimeout() time.Duration {
	d, err := ParseDurationOrDefault("banner.fetch_timeout", c.Banner.FetchTimeout, 30*time.Second)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

func (c *Config) MonitorMessageInterval() time.Duration {
	d, _ := ParseDurationField("monitor.message_interval", c.Monitor.MessageInterval)
	return d
}
