package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const yamlConfig = `
telegram:
  token: "123:abc"
  owner_user_ids: [7]
mod:
  chat_id: -100
  log_chat_id: -200
  silenced_role_id: 1
  roles:
    - id: 1
      name: silenced
spam:
  enabled: true
  base_pressure: 10
  max_pressure: 60
  pressure_decay: "2.5s"
banner:
  mode: rotate
  interval: "90m"
  images:
    - "https://example.org/a.png"
`

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", yamlConfig)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Mod.SilencedRoleID != 1 {
		t.Fatalf("silenced role = %d", cfg.Mod.SilencedRoleID)
	}
	if got := cfg.BannerInterval(); got != 90*time.Minute {
		t.Fatalf("banner interval = %v", got)
	}
	if got := cfg.PressureDecay(); got != 2500*time.Millisecond {
		t.Fatalf("pressure decay = %v", got)
	}
	if m.Get() != cfg {
		t.Fatalf("Load must commit the parsed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", "telegram:\n  token: x\n  shoe_size: 42\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("unknown fields must be rejected")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Spam.PressureDecay = "soon" },
			wantErr: "spam.pressure_decay",
		},
		{
			name:    "negative duration",
			mutate:  func(c *Config) { c.Bored.Cooldown = "-5m" },
			wantErr: "bored.cooldown",
		},
		{
			name:    "unknown banner mode",
			mutate:  func(c *Config) { c.Banner.Mode = "shuffle" },
			wantErr: "banner.mode",
		},
		{
			name:    "silenced role not defined",
			mutate:  func(c *Config) { c.Mod.SilencedRoleID = 9 },
			wantErr: "mod.silenced_role_id",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Mod: ModConfig{
					Roles:          []RoleConfig{{ID: 1, Name: "silenced"}},
					SilencedRoleID: 1,
				},
			}
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestDiffWatchedValues(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Banner.Mode = BannerModeRotate
	newCfg.Banner.Interval = "1h"
	newCfg.Bored.Channel = -500
	newCfg.Bored.Cooldown = "10m"

	sections, values := Diff(oldCfg, newCfg)

	wantSections := map[string]bool{"banner": true, "bored": true}
	for _, s := range sections {
		if !wantSections[s] {
			t.Fatalf("unexpected changed section %q", s)
		}
		delete(wantSections, s)
	}
	if len(wantSections) != 0 {
		t.Fatalf("missing sections: %v", wantSections)
	}

	got := map[string]ValueChange{}
	for _, v := range values {
		got[v.Name] = v
	}
	if len(got) != 4 {
		t.Fatalf("values = %v, want all four watched names", values)
	}
	if got[ValueBannerMode].New != BannerModeRotate {
		t.Fatalf("banner.mode change = %+v", got[ValueBannerMode])
	}
	if got[ValueBannerInterval].New != time.Hour {
		t.Fatalf("banner.interval change = %+v", got[ValueBannerInterval])
	}
	if got[ValueBoredChannel].New != int64(-500) {
		t.Fatalf("bored.channel change = %+v", got[ValueBoredChannel])
	}
	if got[ValueBoredCooldown].New != 10*time.Minute {
		t.Fatalf("bored.cooldown change = %+v", got[ValueBoredCooldown])
	}

	if sections, values := Diff(newCfg, newCfg); len(sections) != 0 || len(values) != 0 {
		t.Fatalf("identical configs must not diff: %v %v", sections, values)
	}
}
