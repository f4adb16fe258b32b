package config

import (
	"reflect"
	"sort"
)

// Watched value names. The job reconciler recognizes exactly this closed
// set; anything else reaching it is a programming error.
const (
	ValueBannerMode     = "banner.mode"
	ValueBannerInterval = "banner.interval"
	ValueBoredChannel   = "bored.channel"
	ValueBoredCooldown  = "bored.cooldown"
)

// ValueChange is a single committed configuration value transition.
type ValueChange struct {
	Name string
	Old  any
	New  any
}

// Diff compares two committed configs and returns (1) the changed
// top-level sections, for subsystems that re-apply themselves wholesale
// (logging, scheduler, spam), and (2) the individual watched-value
// transitions consumed by the job reconciler.
func Diff(oldCfg, newCfg *Config) ([]string, []ValueChange) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	sections := make([]string, 0, 6)
	section := func(name string, o, n any) {
		if !reflect.DeepEqual(o, n) {
			sections = append(sections, name)
		}
	}
	section("telegram", oldCfg.Telegram, newCfg.Telegram)
	section("logging", oldCfg.Logging, newCfg.Logging)
	section("storage", oldCfg.Storage, newCfg.Storage)
	section("scheduler", oldCfg.Scheduler, newCfg.Scheduler)
	section("mod", oldCfg.Mod, newCfg.Mod)
	section("spam", oldCfg.Spam, newCfg.Spam)
	section("banner", oldCfg.Banner, newCfg.Banner)
	section("bored", oldCfg.Bored, newCfg.Bored)
	section("monitor", oldCfg.Monitor, newCfg.Monitor)
	section("maintenance", oldCfg.Maintenance, newCfg.Maintenance)
	sort.Strings(sections)

	var values []ValueChange
	if oldCfg.Banner.Mode != newCfg.Banner.Mode {
		values = append(values, ValueChange{
			Name: ValueBannerMode,
			Old:  oldCfg.Banner.Mode,
			New:  newCfg.Banner.Mode,
		})
	}
	if oldCfg.BannerInterval() != newCfg.BannerInterval() {
		values = append(values, ValueChange{
			Name: ValueBannerInterval,
			Old:  oldCfg.BannerInterval(),
			New:  newCfg.BannerInterval(),
		})
	}
	if oldCfg.Bored.Channel != newCfg.Bored.Channel {
		values = append(values, ValueChange{
			Name: ValueBoredChannel,
			Old:  oldCfg.Bored.Channel,
			New:  newCfg.Bored.Channel,
		})
	}
	if oldCfg.BoredCooldown() != newCfg.BoredCooldown() {
		values = append(values, ValueChange{
			Name: ValueBoredCooldown,
			Old:  oldCfg.BoredCooldown(),
			New:  newCfg.BoredCooldown(),
		})
	}
	return sections, values
}
