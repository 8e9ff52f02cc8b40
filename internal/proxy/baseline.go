package proxy

import (
	"sync"

	"thermoproxy/internal/climate"
	"thermoproxy/internal/ha"
)

// Baselines holds the canonical known-good value for each tracked setting.
// A device-reported value that differs from its baseline is either accepted
// (baseline updated) or rejected (device corrected back to baseline) by the
// reconciliation policy.
//
// The temperature baseline is aliased to the last real target rather than
// stored separately: the target the proxy most recently wrote to the device
// is by definition the canonical temperature.
type Baselines struct {
	mu             sync.Mutex
	values         map[Setting]interface{}
	lastRealTarget *float64
	lastNonOffMode string
}

// NewBaselines creates an empty baseline store.
func NewBaselines() *Baselines {
	return &Baselines{values: make(map[Setting]interface{})}
}

// Get returns the canonical value for the setting, or nil when none has been
// established yet.
func (b *Baselines) Get(setting Setting) interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getLocked(setting)
}

func (b *Baselines) getLocked(setting Setting) interface{} {
	if setting == SettingTemperature {
		if b.lastRealTarget == nil {
			return nil
		}
		return *b.lastRealTarget
	}
	return b.values[setting]
}

// Set establishes the canonical value for a setting. A nil value clears it.
// Accepting an hvac mode other than off also refreshes the remembered
// restore mode used by turn-on.
func (b *Baselines) Set(setting Setting, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(setting, value)
}

func (b *Baselines) setLocked(setting Setting, value interface{}) {
	if setting == SettingTemperature {
		if value == nil {
			b.lastRealTarget = nil
			return
		}
		if f, ok := climate.AsFloat(value); ok {
			b.lastRealTarget = &f
		}
		return
	}
	if setting == SettingHVACMode {
		if mode, ok := value.(string); ok && climate.IsNonOffMode(mode) {
			b.lastNonOffMode = mode
		}
	}
	if value == nil {
		delete(b.values, setting)
		return
	}
	b.values[setting] = value
}

// LastRealTarget returns the last target temperature written to the device.
func (b *Baselines) LastRealTarget() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastRealTarget == nil {
		return 0, false
	}
	return *b.lastRealTarget, true
}

// SetLastRealTarget records the target temperature written to the device.
func (b *Baselines) SetLastRealTarget(target float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRealTarget = &target
}

// ObserveMode refreshes the remembered non-off mode from a live device
// snapshot. Runs on every valid snapshot, whatever the reconciliation decides
// about the change, so turn-on restores the mode the device actually ran in.
func (b *Baselines) ObserveMode(mode string) {
	if !climate.IsNonOffMode(mode) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastNonOffMode = mode
}

// LastNonOffMode returns the most recent canonical hvac mode other than off,
// or "" when the device has never been seen on.
func (b *Baselines) LastNonOffMode() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastNonOffMode
}

// Empty reports whether no baseline has been established for any setting.
func (b *Baselines) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.values) == 0 && b.lastRealTarget == nil
}

// SeedAll adopts the device's live values as baselines for every active
// setting that does not have one yet. Used on startup and on the first
// usable snapshot after the device comes back from unavailable.
func (b *Baselines) SeedAll(state *ha.State, active map[Setting]bool) {
	if state.Missing() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for setting := range active {
		if b.getLocked(setting) != nil {
			continue
		}
		if value := setting.ReadFrom(state); value != nil {
			b.setLocked(setting, value)
		}
	}
}

// Snapshot captures the current baselines for the given settings so a failed
// write can roll them back.
func (b *Baselines) Snapshot(settings []Setting) map[Setting]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := make(map[Setting]interface{}, len(settings))
	for _, setting := range settings {
		snap[setting] = b.getLocked(setting)
	}
	return snap
}

// Restore reinstates baselines captured by Snapshot.
func (b *Baselines) Restore(snap map[Setting]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for setting, value := range snap {
		b.setLocked(setting, value)
	}
}
