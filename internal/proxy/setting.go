package proxy

import (
	"fmt"
	"math"

	"thermoproxy/internal/climate"
	"thermoproxy/internal/ha"
)

// Setting identifies a writable climate attribute tracked for echo detection
// and single-source-of-truth enforcement.
type Setting int

const (
	SettingHVACMode Setting = iota
	SettingTemperature
	SettingFanMode
	SettingSwingMode
	SettingTargetTempHigh
	SettingTargetTempLow
	SettingTargetHumidity
	SettingSwingHorizontalMode

	numSettings
)

// settingSpec is the immutable descriptor for one tracked setting. The
// catalog is data-driven: behavior differences between settings live here,
// not in per-setting code.
type settingSpec struct {
	key             string          // stable key, also the attribute name
	fromState       bool            // value lives in the snapshot's state field
	numeric         bool            // tolerance comparison vs exact comparison
	service         string          // climate service that writes this setting
	serviceAttr     string          // payload field for the write
	exportKey       string          // persistence/export key, "" = not exported
	correctionGroup string          // settings sharing a group correct together
	stateKey        string          // attribute read override, "" = use key
	featureFlag     climate.Feature // 0 = always active (core setting)
	label           string
}

var settingSpecs = [numSettings]settingSpec{
	SettingHVACMode: {
		key:       "hvac_mode",
		fromState: true,
		service:   climate.ServiceSetHVACMode,
		serviceAttr: climate.AttrHVACMode,
		exportKey: "ssot_hvac_mode",
		label:     "HVAC mode",
	},
	SettingTemperature: {
		key:         "temperature",
		numeric:     true,
		service:     climate.ServiceSetTemperature,
		serviceAttr: climate.AttrTemperature,
		label:       "Temperature",
	},
	SettingFanMode: {
		key:         "fan_mode",
		service:     climate.ServiceSetFanMode,
		serviceAttr: climate.AttrFanMode,
		exportKey:   "ssot_fan_mode",
		featureFlag: climate.FeatureFanMode,
		label:       "Fan mode",
	},
	SettingSwingMode: {
		key:         "swing_mode",
		service:     climate.ServiceSetSwingMode,
		serviceAttr: climate.AttrSwingMode,
		exportKey:   "ssot_swing_mode",
		featureFlag: climate.FeatureSwingMode,
		label:       "Swing mode",
	},
	SettingTargetTempHigh: {
		key:             "target_temp_high",
		numeric:         true,
		service:         climate.ServiceSetTemperature,
		serviceAttr:     climate.AttrTargetTempHigh,
		exportKey:       "ssot_target_temp_high",
		correctionGroup: "temp_range",
		featureFlag:     climate.FeatureTargetTemperatureRange,
		label:           "Target temp high",
	},
	SettingTargetTempLow: {
		key:             "target_temp_low",
		numeric:         true,
		service:         climate.ServiceSetTemperature,
		serviceAttr:     climate.AttrTargetTempLow,
		exportKey:       "ssot_target_temp_low",
		correctionGroup: "temp_range",
		featureFlag:     climate.FeatureTargetTemperatureRange,
		label:           "Target temp low",
	},
	SettingTargetHumidity: {
		key:         "target_humidity",
		numeric:     true,
		service:     climate.ServiceSetHumidity,
		serviceAttr: climate.AttrHumidity,
		exportKey:   "ssot_target_humidity",
		stateKey:    climate.AttrHumidity,
		featureFlag: climate.FeatureTargetHumidity,
		label:       "Target humidity",
	},
	SettingSwingHorizontalMode: {
		key:         "swing_horizontal_mode",
		service:     climate.ServiceSetSwingHorizontalMode,
		serviceAttr: climate.AttrSwingHorizontalMode,
		exportKey:   "ssot_swing_horizontal_mode",
		featureFlag: climate.FeatureSwingHorizontalMode,
		label:       "Swing horizontal mode",
	},
}

// DefaultTolerance is the numeric comparison tolerance used when a caller
// does not supply one.
const DefaultTolerance = 0.5

// coreSettings are always tracked regardless of device capability flags.
var coreSettings = []Setting{SettingHVACMode, SettingTemperature}

// AllSettings returns every setting in catalog order.
func AllSettings() []Setting {
	settings := make([]Setting, numSettings)
	for i := range settings {
		settings[i] = Setting(i)
	}
	return settings
}

// SettingByKey resolves a setting from its stable key.
func SettingByKey(key string) (Setting, bool) {
	for _, s := range AllSettings() {
		if s.Key() == key {
			return s, true
		}
	}
	return 0, false
}

// ExportableSettings returns the settings carrying a persistence export key.
func ExportableSettings() []Setting {
	var settings []Setting
	for _, s := range AllSettings() {
		if s.ExportKey() != "" {
			settings = append(settings, s)
		}
	}
	return settings
}

// CorrectionGroup returns the members of a named correction group in catalog
// order. Settings in one group must be corrected in a single write.
func CorrectionGroup(group string) []Setting {
	var settings []Setting
	for _, s := range AllSettings() {
		if settingSpecs[s].correctionGroup == group {
			settings = append(settings, s)
		}
	}
	return settings
}

// ActiveSettings derives the tracked subset for a device advertising the
// given capability bitmask: the two core settings plus every flag-gated
// setting whose flag is present.
func ActiveSettings(features climate.Feature) map[Setting]bool {
	active := make(map[Setting]bool, numSettings)
	for _, s := range coreSettings {
		active[s] = true
	}
	for _, s := range AllSettings() {
		flag := settingSpecs[s].featureFlag
		if flag != 0 && features.Has(flag) {
			active[s] = true
		}
	}
	return active
}

// Key returns the stable key for this setting.
func (s Setting) Key() string { return settingSpecs[s].key }

// Numeric reports whether values compare with tolerance rather than exactly.
func (s Setting) Numeric() bool { return settingSpecs[s].numeric }

// Service returns the climate service that writes this setting.
func (s Setting) Service() string { return settingSpecs[s].service }

// ServiceAttr returns the payload field carrying the value in a write.
func (s Setting) ServiceAttr() string { return settingSpecs[s].serviceAttr }

// ExportKey returns the persistence key, or "" when not exportable.
func (s Setting) ExportKey() string { return settingSpecs[s].exportKey }

// CorrectionGroupName returns the correction group, or "" when ungrouped.
func (s Setting) CorrectionGroupName() string { return settingSpecs[s].correctionGroup }

// FeatureFlag returns the capability flag gating this setting, or 0 for the
// always-active core settings.
func (s Setting) FeatureFlag() climate.Feature { return settingSpecs[s].featureFlag }

// Label returns the human-readable name.
func (s Setting) Label() string { return settingSpecs[s].label }

// String implements fmt.Stringer using the stable key.
func (s Setting) String() string { return settingSpecs[s].key }

// ReadFrom extracts this setting's live value from a snapshot. Numeric
// settings coerce to a finite float64; unparsable or absent values yield nil.
func (s Setting) ReadFrom(state *ha.State) interface{} {
	if state == nil {
		return nil
	}
	spec := settingSpecs[s]
	if spec.fromState {
		if state.State == "" {
			return nil
		}
		return state.State
	}
	key := spec.key
	if spec.stateKey != "" {
		key = spec.stateKey
	}
	raw := state.Attr(key)
	if spec.numeric {
		f, ok := climate.AsFloat(raw)
		if !ok {
			return nil
		}
		return f
	}
	return raw
}

// ValuesMatch compares two values for this setting using the default
// numeric tolerance. Nil only matches nil.
func (s Setting) ValuesMatch(a, b interface{}) bool {
	return s.ValuesMatchWithin(a, b, DefaultTolerance)
}

// ValuesMatchWithin compares two values for this setting. Numeric settings
// match when |a-b| <= tolerance; discrete settings match when their
// normalized representations are equal. Nil only matches nil.
func (s Setting) ValuesMatchWithin(a, b interface{}, tolerance float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if settingSpecs[s].numeric {
		fa, okA := climate.AsFloat(a)
		fb, okB := climate.AsFloat(b)
		if !okA || !okB {
			return false
		}
		return math.Abs(fa-fb) <= tolerance
	}
	return normalizeDiscrete(a) == normalizeDiscrete(b)
}

// normalizeDiscrete reduces wrapper types to a comparable string so that
// values read from JSON compare equal to values set programmatically.
func normalizeDiscrete(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
