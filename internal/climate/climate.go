// Package climate holds the Home Assistant climate-domain vocabulary shared
// by the proxy: HVAC mode and action strings, the supported_features bitmask,
// attribute keys, and value coercion helpers.
package climate

import (
	"math"
	"strconv"
)

// Domain is the Home Assistant domain for thermostat entities.
const Domain = "climate"

// Entity states outside the climate domain's own mode strings.
const (
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// HVAC modes as reported in a climate entity's state field.
const (
	ModeOff      = "off"
	ModeHeat     = "heat"
	ModeCool     = "cool"
	ModeHeatCool = "heat_cool"
	ModeAuto     = "auto"
	ModeDry      = "dry"
	ModeFanOnly  = "fan_only"
)

// HVAC actions as reported in the hvac_action attribute.
const (
	ActionHeating = "heating"
	ActionCooling = "cooling"
	ActionIdle    = "idle"
	ActionOff     = "off"
	ActionDrying  = "drying"
	ActionFan     = "fan"
)

// Feature is a bit in the climate entity's supported_features attribute.
// Values match Home Assistant's ClimateEntityFeature.
type Feature int

const (
	FeatureTargetTemperature      Feature = 1
	FeatureTargetTemperatureRange Feature = 2
	FeatureTargetHumidity         Feature = 4
	FeatureFanMode                Feature = 8
	FeaturePresetMode             Feature = 16
	FeatureSwingMode              Feature = 32
	FeatureAuxHeat                Feature = 64
	FeatureTurnOn                 Feature = 128
	FeatureTurnOff                Feature = 256
	FeatureSwingHorizontalMode    Feature = 512
)

// Attribute keys read from or written to climate entity snapshots.
const (
	AttrTemperature          = "temperature"
	AttrTargetTempHigh       = "target_temp_high"
	AttrTargetTempLow        = "target_temp_low"
	AttrCurrentTemperature   = "current_temperature"
	AttrCurrentHumidity      = "current_humidity"
	AttrHumidity             = "humidity"
	AttrHVACAction           = "hvac_action"
	AttrHVACMode             = "hvac_mode"
	AttrHVACModes            = "hvac_modes"
	AttrFanMode              = "fan_mode"
	AttrFanModes             = "fan_modes"
	AttrSwingMode            = "swing_mode"
	AttrSwingModes           = "swing_modes"
	AttrSwingHorizontalMode  = "swing_horizontal_mode"
	AttrSwingHorizontalModes = "swing_horizontal_modes"
	AttrMinTemp              = "min_temp"
	AttrMaxTemp              = "max_temp"
	AttrMinHumidity          = "min_humidity"
	AttrMaxHumidity          = "max_humidity"
	AttrTargetTempStep       = "target_temp_step"
	AttrPrecision            = "precision"
	AttrSupportedFeatures    = "supported_features"
	AttrUnitOfMeasurement    = "unit_of_measurement"
	AttrEntityID             = "entity_id"
)

// Services on the climate domain.
const (
	ServiceSetTemperature         = "set_temperature"
	ServiceSetHVACMode            = "set_hvac_mode"
	ServiceSetFanMode             = "set_fan_mode"
	ServiceSetSwingMode           = "set_swing_mode"
	ServiceSetSwingHorizontalMode = "set_swing_horizontal_mode"
	ServiceSetHumidity            = "set_humidity"
	ServiceTurnOn                 = "turn_on"
	ServiceTurnOff                = "turn_off"
)

// ReservedAttributes are supplied by the proxy itself and must not be
// overridden when forwarding the physical thermostat's attribute bag,
// otherwise consumers see the wrong preset/temperature metadata.
var ReservedAttributes = map[string]bool{
	AttrTemperature:          true,
	AttrTargetTempHigh:       true,
	AttrTargetTempLow:        true,
	AttrCurrentTemperature:   true,
	AttrHVACModes:            true,
	AttrHVACMode:             true,
	AttrHVACAction:           true,
	"preset_modes":           true,
	"preset_mode":            true,
	AttrTargetTempStep:       true,
	AttrSupportedFeatures:    true,
	AttrFanMode:              true,
	AttrFanModes:             true,
	AttrSwingMode:            true,
	AttrSwingModes:           true,
	AttrSwingHorizontalMode:  true,
	AttrSwingHorizontalModes: true,
	AttrCurrentHumidity:      true,
	AttrHumidity:             true,
	AttrMinHumidity:          true,
	AttrMaxHumidity:          true,
	AttrMinTemp:              true,
	AttrMaxTemp:              true,
	AttrPrecision:            true,
}

// AsFloat coerces an attribute value to a finite float64. JSON numbers arrive
// as float64, but integrations also report numerics as strings or ints.
// Returns (0, false) for nil, non-finite, or unparsable input.
func AsFloat(value interface{}) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case nil:
		return 0, false
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// AsPositiveFloat is AsFloat restricted to values greater than zero.
func AsPositiveFloat(value interface{}) (float64, bool) {
	f, ok := AsFloat(value)
	if !ok || f <= 0 {
		return 0, false
	}
	return f, true
}

// AsStringList coerces a list attribute (e.g. hvac_modes, fan_modes) into a
// []string, skipping non-string members.
func AsStringList(value interface{}) []string {
	items, ok := value.([]interface{})
	if !ok {
		if strs, ok := value.([]string); ok {
			return strs
		}
		return nil
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

// SupportedFeatures reads the supported_features bitmask from an attribute
// bag, defaulting to zero when absent or malformed.
func SupportedFeatures(attributes map[string]interface{}) Feature {
	raw, ok := AsFloat(attributes[AttrSupportedFeatures])
	if !ok {
		return 0
	}
	return Feature(int(raw))
}

// Has reports whether flag is set in the bitmask.
func (f Feature) Has(flag Feature) bool {
	return f&flag != 0
}

// IsNonOffMode reports whether mode is a recognized HVAC mode other than off.
func IsNonOffMode(mode string) bool {
	switch mode {
	case ModeHeat, ModeCool, ModeHeatCool, ModeAuto, ModeDry, ModeFanOnly:
		return true
	}
	return false
}
