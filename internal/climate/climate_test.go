package climate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsFloat(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  float64
		ok    bool
	}{
		{"float64", 21.5, 21.5, true},
		{"float32", float32(2.0), 2.0, true},
		{"int", 22, 22.0, true},
		{"int64", int64(7), 7.0, true},
		{"numeric string", "23.5", 23.5, true},
		{"nil", nil, 0, false},
		{"non-numeric string", "unavailable", 0, false},
		{"bool", true, 0, false},
		{"nan", math.NaN(), 0, false},
		{"infinity", math.Inf(1), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AsFloat(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestAsPositiveFloat(t *testing.T) {
	_, ok := AsPositiveFloat(0.0)
	assert.False(t, ok)

	_, ok = AsPositiveFloat(-0.5)
	assert.False(t, ok)

	got, ok := AsPositiveFloat(0.1)
	assert.True(t, ok)
	assert.Equal(t, 0.1, got)
}

func TestAsStringList(t *testing.T) {
	// JSON decoding produces []interface{}; mixed members get skipped.
	got := AsStringList([]interface{}{"off", "heat", 3.0, "cool"})
	assert.Equal(t, []string{"off", "heat", "cool"}, got)

	assert.Equal(t, []string{"auto", "low"}, AsStringList([]string{"auto", "low"}))
	assert.Nil(t, AsStringList(nil))
	assert.Nil(t, AsStringList("heat"))
}

func TestSupportedFeatures(t *testing.T) {
	features := SupportedFeatures(map[string]interface{}{
		AttrSupportedFeatures: float64(FeatureTargetTemperature | FeatureFanMode),
	})
	assert.True(t, features.Has(FeatureTargetTemperature))
	assert.True(t, features.Has(FeatureFanMode))
	assert.False(t, features.Has(FeatureSwingMode))

	assert.Equal(t, Feature(0), SupportedFeatures(map[string]interface{}{}))
	assert.Equal(t, Feature(0), SupportedFeatures(map[string]interface{}{
		AttrSupportedFeatures: "not a number",
	}))
}

func TestIsNonOffMode(t *testing.T) {
	assert.True(t, IsNonOffMode(ModeHeat))
	assert.True(t, IsNonOffMode(ModeHeatCool))
	assert.True(t, IsNonOffMode(ModeFanOnly))
	assert.False(t, IsNonOffMode(ModeOff))
	assert.False(t, IsNonOffMode(StateUnavailable))
	assert.False(t, IsNonOffMode(""))
}
