package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thermoproxy/internal/climate"
	"thermoproxy/internal/ha"
)

func climateState(mode string, attrs map[string]interface{}) *ha.State {
	return &ha.State{EntityID: "climate.test", State: mode, Attributes: attrs}
}

func TestCollectChanges(t *testing.T) {
	base := NewBaselines()
	base.Set(SettingHVACMode, climate.ModeHeat)
	base.SetLastRealTarget(22.0)

	active := map[Setting]bool{
		SettingHVACMode:    true,
		SettingTemperature: true,
		SettingFanMode:     true,
	}
	prev := climateState(climate.ModeHeat, map[string]interface{}{
		"temperature": 22.0,
		"fan_mode":    "auto",
	})
	incoming := climateState(climate.ModeCool, map[string]interface{}{
		"temperature": 22.0,
		"fan_mode":    "high",
	})

	changes := collectChanges(active, prev, incoming, base)
	require.Len(t, changes, 2)
	assert.Equal(t, SettingHVACMode, changes[0].setting)
	assert.Equal(t, climate.ModeHeat, changes[0].canonical)
	assert.Equal(t, climate.ModeCool, changes[0].incoming)
	// Fan has no baseline; the previous snapshot is the reference.
	assert.Equal(t, SettingFanMode, changes[1].setting)
	assert.Equal(t, "auto", changes[1].canonical)
}

func TestCollectChangesWithinToleranceIsNoChange(t *testing.T) {
	base := NewBaselines()
	base.SetLastRealTarget(22.0)

	active := map[Setting]bool{SettingTemperature: true}
	incoming := climateState(climate.ModeHeat, map[string]interface{}{"temperature": 22.3})

	assert.Empty(t, collectChanges(active, nil, incoming, base))
}

func TestClassifyEcho(t *testing.T) {
	ledger, _ := newTestLedger()
	ledger.Record(SettingHVACMode, climate.ModeCool)
	ledger.Record(SettingTemperature, 23.0)

	changes := []settingChange{
		{SettingHVACMode, climate.ModeHeat, climate.ModeCool},
		{SettingTemperature, 22.0, 23.0},
	}
	pol := policy{ssot: map[Setting]bool{SettingHVACMode: true, SettingTemperature: true}}

	dec := classify(changes, ledger, 0.05, pol)
	assert.Equal(t, outcomeEcho, dec.outcome)
	// Classification must not consume; the engine does that as an effect.
	assert.True(t, ledger.Has(SettingHVACMode, climate.ModeCool, 0.05))
}

func TestClassifyPartialPendingMatchIsNotEcho(t *testing.T) {
	ledger, _ := newTestLedger()
	ledger.Record(SettingHVACMode, climate.ModeCool)

	changes := []settingChange{
		{SettingHVACMode, climate.ModeHeat, climate.ModeCool},
		{SettingFanMode, "auto", "high"},
	}
	dec := classify(changes, ledger, 0.05, policy{})
	assert.Equal(t, outcomeAccept, dec.outcome)
}

func TestClassifySSOTCompoundChange(t *testing.T) {
	ledger, _ := newTestLedger()
	pol := policy{ssot: map[Setting]bool{SettingHVACMode: true, SettingFanMode: true}}

	// Two simultaneous guarded changes cannot come from a person on the
	// wall unit; reject.
	compound := []settingChange{
		{SettingHVACMode, climate.ModeHeat, climate.ModeCool},
		{SettingFanMode, "auto", "high"},
	}
	dec := classify(compound, ledger, 0.05, pol)
	assert.Equal(t, outcomeReject, dec.outcome)
	assert.ElementsMatch(t, []Setting{SettingHVACMode, SettingFanMode}, dec.guarded)

	// A single guarded change is a plausible manual adjustment; accept.
	single := []settingChange{
		{SettingTemperature, 22.0, 23.0},
	}
	pol.ssot[SettingTemperature] = true
	dec = classify(single, ledger, 0.05, pol)
	assert.Equal(t, outcomeAccept, dec.outcome)
}

func TestClassifyUnguardedChangesPassThrough(t *testing.T) {
	ledger, _ := newTestLedger()
	pol := policy{ssot: map[Setting]bool{SettingHVACMode: true}}

	changes := []settingChange{
		{SettingFanMode, "auto", "high"},
		{SettingSwingMode, "off", "vertical"},
	}
	dec := classify(changes, ledger, 0.05, pol)
	assert.Equal(t, outcomeAccept, dec.outcome)
}

func TestClassifyIgnoreDeviceIsAbsolute(t *testing.T) {
	ledger, _ := newTestLedger()
	pol := policy{
		ssot: map[Setting]bool{SettingHVACMode: true},
		it:   map[Setting]bool{SettingHVACMode: true},
	}

	// Even a single, otherwise-plausible change is rejected under
	// ignore-device.
	dec := classify([]settingChange{
		{SettingHVACMode, climate.ModeHeat, climate.ModeOff},
	}, ledger, 0.05, pol)
	assert.Equal(t, outcomeReject, dec.outcome)
	assert.Equal(t, []Setting{SettingHVACMode}, dec.guarded)

	// Unless it is an echo of our own write.
	ledger.Record(SettingHVACMode, climate.ModeOff)
	dec = classify([]settingChange{
		{SettingHVACMode, climate.ModeHeat, climate.ModeOff},
	}, ledger, 0.05, pol)
	assert.Equal(t, outcomeEcho, dec.outcome)
}

func TestClassifyEmptyChangeSet(t *testing.T) {
	ledger, _ := newTestLedger()
	dec := classify(nil, ledger, 0.05, policy{})
	assert.Equal(t, outcomeNoChange, dec.outcome)
}

func TestBuildCorrections(t *testing.T) {
	base := NewBaselines()
	base.Set(SettingHVACMode, climate.ModeHeat)
	base.Set(SettingFanMode, "auto")
	base.SetLastRealTarget(22.0)

	active := map[Setting]bool{
		SettingHVACMode:    true,
		SettingTemperature: true,
		SettingFanMode:     true,
	}
	live := climateState(climate.ModeCool, map[string]interface{}{
		"temperature": 22.0, // still canonical, needs no correction
		"fan_mode":    "high",
	})

	corrections := buildCorrections(active, live, base, 0.05)
	require.Len(t, corrections, 2)

	assert.Equal(t, climate.ServiceSetHVACMode, corrections[0].service)
	assert.Equal(t, climate.ModeHeat, corrections[0].payload[climate.AttrHVACMode])

	assert.Equal(t, climate.ServiceSetFanMode, corrections[1].service)
	assert.Equal(t, "auto", corrections[1].payload[climate.AttrFanMode])
}

func TestBuildCorrectionsGroupsRangeBounds(t *testing.T) {
	base := NewBaselines()
	base.Set(SettingTargetTempHigh, 24.0)
	base.Set(SettingTargetTempLow, 18.0)

	active := map[Setting]bool{
		SettingTargetTempHigh: true,
		SettingTargetTempLow:  true,
	}
	// Only the high bound drifted, but the correction must carry both
	// bounds in one write.
	live := climateState(climate.ModeHeatCool, map[string]interface{}{
		"target_temp_high": 26.0,
		"target_temp_low":  18.0,
	})

	corrections := buildCorrections(active, live, base, 0.05)
	require.Len(t, corrections, 1)
	c := corrections[0]
	assert.Equal(t, climate.ServiceSetTemperature, c.service)
	assert.Equal(t, 24.0, c.payload[climate.AttrTargetTempHigh])
	assert.Equal(t, 18.0, c.payload[climate.AttrTargetTempLow])
	assert.ElementsMatch(t, []Setting{SettingTargetTempHigh, SettingTargetTempLow}, c.settings)
}

func TestBuildCorrectionsNothingToDo(t *testing.T) {
	base := NewBaselines()
	base.Set(SettingHVACMode, climate.ModeHeat)

	active := map[Setting]bool{SettingHVACMode: true}
	live := climateState(climate.ModeHeat, nil)

	assert.Empty(t, buildCorrections(active, live, base, 0.05))
}
