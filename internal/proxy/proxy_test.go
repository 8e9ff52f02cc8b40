package proxy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"thermoproxy/internal/climate"
	"thermoproxy/internal/clock"
	"thermoproxy/internal/config"
	"thermoproxy/internal/ha"
)

const (
	testDevice = "climate.real"
	testSensor = "sensor.couch_temp"
)

type fixture struct {
	proxy  *Proxy
	client *ha.MockClient
	clk    *clock.MockClock
}

// deviceAttrs returns a baseline device snapshot: heating toward 22.0 while
// reading 21.0 itself, with mode+fan capabilities.
func deviceAttrs(overrides map[string]interface{}) map[string]interface{} {
	attrs := map[string]interface{}{
		climate.AttrCurrentTemperature: 21.0,
		climate.AttrTemperature:        22.0,
		climate.AttrMinTemp:            7.0,
		climate.AttrMaxTemp:            35.0,
		climate.AttrHVACAction:         climate.ActionHeating,
		climate.AttrHVACModes:          []interface{}{"off", "heat", "cool"},
		climate.AttrFanMode:            "auto",
		climate.AttrFanModes:           []interface{}{"auto", "high"},
		climate.AttrSupportedFeatures:  float64(climate.FeatureTargetTemperature | climate.FeatureFanMode),
	}
	for k, v := range overrides {
		attrs[k] = v
	}
	return attrs
}

// newFixture starts a proxy against a mock device reading 21.0 with target
// 22.0, and a couch sensor reading 23.5 selected as the active sensor. The
// seeded virtual target is therefore 24.5.
func newFixture(t *testing.T, mutate func(*config.ProxyConfig)) *fixture {
	t.Helper()

	client := ha.NewMockClient()
	require.NoError(t, client.Connect())
	clk := clock.NewMockClock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))

	cfg := config.ProxyConfig{
		Name:         "living_room",
		DeviceEntity: testDevice,
		Sensors:      []config.SensorConfig{{Name: "Couch", Entity: testSensor}},
		DefaultSensor: "Couch",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client.SetState(testSensor, "23.5", map[string]interface{}{"unit_of_measurement": "°C"})
	client.SetState(testDevice, climate.ModeHeat, deviceAttrs(nil))

	logger, _ := zap.NewDevelopment()
	p, err := New(cfg, client, nil, clk, logger)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	// Wait for the startup realignment task to drain so tests observe only
	// their own writes.
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.seeded && !p.realignInFlight
	}, time.Second, 5*time.Millisecond)
	client.ClearServiceCalls()

	f := &fixture{proxy: p, client: client, clk: clk}
	t.Cleanup(p.Stop)
	return f
}

// simulateDevice replays a device snapshot with attribute overrides on top
// of the baseline attrs.
func (f *fixture) simulateDevice(mode string, overrides map[string]interface{}) {
	f.client.SimulateStateChange(testDevice, mode, deviceAttrs(overrides))
}

func TestStartSeedsFromDeviceAndSensor(t *testing.T) {
	f := newFixture(t, nil)

	virtual, ok := f.proxy.VirtualTarget()
	require.True(t, ok)
	assert.Equal(t, 24.5, virtual, "virtual derives from sensor 23.5 + (target 22.0 - current 21.0)")

	current, ok := f.proxy.CurrentTemperature()
	require.True(t, ok)
	assert.Equal(t, 23.5, current, "displayed temperature is the couch sensor")

	target, ok := f.proxy.base.LastRealTarget()
	require.True(t, ok)
	assert.Equal(t, 22.0, target)
	assert.Equal(t, climate.ModeHeat, f.proxy.base.Get(SettingHVACMode))
	assert.Equal(t, "auto", f.proxy.base.Get(SettingFanMode))
	assert.True(t, f.proxy.Available())
}

func TestSetTemperatureTranslatesThroughSensor(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.proxy.SetTemperature(25.0))

	calls := f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetTemperature)
	require.Len(t, calls, 1)
	assert.Equal(t, testDevice, calls[0].Data[climate.AttrEntityID])
	assert.Equal(t, 22.5, calls[0].Data[climate.AttrTemperature],
		"delta 25.0-23.5=1.5 lands the device at 21.0+1.5")

	virtual, _ := f.proxy.VirtualTarget()
	assert.Equal(t, 25.0, virtual)
	target, _ := f.proxy.base.LastRealTarget()
	assert.Equal(t, 22.5, target)
	assert.True(t, f.proxy.ledger.Has(SettingTemperature, 22.5, 0.05))
}

func TestSetTemperatureClampedByUserMax(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProxyConfig) {
		max := 25.0
		cfg.MaxTemp = &max
	})

	require.NoError(t, f.proxy.SetTemperature(50.0))

	calls := f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetTemperature)
	require.Len(t, calls, 1)
	assert.Equal(t, 25.0, calls[0].Data[climate.AttrTemperature])
}

func TestSetTemperatureWithDeviceUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.client.SimulateStateChange(testDevice, climate.StateUnavailable, nil)

	require.NoError(t, f.proxy.SetTemperature(25.0))
	assert.Empty(t, f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetTemperature))
}

func TestSetTemperatureRollsBackOnTransportError(t *testing.T) {
	f := newFixture(t, nil)
	f.client.FailService(climate.Domain, climate.ServiceSetTemperature, errors.New("websocket closed"))

	err := f.proxy.SetTemperature(25.0)
	require.Error(t, err)

	target, _ := f.proxy.base.LastRealTarget()
	assert.Equal(t, 22.0, target, "last real target restored to pre-call value")
	virtual, _ := f.proxy.VirtualTarget()
	assert.Equal(t, 24.5, virtual, "virtual target restored")
	assert.Equal(t, 0, f.proxy.ledger.Count(SettingTemperature), "optimistic pending entry withdrawn")
	assert.True(t, f.proxy.lastWriteAt.IsZero(), "write timestamp restored")
}

func TestOwnEchoCausesNoCorrection(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProxyConfig) {
		cfg.SSOTSettings = []string{"hvac_mode", "temperature", "fan_mode"}
	})

	require.NoError(t, f.proxy.SetTemperature(25.0))
	f.client.ClearServiceCalls()

	// Device echoes the 22.5 we just wrote.
	f.simulateDevice(climate.ModeHeat, map[string]interface{}{climate.AttrTemperature: 22.5})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.client.GetServiceCalls(), "echo must not provoke any write")
	virtual, _ := f.proxy.VirtualTarget()
	assert.Equal(t, 25.0, virtual)
}

func TestCompoundSSOTChangeIsCorrected(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProxyConfig) {
		cfg.SSOTSettings = []string{"hvac_mode", "fan_mode"}
	})

	// Mode and fan changing in one notification cannot be a person at the
	// wall unit.
	f.simulateDevice(climate.ModeCool, map[string]interface{}{climate.AttrFanMode: "high"})

	assert.Eventually(t, func() bool {
		return len(f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetHVACMode)) == 1 &&
			len(f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetFanMode)) == 1
	}, time.Second, 5*time.Millisecond)

	modeCalls := f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetHVACMode)
	assert.Equal(t, climate.ModeHeat, modeCalls[0].Data[climate.AttrHVACMode])
	fanCalls := f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetFanMode)
	assert.Equal(t, "auto", fanCalls[0].Data[climate.AttrFanMode])

	assert.Equal(t, climate.ModeHeat, f.proxy.base.Get(SettingHVACMode),
		"baselines keep the canonical values")
}

func TestSingleSSOTChangeIsAccepted(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProxyConfig) {
		cfg.SSOTSettings = []string{"hvac_mode", "fan_mode"}
	})

	f.simulateDevice(climate.ModeHeat, map[string]interface{}{climate.AttrFanMode: "high"})

	assert.Equal(t, "high", f.proxy.base.Get(SettingFanMode))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetFanMode))
}

func TestIgnoreDeviceRejectsSingleChange(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProxyConfig) {
		cfg.IgnoreDeviceSettings = []string{"hvac_mode"}
	})

	f.simulateDevice(climate.ModeCool, nil)

	assert.Eventually(t, func() bool {
		return len(f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetHVACMode)) == 1
	}, time.Second, 5*time.Millisecond)
	calls := f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetHVACMode)
	assert.Equal(t, climate.ModeHeat, calls[0].Data[climate.AttrHVACMode])
}

func TestRejectedChangeKeepsPreviousSnapshot(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProxyConfig) {
		cfg.IgnoreDeviceSettings = []string{"hvac_mode"}
	})

	f.simulateDevice(climate.ModeCool, nil)

	// The rejected mode must not surface in the published state; the last
	// agreed snapshot stays canonical until the correction echoes back.
	snap := f.proxy.Snapshot()
	assert.Equal(t, climate.ModeHeat, snap["hvac_mode"])

	assert.Eventually(t, func() bool {
		return len(f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetHVACMode)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetTemperature),
		"no realignment write races the correction")
}

func TestAcceptedExternalTargetForcesPassthroughSensor(t *testing.T) {
	f := newFixture(t, nil)

	// Someone sets 24.0 directly on the physical thermostat.
	f.simulateDevice(climate.ModeHeat, map[string]interface{}{climate.AttrTemperature: 24.0})

	target, _ := f.proxy.base.LastRealTarget()
	assert.Equal(t, 24.0, target)
	assert.Equal(t, PhysicalSensor, f.proxy.ActiveSensor(),
		"an external set implies the caller works against the device's own reading")
	virtual, _ := f.proxy.VirtualTarget()
	assert.Equal(t, 24.0, virtual, "virtual re-derived: 21.0 + (24.0 - 21.0)")
}

func TestTurnOnRestoresLastNonOffMode(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.proxy.SetHVACMode(climate.ModeCool))
	require.NoError(t, f.proxy.TurnOff())
	require.NoError(t, f.proxy.TurnOn())

	calls := f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetHVACMode)
	require.Len(t, calls, 3)
	assert.Equal(t, climate.ModeCool, calls[0].Data[climate.AttrHVACMode])
	assert.Equal(t, climate.ModeOff, calls[1].Data[climate.AttrHVACMode])
	assert.Equal(t, climate.ModeCool, calls[2].Data[climate.AttrHVACMode])
}

func TestTurnOnRestoresExternallyChosenMode(t *testing.T) {
	f := newFixture(t, nil)

	// Someone switches the wall unit to cool; the change is accepted, and
	// the remembered turn-on mode must follow it.
	f.simulateDevice(climate.ModeCool, nil)

	require.NoError(t, f.proxy.TurnOn())
	calls := f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetHVACMode)
	require.Len(t, calls, 1)
	assert.Equal(t, climate.ModeCool, calls[0].Data[climate.AttrHVACMode])
}

func TestSetHVACModeRejectsUnsupported(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.proxy.SetHVACMode("dry"))
	assert.Empty(t, f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetHVACMode))
}

func TestSetTemperatureRangeTranslatesThroughSensor(t *testing.T) {
	f := newFixture(t, nil)
	f.simulateDevice(climate.ModeHeatCool, map[string]interface{}{
		climate.AttrSupportedFeatures: float64(climate.FeatureTargetTemperature |
			climate.FeatureTargetTemperatureRange),
		climate.AttrTargetTempHigh: 24.0,
		climate.AttrTargetTempLow:  18.0,
	})

	require.NoError(t, f.proxy.SetTemperatureRange(26.0, 20.0))

	calls := f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetTemperature)
	require.Len(t, calls, 1)
	assert.Equal(t, 23.5, calls[0].Data[climate.AttrTargetTempHigh],
		"delta 26.0-23.5=2.5 lands the high bound at 21.0+2.5")
	assert.Equal(t, 17.5, calls[0].Data[climate.AttrTargetTempLow],
		"delta 20.0-23.5=-3.5 lands the low bound at 21.0-3.5")
	assert.Equal(t, 23.5, f.proxy.base.Get(SettingTargetTempHigh))

	// Inverted ranges are refused before any write.
	f.client.ClearServiceCalls()
	require.NoError(t, f.proxy.SetTemperatureRange(18.0, 25.0))
	assert.Empty(t, f.client.GetServiceCalls())
}

func TestSetAuxiliaryRequiresCapability(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.proxy.SetFanMode("high"))
	assert.Len(t, f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetFanMode), 1)

	// The fixture device has no swing capability.
	require.NoError(t, f.proxy.SetSwingMode("vertical"))
	assert.Empty(t, f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetSwingMode))
}

func TestSensorSwitchRealignsDeviceTarget(t *testing.T) {
	f := newFixture(t, nil)

	// Switching to the device's own reading moves the display reference
	// from 23.5 to 21.0, so holding virtual 24.5 needs device target 24.5.
	require.NoError(t, f.proxy.SetActiveSensor(PhysicalSensor))

	assert.Eventually(t, func() bool {
		calls := f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetTemperature)
		return len(calls) == 1 && calls[0].Data[climate.AttrTemperature] == 24.5
	}, time.Second, 5*time.Millisecond)
}

func TestSetActiveSensorUnknown(t *testing.T) {
	f := newFixture(t, nil)
	assert.Error(t, f.proxy.SetActiveSensor("Garage"))
	assert.Equal(t, "Couch", f.proxy.ActiveSensor())
}

func TestCooldownDefersRealignment(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProxyConfig) {
		cfg.CooldownSeconds = 120
	})

	require.NoError(t, f.proxy.SetTemperature(25.0))
	require.Len(t, f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetTemperature), 1)

	// A sensor drop to 22.0 wants device target 24.0, but the cooldown
	// window is still open; the realignment must wait.
	f.client.SimulateStateChange(testSensor, "22.0", nil)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetTemperature), 1)

	f.clk.Advance(120 * time.Second)
	assert.Eventually(t, func() bool {
		calls := f.client.ServiceCallsTo(climate.Domain, climate.ServiceSetTemperature)
		return len(calls) == 2 && calls[1].Data[climate.AttrTemperature] == 24.0
	}, time.Second, 5*time.Millisecond)
}

func TestOverdriveKicksStalledDevice(t *testing.T) {
	client := ha.NewMockClient()
	require.NoError(t, client.Connect())
	clk := clock.NewMockClock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))

	// Heating demanded (virtual will seed at 24.5 vs sensor 23.5) but the
	// device reports idle: realignment must overdrive past the plain
	// computed target of 22.0.
	client.SetState(testSensor, "23.5", nil)
	client.SetState(testDevice, climate.ModeHeat, deviceAttrs(map[string]interface{}{
		climate.AttrHVACAction: climate.ActionIdle,
	}))

	cfg := config.ProxyConfig{
		Name:         "stalled",
		DeviceEntity: testDevice,
		Sensors:      []config.SensorConfig{{Name: "Couch", Entity: testSensor}},
		DefaultSensor: "Couch",
	}
	logger, _ := zap.NewDevelopment()
	p, err := New(cfg, client, nil, clk, logger)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	assert.Eventually(t, func() bool {
		calls := client.ServiceCallsTo(climate.Domain, climate.ServiceSetTemperature)
		return len(calls) == 1 && calls[0].Data[climate.AttrTemperature] == 24.0
	}, time.Second, 5*time.Millisecond)
}

func TestDeviceUnavailability(t *testing.T) {
	f := newFixture(t, nil)

	f.client.SimulateStateChange(testDevice, climate.StateUnavailable, nil)
	assert.False(t, f.proxy.Available())

	snap := f.proxy.Snapshot()
	assert.Equal(t, false, snap["available"])

	f.simulateDevice(climate.ModeHeat, nil)
	assert.True(t, f.proxy.Available())
}

func TestSnapshotExposesDiagnostics(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProxyConfig) {
		cfg.SSOTSettings = []string{"hvac_mode"}
	})
	f.simulateDevice(climate.ModeHeat, map[string]interface{}{"friendly_name": "Real Unit"})

	snap := f.proxy.Snapshot()
	assert.Equal(t, "living_room", snap["name"])
	assert.Equal(t, climate.ModeHeat, snap["hvac_mode"])
	assert.Equal(t, 23.5, snap["current_temperature"])
	assert.Equal(t, []string{PhysicalSensor, "Couch"}, snap["sensors"])

	features := snap["supported_features"].(int)
	assert.NotZero(t, features&int(climate.FeatureTargetTemperature))
	assert.NotZero(t, features&int(climate.FeaturePresetMode),
		"sensor selection is always offered")

	attrs := snap["attributes"].(map[string]interface{})
	assert.Equal(t, "Real Unit", attrs["friendly_name"], "non-reserved attrs forwarded")
	assert.Equal(t, "Couch", attrs["active_sensor"])
	assert.Equal(t, testSensor, attrs["active_sensor_entity"])
	assert.Equal(t, true, attrs["startup_complete"])
	assert.Equal(t, 21.0, attrs["real_current_temperature"])
	assert.Equal(t, "°C", attrs[climate.AttrUnitOfMeasurement],
		"Celsius default when neither device nor config names a unit")
	assert.Equal(t, climate.ModeHeat, attrs["ssot_hvac_mode"], "SSOT baselines exported")
	assert.Equal(t, false, attrs["ignore_device"])

	health := attrs["entity_health"].(map[string]bool)
	assert.True(t, health[testDevice])
	assert.True(t, health[testSensor])
}

func TestUnitDiscovery(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProxyConfig) {
		cfg.Unit = "°F"
	})

	// The fixture device reports no unit, so the configured fallback wins.
	attrs := f.proxy.Snapshot()["attributes"].(map[string]interface{})
	assert.Equal(t, "°F", attrs[climate.AttrUnitOfMeasurement])

	f.simulateDevice(climate.ModeHeat, map[string]interface{}{
		climate.AttrUnitOfMeasurement: "°C",
	})
	attrs = f.proxy.Snapshot()["attributes"].(map[string]interface{})
	assert.Equal(t, "°C", attrs[climate.AttrUnitOfMeasurement],
		"device-discovered unit overrides the fallback")
}

func TestFollowLastActiveSensor(t *testing.T) {
	f := newFixture(t, func(cfg *config.ProxyConfig) {
		cfg.Sensors = append(cfg.Sensors, config.SensorConfig{Name: "Desk", Entity: "sensor.desk_temp"})
		cfg.UseLastActiveSensor = true
	})

	f.client.SimulateStateChange("sensor.desk_temp", "20.0", nil)
	assert.Equal(t, "Desk", f.proxy.ActiveSensor())
}
