// Package proxy implements the virtual thermostat: a caller-facing climate
// entity whose target temperature is remapped through a substitute sensor
// onto a physical device, with a reconciliation engine that classifies every
// device-state change as an echo of the proxy's own writes, an accepted
// external change, or a rejected one that must be corrected back to baseline.
package proxy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"thermoproxy/internal/climate"
	"thermoproxy/internal/clock"
	"thermoproxy/internal/config"
	"thermoproxy/internal/ha"
	"thermoproxy/internal/metrics"
	"thermoproxy/internal/restore"
)

// PhysicalSensor is the built-in sensor selection that passes the device's
// own temperature reading through unchanged.
const PhysicalSensor = "Thermostat"

const (
	// realignSkipTolerance: a freshly computed device target this close to
	// the currently reported one is not worth a write.
	realignSkipTolerance = 0.1

	// syncLogSuppression: window after our own writes in which routine
	// sync chatter is logged at debug instead of info.
	syncLogSuppression = 5 * time.Second

	defaultOverdriveHeat = 2.0
	defaultOverdriveCool = -2.0
)

// Restore-bag keys.
const (
	restoreKeyActiveSensor   = "active_sensor"
	restoreKeyVirtualTarget  = "virtual_target"
	restoreKeyLastRealTarget = "last_real_target"
)

// Proxy is one virtual thermostat bound to a physical climate entity.
type Proxy struct {
	name         string
	deviceEntity string
	client       ha.HAClient
	store        *restore.Store
	clock        clock.Clock
	logger       *zap.Logger

	sensors             []config.SensorConfig
	sensorByName        map[string]string // name -> entity id
	defaultSensor       string
	useLastActiveSensor bool
	cooldown            time.Duration
	userMin, userMax    *float64
	precisionOverride   *float64
	unitFallback        string
	overdriveHeat       float64
	overdriveCool       float64
	auditEnabled        bool
	pol                 policy

	base   *Baselines
	ledger *Ledger

	// writeMu serializes every device-target write: caller-initiated sets,
	// realignment, turn on/off, and corrections. mu guards the mutable
	// snapshot state below and is never held across a transport call.
	writeMu sync.Mutex
	mu      sync.Mutex

	realState       *ha.State
	sensorStates    map[string]*ha.State // keyed by entity id
	selectedSensor  string               // sensor name, PhysicalSensor for passthrough
	virtualTarget   *float64
	active          map[Setting]bool
	features        climate.Feature
	lim             limits
	deviceUnit      string
	entityHealth    map[string]bool
	seeded          bool
	startupComplete bool

	lastWriteAt           time.Time
	suppressSyncLogsUntil time.Time
	realignInFlight       bool
	cooldownTimer         clock.Timer

	subs []ha.Subscription
}

// New builds a proxy from its configuration. The restore store may be nil,
// in which case nothing persists across restarts.
func New(cfg config.ProxyConfig, client ha.HAClient, store *restore.Store, clk clock.Clock, logger *zap.Logger) (*Proxy, error) {
	pol, err := buildPolicy(cfg.SSOTSettings, cfg.IgnoreDeviceSettings)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", cfg.Name, err)
	}

	p := &Proxy{
		name:                cfg.Name,
		deviceEntity:        cfg.DeviceEntity,
		client:              client,
		store:               store,
		clock:               clk,
		logger:              logger.With(zap.String("proxy", cfg.Name)),
		sensors:             cfg.Sensors,
		sensorByName:        make(map[string]string, len(cfg.Sensors)),
		defaultSensor:       cfg.DefaultSensor,
		useLastActiveSensor: cfg.UseLastActiveSensor,
		cooldown:            cfg.Cooldown(),
		userMin:             cfg.MinTemp,
		userMax:             cfg.MaxTemp,
		precisionOverride:   cfg.Precision,
		unitFallback:        cfg.Unit,
		overdriveHeat:       defaultOverdriveHeat,
		overdriveCool:       defaultOverdriveCool,
		auditEnabled:        cfg.AuditLog,
		pol:                 pol,
		base:                NewBaselines(),
		ledger:              NewLedger(clk),
		sensorStates:        make(map[string]*ha.State),
		selectedSensor:      PhysicalSensor,
		active:              ActiveSettings(0),
		entityHealth:        make(map[string]bool),
	}
	for _, s := range cfg.Sensors {
		p.sensorByName[s.Name] = s.Entity
	}
	if cfg.OverdriveHeat != nil {
		p.overdriveHeat = *cfg.OverdriveHeat
	}
	if cfg.OverdriveCool != nil {
		p.overdriveCool = *cfg.OverdriveCool
	}
	if cfg.DefaultSensor != "" {
		p.selectedSensor = cfg.DefaultSensor
	}
	return p, nil
}

// buildPolicy resolves setting keys into the guarded sets. Ignore-device
// settings are folded into the SSOT set as well.
func buildPolicy(ssotKeys, itKeys []string) (policy, error) {
	pol := policy{
		ssot: make(map[Setting]bool),
		it:   make(map[Setting]bool),
	}
	for _, key := range ssotKeys {
		setting, ok := SettingByKey(key)
		if !ok {
			return policy{}, fmt.Errorf("unknown ssot setting %q", key)
		}
		pol.ssot[setting] = true
	}
	for _, key := range itKeys {
		setting, ok := SettingByKey(key)
		if !ok {
			return policy{}, fmt.Errorf("unknown ignore_device setting %q", key)
		}
		pol.it[setting] = true
		pol.ssot[setting] = true
	}
	return pol, nil
}

// Name returns the proxy's configured name.
func (p *Proxy) Name() string { return p.name }

// Start restores persisted state, takes initial snapshots of the device and
// sensors, and subscribes to their state changes.
func (p *Proxy) Start() error {
	p.restoreFromStore()

	for _, s := range p.sensors {
		if state, err := p.client.GetState(s.Entity); err == nil {
			p.mu.Lock()
			p.sensorStates[s.Entity] = state
			p.mu.Unlock()
			p.setHealth(s.Entity, !state.Missing())
		} else {
			p.setHealth(s.Entity, false)
		}
	}

	if state, err := p.client.GetState(p.deviceEntity); err == nil {
		p.handleDeviceChange(p.deviceEntity, nil, state)
	} else {
		p.logger.Warn("Device snapshot unavailable at startup",
			zap.String("entity", p.deviceEntity), zap.Error(err))
		p.setHealth(p.deviceEntity, false)
	}

	sub, err := p.client.SubscribeStateChanges(p.deviceEntity, p.handleDeviceChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.deviceEntity, err)
	}
	p.subs = append(p.subs, sub)

	for _, s := range p.sensors {
		sub, err := p.client.SubscribeStateChanges(s.Entity, p.handleSensorChange)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.Entity, err)
		}
		p.subs = append(p.subs, sub)
	}

	p.mu.Lock()
	p.startupComplete = true
	p.mu.Unlock()
	p.publish()

	p.logger.Info("Proxy started",
		zap.String("device", p.deviceEntity),
		zap.Int("sensors", len(p.sensors)),
		zap.Bool("ssot", p.pol.active()))
	return nil
}

// Stop unsubscribes from all entities and cancels any pending cooldown retry.
func (p *Proxy) Stop() {
	for _, sub := range p.subs {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	p.subs = nil

	p.mu.Lock()
	if p.cooldownTimer != nil {
		p.cooldownTimer.Stop()
		p.cooldownTimer = nil
	}
	p.mu.Unlock()
	p.logger.Info("Proxy stopped")
}

func (p *Proxy) restoreFromStore() {
	if p.store == nil {
		return
	}
	bag, err := p.store.Load(p.name)
	if err != nil {
		p.logger.Warn("Failed to load restore bag", zap.Error(err))
		return
	}
	if bag == nil {
		return
	}

	p.mu.Lock()
	if name, ok := bag[restoreKeyActiveSensor].(string); ok && name != "" {
		if _, known := p.sensorByName[name]; known || name == PhysicalSensor {
			p.selectedSensor = name
		}
	}
	if v, ok := climate.AsFloat(bag[restoreKeyVirtualTarget]); ok {
		p.virtualTarget = &v
	}
	p.mu.Unlock()

	if v, ok := climate.AsFloat(bag[restoreKeyLastRealTarget]); ok {
		p.base.SetLastRealTarget(v)
	}
	for _, setting := range ExportableSettings() {
		if value, ok := bag[setting.ExportKey()]; ok && value != nil {
			p.base.Set(setting, value)
		}
	}
	p.logger.Info("Restored persisted state",
		zap.String("active_sensor", p.ActiveSensor()),
		zap.Bool("virtual_target", p.virtualTarget != nil))
}

// --- caller-facing operations -------------------------------------------

// SetTemperature sets the virtual target temperature. The device-facing
// target is derived via the active sensor's offset; transport failures are
// rolled back and returned to the caller.
func (p *Proxy) SetTemperature(target float64) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	lim := p.lim
	display := p.displayTemperatureLocked()
	deviceCurrent := p.deviceCurrentLocked()
	p.mu.Unlock()

	tr := computeDeviceTarget(target, display, deviceCurrent, lim)
	if tr == nil {
		p.logger.Warn("Cannot set temperature, sensor or device reading unavailable",
			zap.Float64("requested", target))
		return nil
	}
	p.logClamp(tr.clamp)

	if err := p.writeDeviceTarget(tr); err != nil {
		return err
	}

	p.auditLog(fmt.Sprintf("Target set to %.1f (device target %.1f via sensor %s at %.1f)",
		tr.constrainedVirtual, tr.deviceTarget, p.ActiveSensor(), tr.displayTemp))
	metrics.Incr("write.temperature", "proxy:"+p.name)
	p.publish()
	return nil
}

// SetTemperatureRange sets the heat/cool range bounds on range-capable
// devices. Each bound goes through the same sensor-offset translation as a
// single target: the caller works against the displayed temperature, not the
// device's own reading.
func (p *Proxy) SetTemperatureRange(high, low float64) error {
	p.mu.Lock()
	rangeCapable := p.active[SettingTargetTempHigh]
	p.mu.Unlock()
	if !rangeCapable {
		p.logger.Warn("Device does not support temperature ranges")
		return nil
	}
	if low > high {
		p.logger.Warn("Rejecting inverted temperature range",
			zap.Float64("high", high), zap.Float64("low", low))
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	lim := p.lim
	display := p.displayTemperatureLocked()
	deviceCurrent := p.deviceCurrentLocked()
	p.mu.Unlock()

	trHigh := computeDeviceTarget(high, display, deviceCurrent, lim)
	trLow := computeDeviceTarget(low, display, deviceCurrent, lim)
	if trHigh == nil || trLow == nil {
		p.logger.Warn("Cannot set temperature range, sensor or device reading unavailable",
			zap.Float64("high", high), zap.Float64("low", low))
		return nil
	}
	p.logClamp(trHigh.clamp)
	p.logClamp(trLow.clamp)

	settings := []Setting{SettingTargetTempHigh, SettingTargetTempLow}
	values := []interface{}{trHigh.deviceTarget, trLow.deviceTarget}
	err := p.writeSettings(settings, values, climate.ServiceSetTemperature, map[string]interface{}{
		climate.AttrTargetTempHigh: trHigh.deviceTarget,
		climate.AttrTargetTempLow:  trLow.deviceTarget,
	})
	if err != nil {
		return err
	}
	metrics.Incr("write.temp_range", "proxy:"+p.name)
	p.publish()
	return nil
}

// SetHVACMode switches the device's operating mode.
func (p *Proxy) SetHVACMode(mode string) error {
	if modes := p.availableModes(); len(modes) > 0 && !contains(modes, mode) {
		p.logger.Warn("Ignoring unsupported hvac mode", zap.String("mode", mode))
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	err := p.writeSettings([]Setting{SettingHVACMode}, []interface{}{mode},
		climate.ServiceSetHVACMode, map[string]interface{}{climate.AttrHVACMode: mode})
	if err != nil {
		return err
	}
	p.auditLog("Mode set to " + mode)
	metrics.Incr("write.hvac_mode", "proxy:"+p.name)
	p.publish()
	return nil
}

// TurnOn restores the last non-off mode, falling back to the first mode the
// device advertises.
func (p *Proxy) TurnOn() error {
	mode := p.base.LastNonOffMode()
	if mode == "" {
		for _, m := range p.availableModes() {
			if climate.IsNonOffMode(m) {
				mode = m
				break
			}
		}
	}
	if mode == "" {
		mode = climate.ModeHeat
	}
	return p.SetHVACMode(mode)
}

// TurnOff switches the device off.
func (p *Proxy) TurnOff() error {
	return p.SetHVACMode(climate.ModeOff)
}

// SetFanMode sets the fan mode on fan-capable devices.
func (p *Proxy) SetFanMode(mode string) error {
	return p.setAuxiliary(SettingFanMode, mode)
}

// SetSwingMode sets the swing mode on swing-capable devices.
func (p *Proxy) SetSwingMode(mode string) error {
	return p.setAuxiliary(SettingSwingMode, mode)
}

// SetSwingHorizontalMode sets the horizontal swing mode.
func (p *Proxy) SetSwingHorizontalMode(mode string) error {
	return p.setAuxiliary(SettingSwingHorizontalMode, mode)
}

// SetHumidity sets the target humidity on humidity-capable devices.
func (p *Proxy) SetHumidity(humidity float64) error {
	return p.setAuxiliary(SettingTargetHumidity, humidity)
}

func (p *Proxy) setAuxiliary(setting Setting, value interface{}) error {
	p.mu.Lock()
	supported := p.active[setting]
	p.mu.Unlock()
	if !supported {
		p.logger.Warn("Device does not support setting", zap.Stringer("setting", setting))
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	err := p.writeSettings([]Setting{setting}, []interface{}{value},
		setting.Service(), map[string]interface{}{setting.ServiceAttr(): value})
	if err != nil {
		return err
	}
	metrics.Incr("write."+setting.Key(), "proxy:"+p.name)
	p.publish()
	return nil
}

// SetActiveSensor selects which substitute sensor the proxy displays and
// targets against. PhysicalSensor passes the device's own reading through.
func (p *Proxy) SetActiveSensor(name string) error {
	if name != PhysicalSensor {
		if _, ok := p.sensorByName[name]; !ok {
			return fmt.Errorf("unknown sensor %q", name)
		}
	}

	p.mu.Lock()
	previous := p.selectedSensor
	p.selectedSensor = name
	p.mu.Unlock()

	if previous != name {
		p.logger.Info("Active sensor changed",
			zap.String("from", previous), zap.String("to", name))
		p.auditLog("Active sensor switched to " + name)
		p.publish()
		p.scheduleRealign()
	}
	return nil
}

// ActiveSensor returns the currently selected sensor name.
func (p *Proxy) ActiveSensor() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectedSensor
}

// SensorNames returns the selectable sensor names, physical first.
func (p *Proxy) SensorNames() []string {
	names := []string{PhysicalSensor}
	for _, s := range p.sensors {
		names = append(names, s.Name)
	}
	return names
}

// VirtualTarget returns the caller-facing target temperature.
func (p *Proxy) VirtualTarget() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.virtualTarget == nil {
		return 0, false
	}
	return *p.virtualTarget, true
}

// --- write path ----------------------------------------------------------

// writeTxn is the state captured before an optimistic write so a transport
// failure can restore the exact prior snapshot.
type writeTxn struct {
	baselines      map[Setting]interface{}
	virtualTarget  *float64
	lastWriteAt    time.Time
	suppressUntil  time.Time
	settings       []Setting
	values         []interface{}
}

// beginWriteTxn optimistically applies baselines and pending entries for a
// write about to be issued. Callers hold writeMu.
func (p *Proxy) beginWriteTxn(settings []Setting, values []interface{}) *writeTxn {
	p.mu.Lock()
	txn := &writeTxn{
		baselines:     p.base.Snapshot(settings),
		virtualTarget: p.virtualTarget,
		lastWriteAt:   p.lastWriteAt,
		suppressUntil: p.suppressSyncLogsUntil,
		settings:      settings,
		values:        values,
	}
	now := p.clock.Now()
	p.lastWriteAt = now
	p.suppressSyncLogsUntil = now.Add(syncLogSuppression)
	p.mu.Unlock()

	for i, setting := range settings {
		p.base.Set(setting, values[i])
		p.ledger.Record(setting, values[i])
	}
	return txn
}

// rollbackWriteTxn restores the snapshot captured by beginWriteTxn and
// withdraws the optimistic pending entries.
func (p *Proxy) rollbackWriteTxn(txn *writeTxn) {
	p.base.Restore(txn.baselines)
	tol := p.pendingTolerance()
	for i, setting := range txn.settings {
		p.ledger.Remove(setting, txn.values[i], tol)
	}

	p.mu.Lock()
	p.virtualTarget = txn.virtualTarget
	p.lastWriteAt = txn.lastWriteAt
	p.suppressSyncLogsUntil = txn.suppressUntil
	p.mu.Unlock()
}

// writeSettings issues one service call covering the given settings with
// optimistic baseline/ledger updates and rollback on transport failure.
// Callers hold writeMu.
func (p *Proxy) writeSettings(settings []Setting, values []interface{}, service string, payload map[string]interface{}) error {
	txn := p.beginWriteTxn(settings, values)

	data := map[string]interface{}{climate.AttrEntityID: p.deviceEntity}
	for k, v := range payload {
		data[k] = v
	}
	if err := p.client.CallService(climate.Domain, service, data); err != nil {
		p.rollbackWriteTxn(txn)
		return fmt.Errorf("%s write to %s failed: %w", service, p.deviceEntity, err)
	}
	return nil
}

// writeDeviceTarget commits a computed translation: the set_temperature call
// is issued, and only once the device accepts it does the virtual target get
// adopted and the device target become the new last real target. Mutating the
// virtual target first would leak the failed request past the rollback.
// Callers hold writeMu.
func (p *Proxy) writeDeviceTarget(tr *translation) error {
	err := p.writeSettings(
		[]Setting{SettingTemperature},
		[]interface{}{tr.deviceTarget},
		climate.ServiceSetTemperature,
		map[string]interface{}{climate.AttrTemperature: tr.deviceTarget},
	)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.virtualTarget = &tr.constrainedVirtual
	p.mu.Unlock()

	p.logger.Debug("Device target written",
		zap.Float64("virtual", tr.constrainedVirtual),
		zap.Float64("device_target", tr.deviceTarget),
		zap.Float64("display_temp", tr.displayTemp),
		zap.Float64("device_current", tr.deviceCurrent))
	return nil
}

// --- reconciliation ------------------------------------------------------

// handleDeviceChange is the notification handler for the physical device.
// Classification is lock-light and never blocks; any write it provokes runs
// as its own task through the write lock.
func (p *Proxy) handleDeviceChange(entityID string, oldState, newState *ha.State) {
	p.mu.Lock()
	p.realState = newState
	p.mu.Unlock()

	if newState.Missing() {
		p.setHealth(entityID, false)
		p.logger.Warn("Device unavailable", zap.String("entity", entityID))
		p.publish()
		return
	}
	p.setHealth(entityID, true)
	p.refreshCapabilities(newState)
	p.base.ObserveMode(newState.State)

	p.mu.Lock()
	seeded := p.seeded
	active := p.active
	p.mu.Unlock()

	if !seeded {
		p.seedFrom(newState, active)
		p.publish()
		p.scheduleRealign()
		return
	}

	changes := collectChanges(active, oldState, newState, p.base)
	dec := classify(changes, p.ledger, p.pendingTolerance(), p.pol)

	switch dec.outcome {
	case outcomeNoChange:
		// Nothing canonical moved; the realignment pass below handles any
		// reading drift without touching the virtual target.

	case outcomeEcho:
		tol := p.pendingTolerance()
		for _, change := range dec.changes {
			p.ledger.Consume(change.setting, change.incoming, tol)
			p.base.Set(change.setting, change.incoming)
		}
		p.logSync("Device echoed our write", zap.Int("settings", len(dec.changes)))
		p.publish()

	case outcomeAccept:
		p.acceptExternal(dec, newState)

	case outcomeReject:
		if p.rejectExternal(dec, oldState, newState) {
			// Corrections are in flight; realigning against the rejected
			// snapshot would race them. The correction echo resumes the
			// normal cycle.
			return
		}
	}

	if _, ok := p.VirtualTarget(); ok {
		p.scheduleRealign()
	}
}

// acceptExternal adopts an external change: guarded baselines are updated,
// and an external target change rewinds the virtual target so the proxy's
// display stays consistent with what the user set directly on the device.
func (p *Proxy) acceptExternal(dec decision, live *ha.State) {
	for _, change := range dec.changes {
		if p.pol.ssot[change.setting] {
			p.base.Set(change.setting, change.incoming)
		}
		p.logger.Info("Accepted external change",
			zap.Stringer("setting", change.setting),
			zap.Any("from", change.canonical),
			zap.Any("to", change.incoming))
	}
	metrics.Incr("reconcile.accept", "proxy:"+p.name)

	for _, change := range dec.changes {
		if change.setting != SettingTemperature {
			continue
		}
		// An external target set means the user is working against the
		// device's own reading, so force the passthrough sensor before
		// re-deriving the virtual target.
		if target, ok := climate.AsFloat(SettingTemperature.ReadFrom(live)); ok {
			p.base.SetLastRealTarget(target)
			p.mu.Lock()
			p.selectedSensor = PhysicalSensor
			p.mu.Unlock()
			p.syncVirtual()
		}
	}
	p.publish()
}

// rejectExternal refuses a guarded change set: the previous device snapshot
// stays canonical and a correction task restores every disagreeing setting on
// the device. Returns whether corrections were dispatched.
func (p *Proxy) rejectExternal(dec decision, previous, live *ha.State) bool {
	guarded := make([]string, 0, len(dec.guarded))
	for _, s := range dec.guarded {
		guarded = append(guarded, s.Key())
	}
	p.logger.Warn("Rejecting external change",
		zap.Int("changed", len(dec.changes)),
		zap.Strings("guarded", guarded),
		zap.Bool("ignore_device", len(p.pol.it) > 0))
	metrics.Incr("reconcile.reject", "proxy:"+p.name)

	// Rejected values must not leak into the published state or a later
	// realignment pass; keep exposing the last agreed snapshot until the
	// correction echoes back.
	if previous != nil {
		p.mu.Lock()
		p.realState = previous
		p.mu.Unlock()
	}

	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	corrections := buildCorrections(active, live, p.base, p.pendingTolerance())
	if len(corrections) == 0 {
		return false
	}
	go p.correctDevice(corrections)
	return true
}

// correctDevice issues the corrective writes produced by a rejection.
// Failures are logged and left for the next reconciliation cycle.
func (p *Proxy) correctDevice(corrections []correction) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	tol := p.pendingTolerance()
	for _, c := range corrections {
		for i, setting := range c.settings {
			p.ledger.Record(setting, c.values[i])
		}

		data := map[string]interface{}{climate.AttrEntityID: p.deviceEntity}
		for k, v := range c.payload {
			data[k] = v
		}
		if err := p.client.CallService(climate.Domain, c.service, data); err != nil {
			for i, setting := range c.settings {
				p.ledger.Remove(setting, c.values[i], tol)
			}
			if isTransientTransportError(err) {
				p.logger.Info("Correction hit transient transport failure, will retry next cycle",
					zap.String("service", c.service), zap.Error(err))
			} else {
				p.logger.Warn("Correction write failed",
					zap.String("service", c.service), zap.Error(err))
			}
			continue
		}
		metrics.Incr("reconcile.correction", "proxy:"+p.name)
	}
	p.auditLog("Corrected device back to canonical settings")
}

// seedFrom adopts the first usable device snapshot as the canonical
// baselines and establishes the virtual target if restore did not.
func (p *Proxy) seedFrom(state *ha.State, active map[Setting]bool) {
	p.base.SeedAll(state, active)

	p.mu.Lock()
	p.seeded = true
	needVirtual := p.virtualTarget == nil
	p.mu.Unlock()

	if needVirtual {
		if target, ok := climate.AsFloat(SettingTemperature.ReadFrom(state)); ok {
			p.mu.Lock()
			virtual := target
			display := p.displayTemperatureLocked()
			current := p.deviceCurrentLocked()
			if display != nil && current != nil {
				virtual = p.lim.roundPrecision(deriveVirtual(target, *current, *display))
			}
			p.virtualTarget = &virtual
			p.mu.Unlock()
		}
	}
	p.logger.Info("Seeded baselines from device snapshot")
}

// handleSensorChange is the notification handler for substitute sensors.
func (p *Proxy) handleSensorChange(entityID string, oldState, newState *ha.State) {
	p.mu.Lock()
	p.sensorStates[entityID] = newState
	selectedEntity := p.sensorByName[p.selectedSensor]
	p.mu.Unlock()

	healthy := !newState.Missing()
	p.setHealth(entityID, healthy)
	if !healthy {
		return
	}

	if p.useLastActiveSensor {
		if name := p.sensorNameFor(entityID); name != "" && name != p.ActiveSensor() {
			if _, ok := climate.AsFloat(newState.State); ok {
				p.mu.Lock()
				p.selectedSensor = name
				p.mu.Unlock()
				p.logger.Info("Following most recently updated sensor",
					zap.String("sensor", name))
				p.publish()
				p.scheduleRealign()
				return
			}
		}
	}

	if entityID == selectedEntity {
		p.publish()
		p.scheduleRealign()
	}
}

func (p *Proxy) sensorNameFor(entityID string) string {
	for _, s := range p.sensors {
		if s.Entity == entityID {
			return s.Name
		}
	}
	return ""
}

// refreshCapabilities re-reads device limits and the capability bitmask from
// a live snapshot and recomputes the active tracked settings.
func (p *Proxy) refreshCapabilities(state *ha.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.features = climate.SupportedFeatures(state.Attributes)
	p.active = ActiveSettings(p.features)

	if unit, ok := state.Attr(climate.AttrUnitOfMeasurement).(string); ok && unit != "" {
		p.deviceUnit = unit
	}

	p.lim = limits{
		userMin: p.userMin,
		userMax: p.userMax,
	}
	if v, ok := climate.AsFloat(state.Attr(climate.AttrMinTemp)); ok {
		p.lim.min = &v
	}
	if v, ok := climate.AsFloat(state.Attr(climate.AttrMaxTemp)); ok {
		p.lim.max = &v
	}
	if v, ok := climate.AsPositiveFloat(state.Attr(climate.AttrTargetTempStep)); ok {
		p.lim.step = &v
	}
	if p.precisionOverride != nil {
		p.lim.precision = p.precisionOverride
	} else if v, ok := climate.AsPositiveFloat(state.Attr(climate.AttrPrecision)); ok {
		p.lim.precision = &v
	}
}

// --- realignment ---------------------------------------------------------

// scheduleRealign starts a realignment task unless one is already in
// flight; redundant triggers are coalesced, not queued.
func (p *Proxy) scheduleRealign() {
	p.mu.Lock()
	if p.realignInFlight || p.virtualTarget == nil {
		p.mu.Unlock()
		return
	}
	p.realignInFlight = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.realignInFlight = false
			p.mu.Unlock()
		}()
		p.realign()
	}()
}

// realign recomputes the device target from the current virtual target and
// live readings, and writes it when it meaningfully differs from what the
// device already has. Transport failures are swallowed; the next cycle
// retries naturally since the target remains unmet.
func (p *Proxy) realign() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	if p.virtualTarget == nil || p.realState.Missing() {
		p.mu.Unlock()
		return
	}
	virtual := *p.virtualTarget
	lim := p.lim
	display := p.displayTemperatureLocked()
	deviceCurrent := p.deviceCurrentLocked()
	mode := p.realState.State
	action, _ := p.realState.Attr(climate.AttrHVACAction).(string)
	deviceTarget := SettingTemperature.ReadFrom(p.realState)
	lastWriteAt := p.lastWriteAt
	sinceWrite := p.clock.Since(lastWriteAt)
	p.mu.Unlock()

	if p.cooldown > 0 && !lastWriteAt.IsZero() && sinceWrite < p.cooldown {
		p.deferRealign(p.cooldown - sinceWrite)
		return
	}

	tr := computeDeviceTarget(virtual, display, deviceCurrent, lim)
	if tr == nil {
		return
	}
	p.logClamp(tr.clamp)

	if offset, ok := p.overdriveOffset(mode, action, virtual, tr.displayTemp, lim); ok {
		adjusted, _ := lim.safetyClamp(tr.deviceTarget + offset)
		tr.deviceTarget = lim.roundPrecision(adjusted)
		p.logger.Info("Overdriving stalled device",
			zap.String("mode", mode),
			zap.String("action", action),
			zap.Float64("offset", offset),
			zap.Float64("device_target", tr.deviceTarget))
	}

	if current, ok := climate.AsFloat(deviceTarget); ok {
		if abs(tr.deviceTarget-current) < realignSkipTolerance {
			return
		}
	}
	if p.ledger.Has(SettingTemperature, tr.deviceTarget, p.pendingTolerance()) {
		return
	}

	if err := p.writeDeviceTarget(tr); err != nil {
		p.logger.Warn("Realignment write failed", zap.Error(err))
		return
	}
	p.logSync("Realigned device target",
		zap.Float64("virtual", tr.constrainedVirtual),
		zap.Float64("device_target", tr.deviceTarget))
	metrics.Incr("realign.write", "proxy:"+p.name)
	p.publish()
}

// deferRealign schedules a single retry for when the cooldown window ends.
// A newer deferral replaces any outstanding one.
func (p *Proxy) deferRealign(wait time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cooldownTimer != nil {
		p.cooldownTimer.Stop()
	}
	p.logger.Debug("Write cooldown active, deferring realignment",
		zap.Duration("wait", wait))
	p.cooldownTimer = p.clock.AfterFunc(wait, func() {
		p.mu.Lock()
		p.cooldownTimer = nil
		p.mu.Unlock()
		p.scheduleRealign()
	})
}

// overdriveOffset decides whether the device looks stalled: the mode demands
// heating (or cooling) beyond tolerance but the reported action shows the
// device is not working. Returns the per-direction offset to apply.
func (p *Proxy) overdriveOffset(mode, action string, virtual, displayTemp float64, lim limits) (float64, bool) {
	tol := lim.virtualSyncTolerance()
	switch mode {
	case climate.ModeHeat:
		if virtual-displayTemp > tol && action != climate.ActionHeating {
			return p.overdriveHeat, true
		}
	case climate.ModeCool:
		if displayTemp-virtual > tol && action != climate.ActionCooling {
			return p.overdriveCool, true
		}
	}
	return 0, false
}

// syncVirtual re-derives the virtual target from the device's live target
// and current readings so the displayed target tracks reality. Small drifts
// under the sync tolerance are ignored to avoid display jitter.
func (p *Proxy) syncVirtual() {
	p.mu.Lock()
	defer p.mu.Unlock()

	target, ok := climate.AsFloat(SettingTemperature.ReadFrom(p.realState))
	if !ok {
		return
	}
	display := p.displayTemperatureLocked()
	current := p.deviceCurrentLocked()
	if display == nil || current == nil {
		return
	}

	derived := p.lim.roundPrecision(deriveVirtual(target, *current, *display))
	if p.virtualTarget != nil && abs(derived-*p.virtualTarget) < p.lim.virtualSyncTolerance() {
		return
	}
	p.virtualTarget = &derived
	p.logSyncLocked("Virtual target re-derived from device",
		zap.Float64("virtual", derived),
		zap.Float64("device_target", target))
}

// --- readings and publication -------------------------------------------

// displayTemperatureLocked returns the active sensor's reading, falling back
// to the device's own current temperature. Callers hold p.mu.
func (p *Proxy) displayTemperatureLocked() *float64 {
	if p.selectedSensor != PhysicalSensor {
		if entity, ok := p.sensorByName[p.selectedSensor]; ok {
			state := p.sensorStates[entity]
			if !state.Missing() {
				if v, ok := climate.AsFloat(state.State); ok {
					return &v
				}
			}
		}
	}
	return p.deviceCurrentLocked()
}

// unitLocked returns the temperature unit discovered from the device
// snapshot, the configured fallback, or Celsius. Callers hold p.mu.
func (p *Proxy) unitLocked() string {
	if p.deviceUnit != "" {
		return p.deviceUnit
	}
	if p.unitFallback != "" {
		return p.unitFallback
	}
	return "°C"
}

// deviceCurrentLocked returns the device's own current temperature reading.
// Callers hold p.mu.
func (p *Proxy) deviceCurrentLocked() *float64 {
	if p.realState.Missing() {
		return nil
	}
	if v, ok := climate.AsFloat(p.realState.Attr(climate.AttrCurrentTemperature)); ok {
		return &v
	}
	return nil
}

// CurrentTemperature returns the temperature shown to the caller: the active
// sensor's reading, else the device's own.
func (p *Proxy) CurrentTemperature() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v := p.displayTemperatureLocked(); v != nil {
		return *v, true
	}
	return 0, false
}

// Available reports whether the physical device currently has a usable
// snapshot.
func (p *Proxy) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.realState.Missing()
}

// Snapshot returns the proxy's caller-facing state for the diagnostics API:
// live properties plus the forwarded attribute bag.
func (p *Proxy) Snapshot() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := map[string]interface{}{
		"name":          p.name,
		"device_entity": p.deviceEntity,
		"available":     !p.realState.Missing(),
		"active_sensor": p.selectedSensor,
		"sensors":       p.sensorNamesLocked(),
		"attributes":    p.attributesLocked(),
	}
	if !p.realState.Missing() {
		snap["hvac_mode"] = p.realState.State
		if action, ok := p.realState.Attr(climate.AttrHVACAction).(string); ok {
			snap["hvac_action"] = action
		}
	}
	if v := p.displayTemperatureLocked(); v != nil {
		snap["current_temperature"] = *v
	}
	if p.virtualTarget != nil {
		snap["target_temperature"] = *p.virtualTarget
	}
	if p.lim.min != nil {
		snap["min_temp"] = *p.lim.min
	}
	if p.lim.max != nil {
		snap["max_temp"] = *p.lim.max
	}
	if p.lim.step != nil {
		snap["target_temp_step"] = *p.lim.step
	}

	// The proxy always offers direct target setting and sensor selection,
	// whatever the device itself advertises.
	features := p.features | climate.FeatureTargetTemperature | climate.FeaturePresetMode
	snap["supported_features"] = int(features)
	return snap
}

func (p *Proxy) sensorNamesLocked() []string {
	names := []string{PhysicalSensor}
	for _, s := range p.sensors {
		names = append(names, s.Name)
	}
	return names
}

// attributesLocked builds the published attribute bag: all non-reserved
// device attributes forwarded as-is, plus proxy diagnostics and, when SSOT
// is active, the exported baselines. Callers hold p.mu.
func (p *Proxy) attributesLocked() map[string]interface{} {
	attrs := make(map[string]interface{})
	if !p.realState.Missing() {
		for key, value := range p.realState.Attributes {
			if !climate.ReservedAttributes[key] {
				attrs[key] = value
			}
		}
		if v, ok := climate.AsFloat(p.realState.Attr(climate.AttrCurrentTemperature)); ok {
			attrs["real_current_temperature"] = v
		}
		if v, ok := climate.AsFloat(p.realState.Attr(climate.AttrTemperature)); ok {
			attrs["real_target_temperature"] = v
		}
		if v, ok := climate.AsFloat(p.realState.Attr(climate.AttrCurrentHumidity)); ok {
			attrs["real_current_humidity"] = v
		}
	}

	attrs[climate.AttrUnitOfMeasurement] = p.unitLocked()
	attrs["active_sensor"] = p.selectedSensor
	if entity, ok := p.sensorByName[p.selectedSensor]; ok {
		attrs["active_sensor_entity"] = entity
	}
	health := make(map[string]bool, len(p.entityHealth))
	for entity, ok := range p.entityHealth {
		health[entity] = ok
	}
	attrs["entity_health"] = health
	attrs["startup_complete"] = p.startupComplete

	if p.pol.active() {
		for _, setting := range ExportableSettings() {
			if value := p.base.Get(setting); value != nil {
				attrs[setting.ExportKey()] = value
			}
		}
		attrs["ignore_device"] = len(p.pol.it) > 0
	}
	return attrs
}

// publish persists the restore bag and emits state gauges. Publication
// failures never disturb proxy state.
func (p *Proxy) publish() {
	p.mu.Lock()
	bag := map[string]interface{}{
		restoreKeyActiveSensor: p.selectedSensor,
	}
	if p.virtualTarget != nil {
		bag[restoreKeyVirtualTarget] = *p.virtualTarget
		metrics.Gauge("target.virtual", *p.virtualTarget, "proxy:"+p.name)
	}
	p.mu.Unlock()

	if target, ok := p.base.LastRealTarget(); ok {
		bag[restoreKeyLastRealTarget] = target
		metrics.Gauge("target.device", target, "proxy:"+p.name)
	}
	for _, setting := range ExportableSettings() {
		if value := p.base.Get(setting); value != nil {
			bag[setting.ExportKey()] = value
		}
	}

	if p.store != nil {
		if err := p.store.Save(p.name, bag); err != nil {
			p.logger.Warn("Failed to persist restore bag", zap.Error(err))
		}
	}
}

// --- helpers -------------------------------------------------------------

func (p *Proxy) pendingTolerance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lim.pendingTolerance()
}

func (p *Proxy) availableModes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.realState.Missing() {
		return nil
	}
	return climate.AsStringList(p.realState.Attr(climate.AttrHVACModes))
}

// setHealth updates an entity's health flag, logging transitions only.
func (p *Proxy) setHealth(entityID string, healthy bool) {
	p.mu.Lock()
	previous, known := p.entityHealth[entityID]
	p.entityHealth[entityID] = healthy
	p.mu.Unlock()

	if known && previous == healthy {
		return
	}
	if healthy {
		p.logger.Info("Entity healthy", zap.String("entity", entityID))
	} else {
		p.logger.Warn("Entity unhealthy", zap.String("entity", entityID))
	}
}

// logClamp reports a safety clamp applied during target translation.
func (p *Proxy) logClamp(clamp *clampEvent) {
	if clamp == nil {
		return
	}
	if clamp.configErr {
		p.logger.Error("Configured min_temp exceeds max_temp, clamping to max",
			zap.Float64("bound", clamp.bound))
		return
	}
	p.logger.Info("Device target clamped",
		zap.String("source", clamp.source),
		zap.String("direction", clamp.direction),
		zap.Float64("bound", clamp.bound))
}

// logSync logs routine synchronization activity, demoted to debug within
// the suppression window after our own writes.
func (p *Proxy) logSync(msg string, fields ...zap.Field) {
	p.mu.Lock()
	suppressed := p.clock.Now().Before(p.suppressSyncLogsUntil)
	p.mu.Unlock()
	if suppressed {
		p.logger.Debug(msg, fields...)
		return
	}
	p.logger.Info(msg, fields...)
}

// logSyncLocked is logSync for callers already holding p.mu.
func (p *Proxy) logSyncLocked(msg string, fields ...zap.Field) {
	if p.clock.Now().Before(p.suppressSyncLogsUntil) {
		p.logger.Debug(msg, fields...)
		return
	}
	p.logger.Info(msg, fields...)
}

// auditLog emits a human-readable entry to the logbook when enabled.
func (p *Proxy) auditLog(message string) {
	if !p.auditEnabled {
		return
	}
	err := p.client.CallService("logbook", "log", map[string]interface{}{
		"name":      p.name,
		"message":   message,
		"entity_id": p.deviceEntity,
	})
	if err != nil {
		p.logger.Debug("Failed to write audit log entry", zap.Error(err))
	}
}

// isTransientTransportError recognizes upstream-gateway style failures that
// are expected to self-resolve.
func isTransientTransportError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "502") || strings.Contains(msg, "Bad Gateway") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "timeout")
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func contains(list []string, item string) bool {
	for _, s := range list {
		if s == item {
			return true
		}
	}
	return false
}
