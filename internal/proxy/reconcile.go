package proxy

import "thermoproxy/internal/ha"

// policy describes which settings the proxy guards against external changes.
// Ignore-device settings are implicitly single-source-of-truth as well.
type policy struct {
	ssot map[Setting]bool
	it   map[Setting]bool
}

// active reports whether any guarding is configured at all.
func (p policy) active() bool {
	return len(p.ssot) > 0 || len(p.it) > 0
}

// outcome classifies one device-state notification.
type outcome int

const (
	// outcomeNoChange: nothing tracked differs from canonical.
	outcomeNoChange outcome = iota
	// outcomeEcho: every change matches a pending write the proxy issued.
	outcomeEcho
	// outcomeAccept: external change adopted into the baselines.
	outcomeAccept
	// outcomeReject: external change refused; device must be corrected.
	outcomeReject
)

func (o outcome) String() string {
	switch o {
	case outcomeNoChange:
		return "no_change"
	case outcomeEcho:
		return "echo"
	case outcomeAccept:
		return "accept"
	case outcomeReject:
		return "reject"
	}
	return "unknown"
}

// settingChange is one observed difference between the canonical reference
// and the incoming snapshot.
type settingChange struct {
	setting   Setting
	canonical interface{}
	incoming  interface{}
}

// decision is the classification result for one notification: the outcome,
// the changes that drove it, and the guarded subset behind a rejection.
type decision struct {
	outcome outcome
	changes []settingChange
	guarded []Setting
}

// collectChanges diffs the incoming snapshot against the canonical reference
// for every active setting. The reference is the baseline when one exists,
// else the setting's value in the previous snapshot. Settings where either
// side is unreadable are skipped.
func collectChanges(active map[Setting]bool, prev, incoming *ha.State, base *Baselines) []settingChange {
	var changes []settingChange
	for _, setting := range AllSettings() {
		if !active[setting] {
			continue
		}
		in := setting.ReadFrom(incoming)
		if in == nil {
			continue
		}
		canonical := base.Get(setting)
		if canonical == nil {
			canonical = setting.ReadFrom(prev)
		}
		if canonical == nil {
			continue
		}
		if setting.ValuesMatch(canonical, in) {
			continue
		}
		changes = append(changes, settingChange{
			setting:   setting,
			canonical: canonical,
			incoming:  in,
		})
	}
	return changes
}

// classify runs the policy state machine over a change set. The ledger is
// only read (via Has); consuming matched entries is an effect applied by the
// engine after the decision, keeping classification side-effect free.
func classify(changes []settingChange, ledger *Ledger, pendingTol float64, pol policy) decision {
	if len(changes) == 0 {
		return decision{outcome: outcomeNoChange}
	}

	echo := true
	for _, change := range changes {
		if !ledger.Has(change.setting, change.incoming, pendingTol) {
			echo = false
			break
		}
	}
	if echo {
		return decision{outcome: outcomeEcho, changes: changes}
	}

	// Ignore-device is absolute: any configured IT setting rejects every
	// externally-sourced change set outright.
	if len(pol.it) > 0 {
		var guarded []Setting
		for _, change := range changes {
			if pol.it[change.setting] || pol.ssot[change.setting] {
				guarded = append(guarded, change.setting)
			}
		}
		return decision{outcome: outcomeReject, changes: changes, guarded: guarded}
	}

	if len(pol.ssot) > 0 {
		var guarded []Setting
		for _, change := range changes {
			if pol.ssot[change.setting] {
				guarded = append(guarded, change.setting)
			}
		}
		if len(guarded) > 1 {
			return decision{outcome: outcomeReject, changes: changes, guarded: guarded}
		}
	}

	return decision{outcome: outcomeAccept, changes: changes}
}

// correction is one corrective write returning part of the device to its
// baselines. Grouped settings travel in a single correction.
type correction struct {
	service  string
	payload  map[string]interface{}
	settings []Setting
	values   []interface{}
}

// buildCorrections compares the live snapshot against the baselines and
// produces the writes needed to restore every disagreeing active setting.
// Settings sharing a correction group are restored in one combined write
// carrying every group member's baseline.
func buildCorrections(active map[Setting]bool, live *ha.State, base *Baselines, pendingTol float64) []correction {
	var corrections []correction
	covered := make(map[Setting]bool)

	for _, setting := range AllSettings() {
		if !active[setting] || covered[setting] {
			continue
		}
		baseline := base.Get(setting)
		if baseline == nil {
			continue
		}
		liveValue := setting.ReadFrom(live)
		if liveValue == nil {
			continue
		}
		if setting.ValuesMatchWithin(baseline, liveValue, pendingTol) {
			continue
		}

		members := []Setting{setting}
		if group := setting.CorrectionGroupName(); group != "" {
			members = CorrectionGroup(group)
		}

		c := correction{
			service: setting.Service(),
			payload: make(map[string]interface{}, len(members)),
		}
		for _, member := range members {
			covered[member] = true
			value := base.Get(member)
			if value == nil {
				continue
			}
			c.payload[member.ServiceAttr()] = value
			c.settings = append(c.settings, member)
			c.values = append(c.values, value)
		}
		if len(c.settings) > 0 {
			corrections = append(corrections, c)
		}
	}
	return corrections
}
