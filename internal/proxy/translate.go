package proxy

import "math"

// limits is the numeric envelope for target temperatures: the device-reported
// range and step/precision plus the user-configured safety bounds.
type limits struct {
	min       *float64
	max       *float64
	step      *float64
	precision *float64
	userMin   *float64
	userMax   *float64
}

// clampEvent describes a safety clamp that changed a computed device target.
type clampEvent struct {
	source    string // "user" or "device"
	direction string // "min" or "max"
	bound     float64
	configErr bool // user min exceeded user max
}

// translation is the result of mapping a virtual target onto the device.
type translation struct {
	constrainedVirtual float64
	deviceTarget       float64
	displayTemp        float64
	deviceCurrent      float64
	clamp              *clampEvent
}

const defaultPrecision = 0.1

// effectivePrecision returns the precision used for rounding and tolerance
// derivation: the explicit precision, else the step, else 0.1.
func (l limits) effectivePrecision() float64 {
	if l.precision != nil && *l.precision > 0 {
		return *l.precision
	}
	if l.step != nil && *l.step > 0 {
		return *l.step
	}
	return defaultPrecision
}

// pendingTolerance derives the echo-matching tolerance for numeric writes:
// half the precision, clamped to [0.05, 0.5].
func (l limits) pendingTolerance() float64 {
	tol := l.effectivePrecision() / 2
	if tol < 0.05 {
		return 0.05
	}
	if tol > 0.5 {
		return 0.5
	}
	return tol
}

// virtualSyncTolerance is the minimum movement of the derived virtual target
// before the published value changes.
func (l limits) virtualSyncTolerance() float64 {
	return math.Max(l.effectivePrecision(), 0.1)
}

// roundPrecision applies the final precision rounding: precision >= 1 rounds
// to a whole number, precision near 0.5 rounds to the nearest half, anything
// finer rounds to 1-3 decimal places derived from the precision's magnitude.
func (l limits) roundPrecision(v float64) float64 {
	precision := l.effectivePrecision()
	if precision >= 1 {
		return math.Round(v)
	}
	if math.Abs(precision-0.5) < 1e-9 {
		return math.Round(v*2) / 2
	}
	decimals := int(math.Round(-math.Log10(precision)))
	if decimals < 1 {
		decimals = 1
	}
	if decimals > 3 {
		decimals = 3
	}
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

// constrain clamps v to the device range, rounds to the step grid, re-clamps
// (step rounding can push back outside the range), then applies precision
// rounding.
func (l limits) constrain(v float64) float64 {
	v = l.clampRange(v)
	if l.step != nil && *l.step > 0 {
		v = math.Round(v / *l.step) * *l.step
		v = l.clampRange(v)
	}
	return l.roundPrecision(v)
}

func (l limits) clampRange(v float64) float64 {
	if l.min != nil && v < *l.min {
		v = *l.min
	}
	if l.max != nil && v > *l.max {
		v = *l.max
	}
	return v
}

// safetyClamp bounds a computed device target by the user-configured limits,
// falling back to the device-reported limits. A user minimum above the user
// maximum is a configuration error resolved by clamping to the maximum.
func (l limits) safetyClamp(v float64) (float64, *clampEvent) {
	minVal, minSource := l.min, "device"
	if l.userMin != nil {
		minVal, minSource = l.userMin, "user"
	}
	maxVal, maxSource := l.max, "device"
	if l.userMax != nil {
		maxVal, maxSource = l.userMax, "user"
	}

	if minVal != nil && maxVal != nil && *minVal > *maxVal {
		return *maxVal, &clampEvent{
			source:    maxSource,
			direction: "max",
			bound:     *maxVal,
			configErr: true,
		}
	}
	if minVal != nil && v < *minVal {
		return *minVal, &clampEvent{source: minSource, direction: "min", bound: *minVal}
	}
	if maxVal != nil && v > *maxVal {
		return *maxVal, &clampEvent{source: maxSource, direction: "max", bound: *maxVal}
	}
	return v, nil
}

// computeDeviceTarget maps a requested virtual target onto a device-facing
// target: the virtual request is constrained to the device envelope, the
// display-sensor offset is applied, and the result is safety-clamped and
// re-rounded. Returns nil when either temperature reading is unavailable.
func computeDeviceTarget(virtualRequested float64, displayTemp, deviceCurrent *float64, lim limits) *translation {
	constrained := lim.constrain(virtualRequested)
	if displayTemp == nil || deviceCurrent == nil {
		return nil
	}

	delta := constrained - *displayTemp
	raw := *deviceCurrent + delta

	clamped, clamp := lim.safetyClamp(raw)
	return &translation{
		constrainedVirtual: constrained,
		deviceTarget:       lim.roundPrecision(clamped),
		displayTemp:        *displayTemp,
		deviceCurrent:      *deviceCurrent,
		clamp:              clamp,
	}
}

// deriveVirtual recomputes the proxy-facing target from the device's real
// target and current readings relative to the display sensor: the virtual
// target keeps the same distance from the sensor as the real target keeps
// from the device's own reading.
func deriveVirtual(realTarget, realCurrent, displayTemp float64) float64 {
	return displayTemp + (realTarget - realCurrent)
}
