package proxy

import (
	"sync"
	"time"

	"thermoproxy/internal/clock"
)

const (
	// maxPendingPerSetting bounds the ledger per setting; the oldest entry
	// is evicted when a sixth write is recorded.
	maxPendingPerSetting = 5

	// pendingTimeout is how long a recorded write stays eligible for echo
	// matching. Expiry is lazy: entries are purged on the next lookup.
	pendingTimeout = 30 * time.Second
)

// pendingEntry is one recorded write awaiting its echo from the device.
type pendingEntry struct {
	value      interface{}
	recordedAt time.Time
}

// Ledger tracks values the proxy has written to the device but not yet seen
// reflected back, so device-originated changes can be told apart from echoes
// of the proxy's own commands.
type Ledger struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[Setting][]pendingEntry
}

// NewLedger creates an empty ledger using the given clock for expiry.
func NewLedger(c clock.Clock) *Ledger {
	return &Ledger{
		clock:   c,
		entries: make(map[Setting][]pendingEntry),
	}
}

// Record appends a written value for the setting, evicting the oldest entry
// when the per-setting capacity is reached.
func (l *Ledger) Record(setting Setting, value interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries[setting]
	if len(entries) >= maxPendingPerSetting {
		entries = entries[1:]
	}
	l.entries[setting] = append(entries, pendingEntry{
		value:      value,
		recordedAt: l.clock.Now(),
	})
}

// Has reports whether an unexpired entry matches the observed value within
// the given tolerance. The ledger is not modified beyond expiry purging.
func (l *Ledger) Has(setting Setting, value interface{}, tolerance float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purgeLocked(setting)
	for _, entry := range l.entries[setting] {
		if setting.ValuesMatchWithin(entry.value, value, tolerance) {
			return true
		}
	}
	return false
}

// Consume removes the first unexpired entry matching the observed value and
// reports whether one was found. The observed value is an echo of the
// proxy's own write exactly when Consume returns true.
func (l *Ledger) Consume(setting Setting, value interface{}, tolerance float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purgeLocked(setting)
	entries := l.entries[setting]
	for i, entry := range entries {
		if setting.ValuesMatchWithin(entry.value, value, tolerance) {
			l.entries[setting] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// Remove deletes every entry matching the value, expired or not. Used when
// a write fails and its optimistic ledger entries must be withdrawn.
func (l *Ledger) Remove(setting Setting, value interface{}, tolerance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries[setting]
	kept := entries[:0]
	for _, entry := range entries {
		if !setting.ValuesMatchWithin(entry.value, value, tolerance) {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(l.entries, setting)
		return
	}
	l.entries[setting] = kept
}

// Count returns the number of unexpired entries for the setting.
func (l *Ledger) Count(setting Setting) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purgeLocked(setting)
	return len(l.entries[setting])
}

// Clear drops all entries for all settings.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[Setting][]pendingEntry)
}

// purgeLocked drops entries older than pendingTimeout. Callers hold l.mu.
func (l *Ledger) purgeLocked(setting Setting) {
	entries := l.entries[setting]
	if len(entries) == 0 {
		return
	}
	cutoff := l.clock.Now().Add(-pendingTimeout)
	kept := entries[:0]
	for _, entry := range entries {
		if entry.recordedAt.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(l.entries, setting)
		return
	}
	l.entries[setting] = kept
}
