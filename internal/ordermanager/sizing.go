package ordermanager

import "time"

// isPeakHours reports whether the given hour-of-day (0-23, UTC) falls
// inside the configured peak window. The window wraps midnight when
// PeakHoursStart > PeakHoursEnd (e.g. 22 -> 7).
func isPeakHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// SizeMultiplier returns the order-size multiplier for the current time of
// day (spec.md §4.14): larger clips during low-competition off-peak hours,
// smaller during peak.
func (m *Manager) SizeMultiplier(now time.Time) float64 {
	if isPeakHours(now.UTC().Hour(), m.cfg.PeakHoursStart, m.cfg.PeakHoursEnd) {
		return m.cfg.PeakSizeMultiplier
	}
	return m.cfg.OffPeakSizeMultiplier
}

// SizeMultiplierChanged reports whether the size multiplier has moved
// since the last call, updating internal state as a side effect. The
// Supervisor calls this once per monitor tick and, on a transition,
// triggers a full BUY-side reprice across every open market so resting
// orders immediately reflect the new clip size.
func (m *Manager) SizeMultiplierChanged(now time.Time) bool {
	current := m.SizeMultiplier(now)

	m.mu.Lock()
	defer m.mu.Unlock()
	if current == m.lastSizeMult {
		return false
	}
	m.lastSizeMult = current
	return true
}
