package ordermanager

import "time"

// RecordFill is called on every confirmed BUY fill once the global
// circuit breaker is enabled (spec.md §4.4 step 2/§4.13): a single
// boolean, owned here, that pauses all new BUY placement across every
// market for GLOBAL_FILL_PAUSE_SECONDS. SELL fills never trip it — the
// pause only withholds fresh inventory entry, never inventory exit.
func (m *Manager) RecordFill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastGlobalFill = time.Now()
	m.globalPaused = true
}

// GlobalPauseActive reports whether new BUY placement is currently
// suppressed by the global circuit breaker.
func (m *Manager) GlobalPauseActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.globalPaused {
		return false
	}
	if time.Since(m.lastGlobalFill) >= m.cfg.GlobalFillPause() {
		m.globalPaused = false
		return false
	}
	return true
}
