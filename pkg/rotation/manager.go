// Package rotation tracks the timing half of the key-rotation sub-protocol
// of §4.4: when an ESTABLISHED session should transition to ROTATING. The
// actual propose/ack exchange and key re-derivation live in pkg/session,
// which is the sole writer of keys and runs rotation decisions from its
// single-threaded main loop (§5).
package rotation

import (
	"sync"
	"time"
)

// DefaultInterval is the rotation interval mandated by §4.4
// ("ESTABLISHED -> ROTATING on rotation_timer firing at
// creation_time + 3600 s").
const DefaultInterval = 3600 * time.Second

// DefaultGrace is the dual-key acceptance window after a completed
// rotation, per §4.4 ("old keys retained for a 300-s grace").
const DefaultGrace = 300 * time.Second

// Config tunes rotation timing. MaxPackets is an optional additional
// trigger beyond the fixed interval; the spec defines only the time-based
// trigger, so MaxPackets defaults to disabled (0).
type Config struct {
	Interval   time.Duration
	Grace      time.Duration
	MaxPackets uint64
}

// Manager tracks elapsed time and packet counts for one Session and reports
// when the rotation_timer has fired.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	start   time.Time
	packets uint64
	epoch   uint64
}

// New creates a rotation manager anchored at start (the session's
// creation_time) and initial epoch (generation counter for the currently
// installed key material).
func New(cfg Config, start time.Time, epoch uint64) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Manager{cfg: cfg, start: start, epoch: epoch}
}

// Record increments the packet counter for this generation and reports
// whether rotation should occur.
func (m *Manager) Record(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets++
	return m.shouldRotateLocked(now)
}

// ShouldRotate reports whether rotation should occur without mutating
// state.
func (m *Manager) ShouldRotate(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldRotateLocked(now)
}

// Grace returns the configured dual-key grace interval.
func (m *Manager) Grace() time.Duration {
	return m.cfg.Grace
}

// Epoch returns the current key generation identifier.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Reset anchors a new generation at now, zeroing the packet counter and
// advancing the epoch. Called once new keys have been installed at the end
// of a successful rotation.
func (m *Manager) Reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = now
	m.packets = 0
	m.epoch++
}

func (m *Manager) shouldRotateLocked(now time.Time) bool {
	if m.cfg.MaxPackets > 0 && m.packets >= m.cfg.MaxPackets {
		return true
	}
	deadline := m.start.Add(m.cfg.Interval)
	return !now.Before(deadline)
}
