package qa

import (
	"sync"
	"time"
)

// AutoHealConfig governs when a browser-side runtime error may trigger a
// spontaneous agent run.
type AutoHealConfig struct {
	Enabled                   bool
	Cooldown                  time.Duration
	DedupeWindow              time.Duration
	MaxAttemptsPerFingerprint int
}

// Auto-heal denial reasons.
const (
	ReasonDisabled    = "disabled"
	ReasonDedupe      = "dedupe"
	ReasonMaxAttempts = "max_attempts"
	ReasonCooldown    = "cooldown"
)

type fingerprintState struct {
	lastHandled time.Time
	attempts    int
}

// AutoHealState is the per-session decision state. Safe for concurrent
// use.
type AutoHealState struct {
	mu            sync.Mutex
	cfg           AutoHealConfig
	lastAutoHeal  time.Time
	byFingerprint map[string]*fingerprintState
}

// NewAutoHealState creates state for one session.
func NewAutoHealState(cfg AutoHealConfig) *AutoHealState {
	return &AutoHealState{cfg: cfg, byFingerprint: map[string]*fingerprintState{}}
}

// Decide reports whether a run may start for the error fingerprint, and
// the denial reason otherwise. State is NOT updated here; call
// MarkStarted once the run actually begins.
func (s *AutoHealState) Decide(fingerprint string, now time.Time) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		return false, ReasonDisabled
	}
	if fp, ok := s.byFingerprint[fingerprint]; ok {
		if now.Sub(fp.lastHandled) < s.cfg.DedupeWindow {
			return false, ReasonDedupe
		}
		if fp.attempts >= s.cfg.MaxAttemptsPerFingerprint {
			return false, ReasonMaxAttempts
		}
	}
	if !s.lastAutoHeal.IsZero() && now.Sub(s.lastAutoHeal) < s.cfg.Cooldown {
		return false, ReasonCooldown
	}
	return true, ""
}

// MarkStarted records that an auto-heal run started for the fingerprint.
func (s *AutoHealState) MarkStarted(fingerprint string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAutoHeal = now
	fp := s.byFingerprint[fingerprint]
	if fp == nil {
		fp = &fingerprintState{}
		s.byFingerprint[fingerprint] = fp
	}
	fp.lastHandled = now
	fp.attempts++
}
