// Package session implements the Session state machine of §3 and §4.4: the
// phase transitions IDLE -> PUNCHING -> ESTABLISHED -> ROTATING ->
// COMPROMISED_PENDING_ACK -> CLOSED, the encrypt/decrypt paths that borrow
// keys from pkg/handshake and frame from pkg/record, and the dual-key
// grace window during rotation. A Session owns its keys, replay window,
// rotation timer, and sequence counter exclusively (§5 Shared-resource
// policy); it performs no socket I/O itself, so it can be driven from
// either a live UDP loop or a deterministic test.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/handshake"
	"github.com/hipparchus2000/clawchat/pkg/record"
	"github.com/hipparchus2000/clawchat/pkg/replay"
	"github.com/hipparchus2000/clawchat/pkg/rotation"
	"github.com/hipparchus2000/clawchat/pkg/wire"
)

// Phase is one of the six states of §3's Session lifecycle.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhasePunching
	PhaseEstablished
	PhaseRotating
	PhaseCompromisedPendingAck
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhasePunching:
		return "PUNCHING"
	case PhaseEstablished:
		return "ESTABLISHED"
	case PhaseRotating:
		return "ROTATING"
	case PhaseCompromisedPendingAck:
		return "COMPROMISED_PENDING_ACK"
	case PhaseClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// MaxConsecutiveAuthFailures is the persistent-failure threshold of §4.4
// ("Persistent AEAD_FAIL (≥ 32 consecutive) → transition to CLOSED").
const MaxConsecutiveAuthFailures = 32

// KeepaliveInterval and KeepaliveTimeout implement §5's keepalive
// cancellation policy.
const (
	KeepaliveInterval = 20 * time.Second
	KeepaliveTimeout  = 60 * time.Second
)

// CompromiseAckTimeout bounds how long the triggering side waits for
// COMPROMISED_ACK before unilaterally zeroizing (§4.4, §5).
const CompromiseAckTimeout = 10 * time.Second

// ErrWrongPhase indicates an operation was attempted outside the phase it
// requires.
var ErrWrongPhase = errors.New("session: operation not valid in current phase")

// ErrClosed indicates the session has already torn down its keys.
var ErrClosed = errors.New("session: session is closed")

// Config constructs a Session from a completed handshake.
type Config struct {
	Role         handshake.Role
	ConnectionID handshake.ConnectionID
	Keys         handshake.SessionKeys
	CreatedAt    time.Time
	Rotation     rotation.Config
	ReplayDepth  uint64
}

// Session is the per-peer state machine of §3.
type Session struct {
	mu sync.Mutex

	role   handshake.Role
	connID handshake.ConnectionID
	phase  Phase

	keys           handshake.SessionKeys
	legacyKeys     *handshake.SessionKeys
	legacyDeadline time.Time

	txSeq           uint64
	rxWindow        *replay.Window
	rotation        *rotation.Manager
	rotationPending *pendingRotation

	createdAt               time.Time
	lastActivity            time.Time
	consecutiveAuthFailures uint32
	compromiseDeadline      time.Time
}

// New constructs a Session in PhaseIdle, ready for BeginPunching.
func New(cfg Config) *Session {
	depth := cfg.ReplayDepth
	if depth == 0 {
		depth = replay.DefaultDepth
	}
	return &Session{
		role:         cfg.Role,
		connID:       cfg.ConnectionID,
		phase:        PhaseIdle,
		keys:         cfg.Keys,
		rxWindow:     replay.New(replay.Config{Depth: depth}),
		rotation:     rotation.New(cfg.Rotation, cfg.CreatedAt, 1),
		createdAt:    cfg.CreatedAt,
		lastActivity: cfg.CreatedAt,
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ConnectionID returns the session's connection identifier.
func (s *Session) ConnectionID() handshake.ConnectionID {
	return s.connID
}

// Role returns the local role within this session.
func (s *Session) Role() handshake.Role {
	return s.role
}

// LastActivity returns the timestamp of the most recent accepted frame
// (send or receive).
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// BeginPunching transitions IDLE -> PUNCHING.
func (s *Session) BeginPunching(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseIdle {
		return ErrWrongPhase
	}
	s.phase = PhasePunching
	s.lastActivity = now
	return nil
}

// CompletePunch transitions PUNCHING -> ESTABLISHED on the first correctly
// AEAD-verified HANDSHAKE_ACK (§4.4). The caller has already authenticated
// the handshake frame via pkg/handshake before calling this.
func (s *Session) CompletePunch(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhasePunching {
		return ErrWrongPhase
	}
	s.phase = PhaseEstablished
	s.lastActivity = now
	return nil
}

// Send seals payload as messageType under the session's current transmit
// key, advancing the per-direction sequence counter. Valid only while
// ESTABLISHED or ROTATING, since those are the only phases in which
// ordinary transport and application frames flow.
func (s *Session) Send(messageType wire.MessageType, payload []byte, now time.Time) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseEstablished && s.phase != PhaseRotating {
		return nil, ErrWrongPhase
	}
	return s.sealLocked(messageType, payload, now)
}

func (s *Session) sealLocked(messageType wire.MessageType, payload []byte, now time.Time) ([]byte, error) {
	if s.phase == PhaseClosed {
		return nil, ErrClosed
	}
	s.txSeq++
	frame, err := record.Seal(s.keys.TxKey, messageType, s.txSeq, payload)
	if err != nil {
		s.txSeq--
		return nil, err
	}
	s.lastActivity = now
	return frame, nil
}

// Receive authenticates and opens frame, trying the current receive key
// and, during a rotation's grace window, the outgoing generation's key
// too (§4.4: "old keys retained for a 300-s grace during which frames
// under either generation are accepted"). A successful open still passes
// through the replay window; a replay rejection is returned but does not
// count toward the persistent-auth-failure threshold, since it is not an
// authentication failure.
func (s *Session) Receive(frame []byte, now time.Time) (record.Header, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseClosed {
		return record.Header{}, nil, ErrClosed
	}

	header, payload, err := record.Open(s.keys.RxKey, frame)
	if err != nil && s.legacyKeys != nil && now.Before(s.legacyDeadline) {
		header, payload, err = record.Open(s.legacyKeys.RxKey, frame)
	}
	if err != nil {
		s.consecutiveAuthFailures++
		if s.consecutiveAuthFailures >= MaxConsecutiveAuthFailures {
			s.zeroizeAndCloseLocked()
		}
		return record.Header{}, nil, err
	}
	s.consecutiveAuthFailures = 0

	if s.legacyKeys != nil && !now.Before(s.legacyDeadline) {
		s.legacyKeys.Zero()
		s.legacyKeys = nil
	}

	if err := s.rxWindow.Accept(header.Sequence); err != nil {
		return record.Header{}, nil, err
	}

	s.lastActivity = now
	return header, payload, nil
}

// Close tears the session down unconditionally, zeroizing all key
// material (§3 SessionKeys invariant: "zeroized on teardown").
func (s *Session) Close(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zeroizeAndCloseLocked()
	_ = now
}

func (s *Session) zeroizeAndCloseLocked() {
	if s.phase == PhaseClosed {
		return
	}
	s.keys.Zero()
	if s.legacyKeys != nil {
		s.legacyKeys.Zero()
		s.legacyKeys = nil
	}
	s.phase = PhaseClosed
}

// CheckKeepaliveTimeout transitions to CLOSED if no frame has been sent or
// received for KeepaliveTimeout, per §5's keepalive cancellation policy.
func (s *Session) CheckKeepaliveTimeout(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseEstablished && s.phase != PhaseRotating {
		return false
	}
	if now.Sub(s.lastActivity) < KeepaliveTimeout {
		return false
	}
	s.zeroizeAndCloseLocked()
	return true
}
