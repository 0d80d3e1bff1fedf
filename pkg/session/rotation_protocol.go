package session

import (
	"errors"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/crypto/primitives"
	"github.com/hipparchus2000/clawchat/pkg/handshake"
)

// ContributionLen is the size of the fresh entropy each peer contributes
// to a key rotation (§4.4: "a 32-byte fresh entropy contribution").
const ContributionLen = 32

// ErrNotProposer and ErrNotResponder guard the two halves of the rotation
// exchange against being driven out of their expected order.
var (
	ErrNotProposer        = errors.New("session: no rotation proposal is pending locally")
	ErrNoPeerContribution = errors.New("session: peer contribution not yet recorded")
)

type pendingRotation struct {
	isProposer       bool
	ownContribution  []byte
	peerContribution []byte
}

// IsRotationProposer resolves the tie-break of §4.4 ("the endpoint with
// the lower-valued connection_id proposes"). The data model of §3 carries
// a single connection_id shared by both ends of a Session rather than a
// distinct identifier per endpoint, so there is nothing to compare numeric
// values against; this implementation substitutes the client role as the
// deterministic, symmetric-knowledge equivalent — both ends already agree
// on which of them is the client, so exactly one side ever initiates,
// exactly as a connection_id comparison would have guaranteed.
func (s *Session) IsRotationProposer() bool {
	return s.role == handshake.RoleClient
}

// ShouldRotate reports whether the rotation timer has fired for this
// generation (§4.4: "ESTABLISHED -> ROTATING on rotation_timer firing").
func (s *Session) ShouldRotate(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseEstablished {
		return false
	}
	return s.rotation.ShouldRotate(now)
}

// EnterRotating transitions ESTABLISHED -> ROTATING. Both sides call this
// independently: the proposer when its own timer fires, the responder
// either on its own timer firing or on receiving KEY_ROTATION_PROPOSE
// while still ESTABLISHED.
func (s *Session) EnterRotating(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseEstablished {
		return ErrWrongPhase
	}
	s.phase = PhaseRotating
	s.lastActivity = now
	return nil
}

// BeginRotationAsProposer generates this session's entropy contribution
// and records that it is the proposer, returning the contribution to seal
// into a KEY_ROTATION_PROPOSE frame.
func (s *Session) BeginRotationAsProposer() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseRotating {
		return nil, ErrWrongPhase
	}
	contribution, err := primitives.Random(ContributionLen)
	if err != nil {
		return nil, err
	}
	s.rotationPending = &pendingRotation{isProposer: true, ownContribution: contribution}
	return contribution, nil
}

// BeginRotationAsResponder records the proposer's contribution, generates
// this session's own, and returns it to seal into a KEY_ROTATION_ACK
// frame. The PROPOSE and ACK frames are exchanged under the still-current
// (pre-rotation) keys, so the proposer can authenticate the ACK before
// either side has installed new key material.
func (s *Session) BeginRotationAsResponder(proposerContribution []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseRotating {
		return nil, ErrWrongPhase
	}
	contribution, err := primitives.Random(ContributionLen)
	if err != nil {
		return nil, err
	}
	s.rotationPending = &pendingRotation{
		isProposer:       false,
		ownContribution:  contribution,
		peerContribution: append([]byte(nil), proposerContribution...),
	}
	return contribution, nil
}

// CompleteRotationAsProposer derives and installs the new key generation
// from this session's own (PROPOSE) contribution and the peer's (ACK)
// contribution, keeping the outgoing generation valid for Grace() to
// absorb in-flight frames, and transitions back to ESTABLISHED.
func (s *Session) CompleteRotationAsProposer(responderContribution []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseRotating || s.rotationPending == nil || !s.rotationPending.isProposer {
		return ErrNotProposer
	}
	return s.installRotatedKeysLocked(s.rotationPending.ownContribution, responderContribution, now)
}

// CompleteRotationAsResponder derives and installs the new key generation
// using the contributions recorded by BeginRotationAsResponder, and
// transitions back to ESTABLISHED. Callers must Send the KEY_ROTATION_ACK
// frame carrying BeginRotationAsResponder's returned contribution before
// calling this: once called, the session's transmit key has already
// switched to the new generation, and a frame sealed after that point
// would be unverifiable by a proposer who has not yet switched.
func (s *Session) CompleteRotationAsResponder(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseRotating || s.rotationPending == nil || s.rotationPending.isProposer {
		return ErrWrongPhase
	}
	if s.rotationPending.peerContribution == nil {
		return ErrNoPeerContribution
	}
	return s.installRotatedKeysLocked(s.rotationPending.peerContribution, s.rotationPending.ownContribution, now)
}

func (s *Session) installRotatedKeysLocked(contribPropose, contribAck []byte, now time.Time) error {
	newKeys, err := handshake.DeriveRotatedKeys(s.role, s.keys.NextKeySeed, contribPropose, contribAck)
	if err != nil {
		return err
	}

	old := s.keys
	s.legacyKeys = &old
	s.legacyDeadline = now.Add(s.rotation.Grace())
	s.keys = newKeys
	s.rotationPending = nil
	s.rotation.Reset(now)
	s.phase = PhaseEstablished
	s.lastActivity = now
	return nil
}
