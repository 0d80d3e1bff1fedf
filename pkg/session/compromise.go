package session

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/crypto/primitives"
	"github.com/hipparchus2000/clawchat/pkg/handshake"
	"github.com/hipparchus2000/clawchat/pkg/wire"
)

// ErrCompromiseAuthFail indicates a COMPROMISED frame's HMAC tag did not
// verify; the session is left untouched so a forged compromise report
// cannot be used to force a teardown.
var ErrCompromiseAuthFail = errors.New("session: compromised frame failed authentication")

// TriggerCompromise builds and seals a COMPROMISED frame under the
// session's current keys and transitions ESTABLISHED/ROTATING ->
// COMPROMISED_PENDING_ACK (§4.4). The caller is responsible for sending
// the returned frame and for calling CheckCompromiseTimeout if no
// COMPROMISED_ACK arrives within CompromiseAckTimeout.
func (s *Session) TriggerCompromise(reason string, now time.Time) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseEstablished && s.phase != PhaseRotating {
		return nil, ErrWrongPhase
	}

	payload := encodeCompromisePayload(reason, now.Unix(), s.keys.MacKey, s.connID)
	frame, err := s.sealLocked(wire.Compromised, payload, now)
	if err != nil {
		return nil, err
	}
	s.phase = PhaseCompromisedPendingAck
	s.compromiseDeadline = now.Add(CompromiseAckTimeout)
	return frame, nil
}

// HandleCompromised verifies an inbound COMPROMISED frame's HMAC and, on
// success, seals a COMPROMISED_ACK reply and atomically zeroizes and
// closes the session (§4.4: "The receiver verifies HMAC and AEAD, sends
// COMPROMISED_ACK, and atomically: zeroizes all session keys ...").
// payload is the plaintext already recovered by Receive.
func (s *Session) HandleCompromised(payload []byte, now time.Time) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return nil, ErrClosed
	}

	_, timestamp, ok := decodeCompromisePayload(payload, s.keys.MacKey, s.connID)
	if !ok {
		return nil, ErrCompromiseAuthFail
	}
	_ = timestamp

	ackFrame, err := s.sealLocked(wire.CompromisedAck, nil, now)
	if err != nil {
		return nil, err
	}
	s.zeroizeAndCloseLocked()
	return ackFrame, nil
}

// HandleCompromisedAck completes the triggering side's half of the
// compromise protocol on receiving COMPROMISED_ACK.
func (s *Session) HandleCompromisedAck(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseCompromisedPendingAck {
		return ErrWrongPhase
	}
	s.zeroizeAndCloseLocked()
	return nil
}

// CheckCompromiseTimeout zeroizes and closes unilaterally if
// COMPROMISED_ACK has not arrived within CompromiseAckTimeout (§4.4, §5:
// "Compromise timeout → still perform zeroization (fail-secure)").
func (s *Session) CheckCompromiseTimeout(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseCompromisedPendingAck {
		return false
	}
	if now.Before(s.compromiseDeadline) {
		return false
	}
	s.zeroizeAndCloseLocked()
	return true
}

func encodeCompromisePayload(reason string, timestamp int64, macKey []byte, connID handshake.ConnectionID) []byte {
	reasonBytes := []byte(reason)
	tag := compromiseTag(timestamp, macKey, connID)

	buf := make([]byte, 0, 2+len(reasonBytes)+8+len(tag))
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(reasonBytes)))
	buf = append(buf, lenBuf...)
	buf = append(buf, reasonBytes...)
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(timestamp))
	buf = append(buf, tsBuf...)
	buf = append(buf, tag...)
	return buf
}

func decodeCompromisePayload(payload []byte, macKey []byte, connID handshake.ConnectionID) (reason string, timestamp int64, ok bool) {
	if len(payload) < 2 {
		return "", 0, false
	}
	reasonLen := int(binary.BigEndian.Uint16(payload[:2]))
	offset := 2 + reasonLen
	if len(payload) < offset+8+32 {
		return "", 0, false
	}
	reason = string(payload[2:offset])
	timestamp = int64(binary.BigEndian.Uint64(payload[offset : offset+8]))
	tag := payload[offset+8 : offset+8+32]

	expected := compromiseTag(timestamp, macKey, connID)
	if !primitives.ConstantTimeEqual(tag, expected) {
		return "", 0, false
	}
	return reason, timestamp, true
}

func compromiseTag(timestamp int64, macKey []byte, connID handshake.ConnectionID) []byte {
	data := make([]byte, 0, 8+len(connID))
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(timestamp))
	data = append(data, tsBuf...)
	data = append(data, connID[:]...)
	return primitives.HMACSHA256(macKey, data)
}
