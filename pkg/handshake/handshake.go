// Package handshake implements the PSK-authenticated hole-punch exchange
// of §4.4: building and parsing HANDSHAKE_PUNCH and HANDSHAKE_ACK frames,
// and deriving SessionKeys once both sides agree on a connection_id and
// handshake_time. It is pure protocol logic with no socket I/O; pkg/nat
// owns the retry loop and UDP mechanics, and pkg/session owns the phase
// transitions that call into this package.
package handshake

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/record"
	"github.com/hipparchus2000/clawchat/pkg/wire"
)

// PunchInterval and PunchTimeout implement the retry schedule of §4.4
// ("Client sends HANDSHAKE_PUNCH frames ... at 250 ms intervals for up to
// 60 s").
const (
	PunchInterval = 250 * time.Millisecond
	PunchTimeout  = 60 * time.Second
)

// ErrTimeout indicates the handshake did not complete within PunchTimeout.
var ErrTimeout = errors.New("handshake: timed out waiting for HANDSHAKE_ACK")

// ErrMalformedPayload indicates a PUNCH or ACK payload was not the fixed
// connection_id+handshake_time encoding.
var ErrMalformedPayload = errors.New("handshake: malformed payload")

const payloadLen = ConnectionIDLen + 8

// BuildPunch seals a HANDSHAKE_PUNCH frame carrying the client's proposed
// connection_id and handshake_time, sealed under the handshake key derived
// purely from shared_secret (no connection_id exists outside this frame
// yet).
func BuildPunch(handshakeKey []byte, connID ConnectionID, handshakeTime int64) ([]byte, error) {
	return record.Seal(handshakeKey, wire.HandshakePunch, 1, encodePayload(connID, handshakeTime))
}

// ParsePunch authenticates and decodes a HANDSHAKE_PUNCH frame.
func ParsePunch(handshakeKey []byte, frame []byte) (ConnectionID, int64, error) {
	header, payload, err := record.Open(handshakeKey, frame)
	if err != nil {
		return ConnectionID{}, 0, err
	}
	if header.MessageType != wire.HandshakePunch {
		return ConnectionID{}, 0, ErrMalformedPayload
	}
	return decodePayload(payload)
}

// BuildAck seals a HANDSHAKE_ACK frame that echoes the connection_id and
// handshake_time the server accepted, binding both sides to the same
// SessionKeys derivation.
func BuildAck(handshakeKey []byte, connID ConnectionID, handshakeTime int64) ([]byte, error) {
	return record.Seal(handshakeKey, wire.HandshakeAck, 1, encodePayload(connID, handshakeTime))
}

// ParseAck authenticates and decodes a HANDSHAKE_ACK frame.
func ParseAck(handshakeKey []byte, frame []byte) (ConnectionID, int64, error) {
	header, payload, err := record.Open(handshakeKey, frame)
	if err != nil {
		return ConnectionID{}, 0, err
	}
	if header.MessageType != wire.HandshakeAck {
		return ConnectionID{}, 0, ErrMalformedPayload
	}
	return decodePayload(payload)
}

func encodePayload(connID ConnectionID, handshakeTime int64) []byte {
	buf := make([]byte, payloadLen)
	copy(buf[:ConnectionIDLen], connID[:])
	binary.BigEndian.PutUint64(buf[ConnectionIDLen:], uint64(handshakeTime))
	return buf
}

func decodePayload(payload []byte) (ConnectionID, int64, error) {
	if len(payload) != payloadLen {
		return ConnectionID{}, 0, ErrMalformedPayload
	}
	var connID ConnectionID
	copy(connID[:], payload[:ConnectionIDLen])
	handshakeTime := int64(binary.BigEndian.Uint64(payload[ConnectionIDLen:]))
	return connID, handshakeTime, nil
}
