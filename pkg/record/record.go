// Package record implements the ClawChat record layer: the wire framing,
// per-direction AEAD sealing/opening, and nonce derivation described in
// spec §4.3 and §6.2. It is deliberately ignorant of replay protection,
// rotation, and session phase — those are composed on top by pkg/session.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hipparchus2000/clawchat/pkg/crypto/primitives"
	"github.com/hipparchus2000/clawchat/pkg/wire"
)

// HeaderLen is the size in bytes of the fixed record header
// (version ⧺ message_type ⧺ sequence).
const HeaderLen = 1 + 1 + 8

// MinFrameLen is the minimum legal frame length: header plus an empty
// payload's AEAD tag.
const MinFrameLen = HeaderLen + primitives.TagSize

// MaxFrameLen bounds a frame to fit within a conservative path MTU of 1472
// bytes (UDP/IP overhead subtracted from a 1500-byte Ethernet MTU), per
// §6.2. Larger application payloads must be chunked above this layer.
const MaxFrameLen = 1472

// ErrFrameTooShort indicates the buffer cannot contain a valid header and
// tag.
var ErrFrameTooShort = errors.New("record: frame shorter than minimum length")

// ErrFrameTooLong indicates the frame exceeds MaxFrameLen.
var ErrFrameTooLong = errors.New("record: frame exceeds maximum length")

// ErrUnsupportedVersion indicates the frame's version byte does not match
// wire.Version.
var ErrUnsupportedVersion = errors.New("record: unsupported version")

// ErrUnknownMessageType indicates the opcode byte is outside the closed
// enum of §3.
var ErrUnknownMessageType = errors.New("record: unknown message type")

// Header holds the three fields that precede the AEAD body and also serve
// as the AEAD's associated data.
type Header struct {
	Version     uint8
	MessageType wire.MessageType
	Sequence    uint64
}

// Bytes renders the header in its fixed 10-byte wire encoding.
func (h Header) Bytes() []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = h.Version
	buf[1] = byte(h.MessageType)
	binary.BigEndian.PutUint64(buf[2:10], h.Sequence)
	return buf
}

// Nonce derives the 12-byte AEAD nonce for a given sequence number: the
// sequence is written big-endian into the low 8 bytes, with the high 4
// bytes held at zero (§4.3).
func Nonce(sequence uint64) []byte {
	nonce := make([]byte, primitives.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:12], sequence)
	return nonce
}

// Seal builds a complete wire frame: header ⧺ AEAD_seal(key, nonce(seq),
// header, payload). Sequence must be the caller's next monotonic value for
// this direction; Seal does not itself track or increment counters.
func Seal(key []byte, messageType wire.MessageType, sequence uint64, payload []byte) ([]byte, error) {
	header := Header{Version: wire.Version, MessageType: messageType, Sequence: sequence}
	headerBytes := header.Bytes()

	body, err := primitives.Seal(key, Nonce(sequence), headerBytes, payload)
	if err != nil {
		return nil, fmt.Errorf("record: seal: %w", err)
	}

	frame := make([]byte, 0, len(headerBytes)+len(body))
	frame = append(frame, headerBytes...)
	frame = append(frame, body...)
	if len(frame) > MaxFrameLen {
		return nil, ErrFrameTooLong
	}
	return frame, nil
}

// Open parses and authenticates a wire frame under key, returning the
// header and the recovered plaintext payload. It performs no replay check;
// callers that need anti-replay semantics must consult pkg/replay
// separately after a successful Open.
func Open(key []byte, frame []byte) (Header, []byte, error) {
	var header Header
	if len(frame) < MinFrameLen {
		return header, nil, ErrFrameTooShort
	}
	if len(frame) > MaxFrameLen {
		return header, nil, ErrFrameTooLong
	}

	header.Version = frame[0]
	header.MessageType = wire.MessageType(frame[1])
	header.Sequence = binary.BigEndian.Uint64(frame[2:10])

	if header.Version != wire.Version {
		return header, nil, ErrUnsupportedVersion
	}
	if !header.MessageType.Known() {
		return header, nil, ErrUnknownMessageType
	}

	headerBytes := frame[:HeaderLen]
	body := frame[HeaderLen:]

	plaintext, err := primitives.Open(key, Nonce(header.Sequence), headerBytes, body)
	if err != nil {
		return header, nil, fmt.Errorf("record: open: %w", primitives.ErrAuthFail)
	}
	return header, plaintext, nil
}
