// Package artifact implements the RendezvousArtifact type and its
// canonical inner encoding plus the encrypted outer envelope of §6.1. The
// inner artifact encoding is this package's own design — §6.1 mandates a
// bit-exact layout only for the outer envelope — built as a simple
// length-prefixed binary record in the style of the wire-format helpers
// seen across the example pack (flowersec-go's record and transcript
// codecs), rather than a self-describing format like JSON, so the
// plaintext an attacker would see after breaking the outer encryption
// gives away nothing about field boundaries beyond what the format itself
// requires.
package artifact

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// SchemaVersion is the current inner-artifact encoding version.
const SchemaVersion uint16 = 1

// SharedSecretLen is the fixed size of the single-use PSK carried by an
// artifact (§3 RendezvousArtifact).
const SharedSecretLen = 32

// MaxValidityWindow is the invariant ceiling on expiry_time - creation_time
// (§3: "expiry_time − creation_time ≤ 11 minutes").
const MaxValidityWindow = 11 * 60

// ErrInvalid indicates a structurally invalid artifact was about to be
// encoded, or a decoded inner record failed a structural check.
var ErrInvalid = errors.New("artifact: invalid artifact")

// Artifact is the in-memory RendezvousArtifact of §3.
type Artifact struct {
	SchemaVersion    uint16
	ServerAddress    netip.AddrPort
	SharedSecret     []byte
	CreationTime     int64
	ExpiryTime       int64
	NextRotationHint int64
	ServerIdentifier string
}

// Validate checks the structural invariants of §3 that apply regardless of
// encoding: secret length and the validity-window ceiling.
func (a Artifact) Validate() error {
	if len(a.SharedSecret) != SharedSecretLen {
		return fmt.Errorf("%w: shared_secret must be %d bytes, got %d", ErrInvalid, SharedSecretLen, len(a.SharedSecret))
	}
	if !a.ServerAddress.IsValid() {
		return fmt.Errorf("%w: server_public_address is required", ErrInvalid)
	}
	if a.ExpiryTime <= a.CreationTime {
		return fmt.Errorf("%w: expiry_time must be after creation_time", ErrInvalid)
	}
	if a.ExpiryTime-a.CreationTime > MaxValidityWindow {
		return fmt.Errorf("%w: validity window exceeds %d seconds", ErrInvalid, MaxValidityWindow)
	}
	return nil
}

// encode renders the canonical inner representation: a fixed header
// followed by length-prefixed variable fields, in field declaration order.
func (a Artifact) encode() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	addrBytes := a.ServerAddress.Addr().AsSlice()
	identBytes := []byte(a.ServerIdentifier)
	if len(identBytes) > 0xFFFF {
		return nil, fmt.Errorf("%w: server_identifier too long", ErrInvalid)
	}

	size := 2 + 1 + len(addrBytes) + 2 + SharedSecretLen + 8 + 8 + 8 + 2 + len(identBytes)
	buf := make([]byte, 0, size)
	buf = appendU16(buf, a.SchemaVersion)
	buf = append(buf, byte(len(addrBytes)))
	buf = append(buf, addrBytes...)
	buf = appendU16(buf, a.ServerAddress.Port())
	buf = append(buf, a.SharedSecret...)
	buf = appendI64(buf, a.CreationTime)
	buf = appendI64(buf, a.ExpiryTime)
	buf = appendI64(buf, a.NextRotationHint)
	buf = appendU16(buf, uint16(len(identBytes)))
	buf = append(buf, identBytes...)
	return buf, nil
}

// decode parses the canonical inner representation produced by encode.
func decode(data []byte) (Artifact, error) {
	var a Artifact
	r := &reader{buf: data}

	a.SchemaVersion = r.u16()
	addrLen := int(r.u8())
	addrBytes := r.bytes(addrLen)
	port := r.u16()
	secret := r.bytes(SharedSecretLen)
	a.CreationTime = r.i64()
	a.ExpiryTime = r.i64()
	a.NextRotationHint = r.i64()
	identLen := int(r.u16())
	ident := r.bytes(identLen)

	if r.err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrInvalid, r.err)
	}
	if r.remaining() != 0 {
		return Artifact{}, fmt.Errorf("%w: trailing bytes in inner record", ErrInvalid)
	}

	addr, ok := netip.AddrFromSlice(addrBytes)
	if !ok {
		return Artifact{}, fmt.Errorf("%w: malformed server address", ErrInvalid)
	}
	a.ServerAddress = netip.AddrPortFrom(addr, port)
	a.SharedSecret = append([]byte(nil), secret...)
	a.ServerIdentifier = string(ident)

	if err := a.Validate(); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

func appendU16(buf []byte, v uint16) []byte {
	tmp := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp, v)
	return append(buf, tmp...)
}

func appendI64(buf []byte, v int64) []byte {
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, uint64(v))
	return append(buf, tmp...)
}

// reader is a minimal cursor over a byte slice that latches the first
// short-read error instead of requiring a check after every field.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = errors.New("unexpected end of inner record")
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) i64() int64 {
	if !r.need(8) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(r.buf[r.pos:]))
	r.pos += 8
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}
