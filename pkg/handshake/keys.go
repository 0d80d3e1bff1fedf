package handshake

import (
	"encoding/binary"

	"github.com/hipparchus2000/clawchat/pkg/crypto/primitives"
)

// HandshakeLabel derives the key used to seal HANDSHAKE_PUNCH and
// HANDSHAKE_ACK frames themselves, before a connection_id exists to bind
// into SessionKeys (§4.4: "Both frames are sealed under keys derived from
// shared_secret with the handshake label").
const HandshakeLabel = "ClawChat v2 Handshake"

// SessionKeyLabel is the fixed HKDF context label for SessionKeys
// derivation (§3 SessionKeys).
const SessionKeyLabel = "ClawChat v2 Session"

// Role distinguishes the two ends of a handshake so each can assign
// direction-specific keys from the same shared derivation.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// SessionKeys holds the per-direction AEAD keys and auxiliary key material
// produced by a successful handshake (§3 SessionKeys).
type SessionKeys struct {
	TxKey       []byte
	RxKey       []byte
	MacKey      []byte
	NextKeySeed []byte
}

// Zero overwrites every key field in place, per the SessionKeys invariant
// that keys are zeroized on teardown.
func (k *SessionKeys) Zero() {
	primitives.Zero(k.TxKey)
	primitives.Zero(k.RxKey)
	primitives.Zero(k.MacKey)
	primitives.Zero(k.NextKeySeed)
}

// DeriveHandshakeKey computes the shared key used only to authenticate the
// HANDSHAKE_PUNCH/HANDSHAKE_ACK exchange, before a connection_id is agreed.
func DeriveHandshakeKey(sharedSecret []byte) ([]byte, error) {
	return primitives.HKDF(nil, sharedSecret, []byte(HandshakeLabel), primitives.KeySize)
}

// DeriveSessionKeys derives the full set of SessionKeys from the fields
// §3 specifies: shared_secret, connection_id, and handshake_time, bound
// together with transcriptDigest (the folded commitment of every field
// exchanged during the handshake, from pkg/handshake/transcript). The
// info string carries connection_id and handshake_time explicitly so that
// two endpoints deriving from the same shared_secret but different
// handshakes can never collide.
//
// The underlying HKDF expansion produces four 32-byte blocks: a
// client-to-server key, a server-to-client key, a MAC key, and a seed for
// the next rotation. Role selects which of the two directional keys
// becomes TxKey and which becomes RxKey.
func DeriveSessionKeys(role Role, sharedSecret []byte, connID ConnectionID, handshakeTime int64, transcriptDigest []byte) (SessionKeys, error) {
	info := make([]byte, 0, len(SessionKeyLabel)+ConnectionIDLen+8+len(transcriptDigest))
	info = append(info, []byte(SessionKeyLabel)...)
	info = append(info, connID[:]...)
	timeBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(timeBuf, uint64(handshakeTime))
	info = append(info, timeBuf...)
	info = append(info, transcriptDigest...)

	const blockLen = 32
	material, err := primitives.HKDF(nil, sharedSecret, info, blockLen*4)
	if err != nil {
		return SessionKeys{}, err
	}

	clientToServer := material[0*blockLen : 1*blockLen]
	serverToClient := material[1*blockLen : 2*blockLen]
	macKey := material[2*blockLen : 3*blockLen]
	nextSeed := material[3*blockLen : 4*blockLen]

	keys := SessionKeys{
		MacKey:      append([]byte(nil), macKey...),
		NextKeySeed: append([]byte(nil), nextSeed...),
	}
	switch role {
	case RoleClient:
		keys.TxKey = append([]byte(nil), clientToServer...)
		keys.RxKey = append([]byte(nil), serverToClient...)
	case RoleServer:
		keys.TxKey = append([]byte(nil), serverToClient...)
		keys.RxKey = append([]byte(nil), clientToServer...)
	}
	return keys, nil
}

// RotationLabel is the fixed HKDF context label for the key-rotation
// sub-protocol (§4.4: "new session keys via HKDF(next_key_seed,
// contrib_A⧺contrib_B, \"ClawChat v2 Rotation\")").
const RotationLabel = "ClawChat v2 Rotation"

// DeriveRotatedKeys derives the next generation of SessionKeys from the
// outgoing generation's NextKeySeed and the two peers' fresh entropy
// contributions exchanged via KEY_ROTATION_PROPOSE/KEY_ROTATION_ACK.
// contribPropose is always the proposer's contribution and contribAck the
// responder's, regardless of which role is calling, so both sides derive
// identical key material.
func DeriveRotatedKeys(role Role, nextKeySeed, contribPropose, contribAck []byte) (SessionKeys, error) {
	salt := make([]byte, 0, len(contribPropose)+len(contribAck))
	salt = append(salt, contribPropose...)
	salt = append(salt, contribAck...)

	const blockLen = 32
	material, err := primitives.HKDF(salt, nextKeySeed, []byte(RotationLabel), blockLen*4)
	if err != nil {
		return SessionKeys{}, err
	}
	return deriveRotatedFromMaterial(role, material), nil
}

func deriveRotatedFromMaterial(role Role, material []byte) SessionKeys {
	const blockLen = 32
	clientToServer := material[0*blockLen : 1*blockLen]
	serverToClient := material[1*blockLen : 2*blockLen]
	macKey := material[2*blockLen : 3*blockLen]
	nextSeed := material[3*blockLen : 4*blockLen]

	keys := SessionKeys{
		MacKey:      append([]byte(nil), macKey...),
		NextKeySeed: append([]byte(nil), nextSeed...),
	}
	switch role {
	case RoleClient:
		keys.TxKey = append([]byte(nil), clientToServer...)
		keys.RxKey = append([]byte(nil), serverToClient...)
	case RoleServer:
		keys.TxKey = append([]byte(nil), serverToClient...)
		keys.RxKey = append([]byte(nil), clientToServer...)
	}
	return keys
}
