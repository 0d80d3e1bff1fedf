package handshake

import (
	"testing"

	"github.com/hipparchus2000/clawchat/pkg/crypto/primitives"
)

func sharedSecret(t *testing.T) []byte {
	t.Helper()
	secret, err := primitives.Random(primitives.KeySize)
	if err != nil {
		t.Fatalf("random shared secret: %v", err)
	}
	return secret
}

func TestPunchAckRoundTrip(t *testing.T) {
	secret := sharedSecret(t)
	key, err := DeriveHandshakeKey(secret)
	if err != nil {
		t.Fatalf("derive handshake key: %v", err)
	}

	connID, err := NewConnectionID()
	if err != nil {
		t.Fatalf("new connection id: %v", err)
	}

	punch, err := BuildPunch(key, connID, 1000)
	if err != nil {
		t.Fatalf("build punch: %v", err)
	}
	gotID, gotTime, err := ParsePunch(key, punch)
	if err != nil {
		t.Fatalf("parse punch: %v", err)
	}
	if gotID != connID || gotTime != 1000 {
		t.Fatalf("punch payload mismatch: %v %v", gotID, gotTime)
	}

	ack, err := BuildAck(key, connID, 1000)
	if err != nil {
		t.Fatalf("build ack: %v", err)
	}
	gotID, gotTime, err = ParseAck(key, ack)
	if err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if gotID != connID || gotTime != 1000 {
		t.Fatalf("ack payload mismatch: %v %v", gotID, gotTime)
	}
}

func TestParsePunchRejectsWrongKey(t *testing.T) {
	key, err := DeriveHandshakeKey(sharedSecret(t))
	if err != nil {
		t.Fatalf("derive handshake key: %v", err)
	}
	other, err := DeriveHandshakeKey(sharedSecret(t))
	if err != nil {
		t.Fatalf("derive handshake key: %v", err)
	}
	connID, _ := NewConnectionID()

	punch, err := BuildPunch(key, connID, 1000)
	if err != nil {
		t.Fatalf("build punch: %v", err)
	}
	if _, _, err := ParsePunch(other, punch); err == nil {
		t.Fatalf("expected error decrypting with the wrong key")
	}
}

func TestParseAckRejectsMessageTypeConfusion(t *testing.T) {
	key, err := DeriveHandshakeKey(sharedSecret(t))
	if err != nil {
		t.Fatalf("derive handshake key: %v", err)
	}
	connID, _ := NewConnectionID()

	punch, err := BuildPunch(key, connID, 1000)
	if err != nil {
		t.Fatalf("build punch: %v", err)
	}
	if _, _, err := ParseAck(key, punch); err != ErrMalformedPayload {
		t.Fatalf("expected ErrMalformedPayload parsing a PUNCH frame as ACK, got %v", err)
	}
}

func TestDeriveSessionKeysMatchAcrossRoles(t *testing.T) {
	secret := sharedSecret(t)
	connID, _ := NewConnectionID()
	digest := []byte("transcript-digest")

	clientKeys, err := DeriveSessionKeys(RoleClient, secret, connID, 1000, digest)
	if err != nil {
		t.Fatalf("derive client keys: %v", err)
	}
	serverKeys, err := DeriveSessionKeys(RoleServer, secret, connID, 1000, digest)
	if err != nil {
		t.Fatalf("derive server keys: %v", err)
	}

	if string(clientKeys.TxKey) != string(serverKeys.RxKey) {
		t.Fatalf("client tx key must equal server rx key")
	}
	if string(clientKeys.RxKey) != string(serverKeys.TxKey) {
		t.Fatalf("client rx key must equal server tx key")
	}
	if string(clientKeys.MacKey) != string(serverKeys.MacKey) {
		t.Fatalf("mac keys must match across roles")
	}
	if string(clientKeys.NextKeySeed) != string(serverKeys.NextKeySeed) {
		t.Fatalf("next key seeds must match across roles")
	}
}

func TestDeriveSessionKeysDiffersOnConnectionID(t *testing.T) {
	secret := sharedSecret(t)
	connA, _ := NewConnectionID()
	connB, _ := NewConnectionID()
	digest := []byte("transcript-digest")

	keysA, err := DeriveSessionKeys(RoleClient, secret, connA, 1000, digest)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	keysB, err := DeriveSessionKeys(RoleClient, secret, connB, 1000, digest)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	if string(keysA.TxKey) == string(keysB.TxKey) {
		t.Fatalf("expected different connection ids to produce different keys")
	}
}

func TestDeriveRotatedKeysMatchAcrossRoles(t *testing.T) {
	seed, err := primitives.Random(primitives.KeySize)
	if err != nil {
		t.Fatalf("random seed: %v", err)
	}
	contribA, err := primitives.Random(32)
	if err != nil {
		t.Fatalf("random contribution: %v", err)
	}
	contribB, err := primitives.Random(32)
	if err != nil {
		t.Fatalf("random contribution: %v", err)
	}

	proposerKeys, err := DeriveRotatedKeys(RoleClient, seed, contribA, contribB)
	if err != nil {
		t.Fatalf("derive rotated keys: %v", err)
	}
	responderKeys, err := DeriveRotatedKeys(RoleServer, seed, contribA, contribB)
	if err != nil {
		t.Fatalf("derive rotated keys: %v", err)
	}

	if string(proposerKeys.TxKey) != string(responderKeys.RxKey) {
		t.Fatalf("proposer tx key must equal responder rx key")
	}
	if string(proposerKeys.RxKey) != string(responderKeys.TxKey) {
		t.Fatalf("proposer rx key must equal responder tx key")
	}
}

func TestConnectionIDLessByteWise(t *testing.T) {
	low := ConnectionID{0x00, 0x01}
	high := ConnectionID{0x00, 0x02}
	if !low.Less(high) {
		t.Fatalf("expected low < high")
	}
	if high.Less(low) {
		t.Fatalf("expected high not < low")
	}
	if low.Less(low) {
		t.Fatalf("expected id not < itself")
	}
}
