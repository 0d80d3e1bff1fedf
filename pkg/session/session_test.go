package session

import (
	"testing"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/crypto/primitives"
	"github.com/hipparchus2000/clawchat/pkg/handshake"
	"github.com/hipparchus2000/clawchat/pkg/rotation"
	"github.com/hipparchus2000/clawchat/pkg/wire"
)

func pairedSessions(t *testing.T) (client, server *Session) {
	t.Helper()
	secret, err := primitives.Random(primitives.KeySize)
	if err != nil {
		t.Fatalf("random shared secret: %v", err)
	}
	connID, err := handshake.NewConnectionID()
	if err != nil {
		t.Fatalf("new connection id: %v", err)
	}
	digest := []byte("test-transcript-digest")
	start := time.Unix(1_700_000_000, 0)

	clientKeys, err := handshake.DeriveSessionKeys(handshake.RoleClient, secret, connID, start.Unix(), digest)
	if err != nil {
		t.Fatalf("derive client keys: %v", err)
	}
	serverKeys, err := handshake.DeriveSessionKeys(handshake.RoleServer, secret, connID, start.Unix(), digest)
	if err != nil {
		t.Fatalf("derive server keys: %v", err)
	}

	rotCfg := rotation.Config{Interval: time.Hour, Grace: 300 * time.Second}
	client = New(Config{Role: handshake.RoleClient, ConnectionID: connID, Keys: clientKeys, CreatedAt: start, Rotation: rotCfg})
	server = New(Config{Role: handshake.RoleServer, ConnectionID: connID, Keys: serverKeys, CreatedAt: start, Rotation: rotCfg})
	return client, server
}

func establish(t *testing.T, client, server *Session, now time.Time) {
	t.Helper()
	if err := client.BeginPunching(now); err != nil {
		t.Fatalf("client begin punching: %v", err)
	}
	if err := server.BeginPunching(now); err != nil {
		t.Fatalf("server begin punching: %v", err)
	}
	if err := client.CompletePunch(now); err != nil {
		t.Fatalf("client complete punch: %v", err)
	}
	if err := server.CompletePunch(now); err != nil {
		t.Fatalf("server complete punch: %v", err)
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	client, server := pairedSessions(t)
	now := time.Unix(1_700_000_100, 0)
	establish(t, client, server, now)

	frame, err := client.Send(wire.ChatRequest, []byte("hello"), now)
	if err != nil {
		t.Fatalf("client send: %v", err)
	}
	header, payload, err := server.Receive(frame, now)
	if err != nil {
		t.Fatalf("server receive: %v", err)
	}
	if header.MessageType != wire.ChatRequest || string(payload) != "hello" {
		t.Fatalf("unexpected frame contents: %v %q", header.MessageType, payload)
	}
}

func TestSendRejectedOutsideEstablishedOrRotating(t *testing.T) {
	client, _ := pairedSessions(t)
	now := time.Unix(1_700_000_100, 0)
	if _, err := client.Send(wire.ChatRequest, []byte("x"), now); err != ErrWrongPhase {
		t.Fatalf("expected ErrWrongPhase before handshake, got %v", err)
	}
}

func TestReceiveDropsTamperedFrame(t *testing.T) {
	client, server := pairedSessions(t)
	now := time.Unix(1_700_000_100, 0)
	establish(t, client, server, now)

	frame, err := client.Send(wire.ChatRequest, []byte("hello"), now)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	frame[len(frame)-1] ^= 0x01
	if _, _, err := server.Receive(frame, now); err == nil {
		t.Fatalf("expected an error for a tampered frame")
	}
}

func TestPersistentAuthFailuresCloseSession(t *testing.T) {
	client, server := pairedSessions(t)
	now := time.Unix(1_700_000_100, 0)
	establish(t, client, server, now)

	frame, err := client.Send(wire.ChatRequest, []byte("hello"), now)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	frame[len(frame)-1] ^= 0x01

	for i := 0; i < MaxConsecutiveAuthFailures; i++ {
		_, _, _ = server.Receive(frame, now)
	}
	if server.Phase() != PhaseClosed {
		t.Fatalf("expected session closed after %d consecutive auth failures, got %v", MaxConsecutiveAuthFailures, server.Phase())
	}
}

func TestKeyRotationRoundTrip(t *testing.T) {
	client, server := pairedSessions(t)
	start := time.Unix(1_700_000_100, 0)
	establish(t, client, server, start)

	rotateAt := start.Add(time.Hour)
	if !client.ShouldRotate(rotateAt) {
		t.Fatalf("expected client rotation timer to have fired")
	}
	if err := client.EnterRotating(rotateAt); err != nil {
		t.Fatalf("client enter rotating: %v", err)
	}
	if err := server.EnterRotating(rotateAt); err != nil {
		t.Fatalf("server enter rotating: %v", err)
	}

	if !client.IsRotationProposer() {
		t.Fatalf("expected client to be the rotation proposer")
	}

	proposeContrib, err := client.BeginRotationAsProposer()
	if err != nil {
		t.Fatalf("begin rotation as proposer: %v", err)
	}
	proposeFrame, err := client.Send(wire.KeyRotationPropose, proposeContrib, rotateAt)
	if err != nil {
		t.Fatalf("send propose: %v", err)
	}

	_, proposePayload, err := server.Receive(proposeFrame, rotateAt)
	if err != nil {
		t.Fatalf("server receive propose: %v", err)
	}
	ackContrib, err := server.BeginRotationAsResponder(proposePayload)
	if err != nil {
		t.Fatalf("begin rotation as responder: %v", err)
	}
	// The ACK must be sealed under the still-current (pre-rotation) keys,
	// since the proposer has not installed new key material yet and needs
	// to authenticate this frame before it can do so.
	ackFrame, err := server.Send(wire.KeyRotationAck, ackContrib, rotateAt)
	if err != nil {
		t.Fatalf("server send ack: %v", err)
	}
	if err := server.CompleteRotationAsResponder(rotateAt); err != nil {
		t.Fatalf("complete rotation as responder: %v", err)
	}
	if server.Phase() != PhaseEstablished {
		t.Fatalf("expected server back to ESTABLISHED, got %v", server.Phase())
	}

	_, ackPayload, err := client.Receive(ackFrame, rotateAt)
	if err != nil {
		t.Fatalf("client receive ack: %v", err)
	}
	if err := client.CompleteRotationAsProposer(ackPayload, rotateAt); err != nil {
		t.Fatalf("complete rotation as proposer: %v", err)
	}
	if client.Phase() != PhaseEstablished {
		t.Fatalf("expected client back to ESTABLISHED, got %v", client.Phase())
	}

	postRotation := rotateAt.Add(time.Second)
	frame, err := client.Send(wire.ChatRequest, []byte("post-rotation"), postRotation)
	if err != nil {
		t.Fatalf("send after rotation: %v", err)
	}
	_, payload, err := server.Receive(frame, postRotation)
	if err != nil {
		t.Fatalf("receive after rotation: %v", err)
	}
	if string(payload) != "post-rotation" {
		t.Fatalf("unexpected payload after rotation: %q", payload)
	}
}

func TestCompromiseProtocolClosesBothSides(t *testing.T) {
	client, server := pairedSessions(t)
	now := time.Unix(1_700_000_100, 0)
	establish(t, client, server, now)

	compromiseFrame, err := client.TriggerCompromise("local intrusion detection alert", now)
	if err != nil {
		t.Fatalf("trigger compromise: %v", err)
	}
	if client.Phase() != PhaseCompromisedPendingAck {
		t.Fatalf("expected client in COMPROMISED_PENDING_ACK, got %v", client.Phase())
	}

	_, payload, err := server.Receive(compromiseFrame, now)
	if err != nil {
		t.Fatalf("server receive compromise: %v", err)
	}
	ackFrame, err := server.HandleCompromised(payload, now)
	if err != nil {
		t.Fatalf("server handle compromised: %v", err)
	}
	if server.Phase() != PhaseClosed {
		t.Fatalf("expected server closed, got %v", server.Phase())
	}

	if _, _, err := client.Receive(ackFrame, now); err != nil {
		t.Fatalf("client receive ack: %v", err)
	}
	if err := client.HandleCompromisedAck(now); err != nil {
		t.Fatalf("client handle compromised ack: %v", err)
	}
	if client.Phase() != PhaseClosed {
		t.Fatalf("expected client closed, got %v", client.Phase())
	}
}

func TestCompromiseTimeoutClosesUnilaterally(t *testing.T) {
	client, server := pairedSessions(t)
	now := time.Unix(1_700_000_100, 0)
	establish(t, client, server, now)
	_ = server

	if _, err := client.TriggerCompromise("watchdog trip", now); err != nil {
		t.Fatalf("trigger compromise: %v", err)
	}
	if client.CheckCompromiseTimeout(now) {
		t.Fatalf("should not time out immediately")
	}
	if !client.CheckCompromiseTimeout(now.Add(CompromiseAckTimeout)) {
		t.Fatalf("expected timeout after CompromiseAckTimeout elapses")
	}
	if client.Phase() != PhaseClosed {
		t.Fatalf("expected client closed after timeout, got %v", client.Phase())
	}
}

func TestKeepaliveTimeoutClosesSession(t *testing.T) {
	client, server := pairedSessions(t)
	now := time.Unix(1_700_000_100, 0)
	establish(t, client, server, now)
	_ = server

	if client.CheckKeepaliveTimeout(now.Add(30 * time.Second)) {
		t.Fatalf("should not time out before KeepaliveTimeout elapses")
	}
	if !client.CheckKeepaliveTimeout(now.Add(KeepaliveTimeout + time.Second)) {
		t.Fatalf("expected keepalive timeout to close the session")
	}
	if client.Phase() != PhaseClosed {
		t.Fatalf("expected session closed, got %v", client.Phase())
	}
}
