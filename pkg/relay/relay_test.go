package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/handshake"
	"github.com/hipparchus2000/clawchat/pkg/session"
	"github.com/hipparchus2000/clawchat/pkg/wire"
)

func serverSession(t *testing.T) *session.Session {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	connID, err := handshake.NewConnectionID()
	if err != nil {
		t.Fatalf("new connection id: %v", err)
	}
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	serverKeys, err := handshake.DeriveSessionKeys(handshake.RoleServer, secret, connID, now.Unix(), nil)
	if err != nil {
		t.Fatalf("derive server keys: %v", err)
	}

	server := session.New(session.Config{Role: handshake.RoleServer, ConnectionID: connID, Keys: serverKeys, CreatedAt: now})
	if err := server.BeginPunching(now); err != nil {
		t.Fatalf("server begin punching: %v", err)
	}
	if err := server.CompletePunch(now); err != nil {
		t.Fatalf("server complete punch: %v", err)
	}
	return server
}

func TestForwardRoundTripsApplicationFrame(t *testing.T) {
	backend, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen backend: %v", err)
	}
	defer backend.Close()

	go func() {
		buf := make([]byte, 2048)
		n, from, err := backend.ReadFromUDP(buf)
		if err != nil {
			return
		}
		reply := make([]byte, n)
		reply[0] = byte(wire.ChatResponse)
		copy(reply[1:], buf[1:n])
		backend.WriteToUDP(reply, from)
	}()

	gw, err := New(Config{BackendAddress: backend.LocalAddr().String(), Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	defer gw.Close()

	sess := serverSession(t)
	now := time.Unix(1_700_000_001, 0)
	frame, err := gw.Forward(context.Background(), sess, wire.ChatRequest, 1, []byte("hello"), now)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(frame) == 0 {
		t.Fatalf("expected a non-empty outbound frame")
	}
}

func TestForwardReportsBackendUnavailable(t *testing.T) {
	dead, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := dead.LocalAddr().String()
	dead.Close()

	gw, err := New(Config{BackendAddress: addr, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	defer gw.Close()

	sess := serverSession(t)
	now := time.Unix(1_700_000_001, 0)
	frame, err := gw.Forward(context.Background(), sess, wire.ChatRequest, 1, []byte("hello"), now)
	if err != nil {
		t.Fatalf("forward should not return an error for backend unavailability: %v", err)
	}
	if len(frame) < 2 || wire.MessageType(frame[1]) != wire.ErrorFrame {
		t.Fatalf("expected an ERROR frame, got header type %v", wire.MessageType(frame[1]))
	}
}

func TestEncodeDecodeError(t *testing.T) {
	payload := EncodeError(CodeBackendUnavailable, "timeout")
	code, detail, err := DecodeError(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if code != CodeBackendUnavailable {
		t.Fatalf("expected CodeBackendUnavailable, got %v", code)
	}
	if detail != "timeout" {
		t.Fatalf("expected detail %q, got %q", "timeout", detail)
	}
}
