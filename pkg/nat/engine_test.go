package nat

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/crypto/primitives"
	"github.com/hipparchus2000/clawchat/pkg/handshake"
)

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("parse addr %q: %v", s, err)
	}
	return ap
}

func TestPunchRespondRoundTrip(t *testing.T) {
	secret, err := primitives.Random(primitives.KeySize)
	if err != nil {
		t.Fatalf("random secret: %v", err)
	}
	key, err := handshake.DeriveHandshakeKey(secret)
	if err != nil {
		t.Fatalf("derive handshake key: %v", err)
	}
	connID, err := handshake.NewConnectionID()
	if err != nil {
		t.Fatalf("new connection id: %v", err)
	}

	serverConn, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind server: %v", err)
	}
	defer serverConn.Close()
	clientConn, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind client: %v", err)
	}
	defer clientConn.Close()

	serverAddrPort := mustAddrPort(t, serverConn.LocalAddr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	respondDone := make(chan Outcome, 1)
	respondErr := make(chan error, 1)
	go func() {
		outcome, err := Respond(ctx, serverConn, RespondConfig{
			HandshakeKey: key,
			Timeout:      3 * time.Second,
		})
		if err != nil {
			respondErr <- err
			return
		}
		respondDone <- outcome
	}()

	clientOutcome, err := Punch(ctx, clientConn, PunchConfig{
		ServerEndpoint: serverAddrPort,
		HandshakeKey:   key,
		ConnectionID:   connID,
		HandshakeTime:  1000,
		Interval:       20 * time.Millisecond,
		Timeout:        3 * time.Second,
	})
	if err != nil {
		t.Fatalf("punch: %v", err)
	}
	if clientOutcome.ConnectionID != connID {
		t.Fatalf("expected connection id to round-trip through ACK")
	}

	select {
	case err := <-respondErr:
		t.Fatalf("respond: %v", err)
	case outcome := <-respondDone:
		if outcome.ConnectionID != connID {
			t.Fatalf("server observed wrong connection id")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("respond did not complete")
	}
}

func TestPunchTimesOutWithNoResponder(t *testing.T) {
	secret, err := primitives.Random(primitives.KeySize)
	if err != nil {
		t.Fatalf("random secret: %v", err)
	}
	key, err := handshake.DeriveHandshakeKey(secret)
	if err != nil {
		t.Fatalf("derive handshake key: %v", err)
	}
	connID, err := handshake.NewConnectionID()
	if err != nil {
		t.Fatalf("new connection id: %v", err)
	}

	// Bind a socket just to learn an address nobody will answer on, then
	// close it so the client's punches go nowhere.
	dead, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	addrPort := mustAddrPort(t, dead.LocalAddr().String())
	dead.Close()

	clientConn, err := Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind client: %v", err)
	}
	defer clientConn.Close()

	_, err = Punch(context.Background(), clientConn, PunchConfig{
		ServerEndpoint: addrPort,
		HandshakeKey:   key,
		ConnectionID:   connID,
		HandshakeTime:  1000,
		Interval:       20 * time.Millisecond,
		Timeout:        150 * time.Millisecond,
	})
	if err != ErrNoResponse {
		t.Fatalf("expected ErrNoResponse, got %v", err)
	}
}
