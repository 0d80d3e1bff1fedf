// Package nat implements the NAT rendezvous engine of §4.5: binding the
// ephemeral local UDP socket, the optional STUN-style public-endpoint
// probe, and the simultaneous-send hole-punch retry loop of §4.4, on both
// the client (punching) and server (responding) sides. It owns no session
// state; on success it hands the caller a live *net.UDPConn and the
// verified remote_endpoint, which pkg/session and the calling binary use
// to construct the Session.
package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/handshake"
)

// Outcome is the contract result of §4.5: a bound socket plus the verified
// remote endpoint.
type Outcome struct {
	Conn                  *net.UDPConn
	RemoteEndpoint        netip.AddrPort
	ConnectionID          handshake.ConnectionID
	HandshakeTime         int64
	SymmetricNATSuspected bool
}

// Sentinel errors matching §4.5's failure contract
// {SYMMETRIC_NAT, NO_RESPONSE, LOCAL_BIND_FAIL}. SYMMETRIC_NAT is reported
// as a field on Outcome rather than an error, since §4.5 says detection is
// advisory and the punch is still attempted.
var (
	ErrNoResponse    = errors.New("nat: no response received within the punch window")
	ErrLocalBindFail = errors.New("nat: failed to bind local udp socket")
)

// PunchConfig configures the client side of the hole punch.
type PunchConfig struct {
	LocalBindAddress string
	ServerEndpoint   netip.AddrPort
	HandshakeKey     []byte
	ConnectionID     handshake.ConnectionID
	HandshakeTime    int64
	Interval         time.Duration
	Timeout          time.Duration
	Reflectors       []string
	ReflectorTimeout time.Duration
}

func (c *PunchConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = handshake.PunchInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = handshake.PunchTimeout
	}
	if c.ReflectorTimeout <= 0 {
		c.ReflectorTimeout = 2 * time.Second
	}
}

// Bind opens the ephemeral local UDP socket §4.5 requires before any punch
// traffic is sent.
func Bind(localAddress string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrLocalBindFail, localAddress, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %q: %v", ErrLocalBindFail, localAddress, err)
	}
	return conn, nil
}

// Punch drives the client side of §4.4's handshake: send HANDSHAKE_PUNCH at
// cfg.Interval for up to cfg.Timeout, accepting the first source whose
// response authenticates as HANDSHAKE_ACK under cfg.HandshakeKey (the
// tie-break of §4.4: "if multiple sources respond, the first AEAD-verifying
// source wins; others are dropped"). conn must already be bound via Bind.
func Punch(ctx context.Context, conn *net.UDPConn, cfg PunchConfig) (Outcome, error) {
	cfg.applyDefaults()

	if len(cfg.Reflectors) >= 2 {
		_, symmetric, ok := DetectSymmetricNAT(conn, cfg.Reflectors, cfg.ReflectorTimeout)
		if ok && symmetric {
			return runPunch(ctx, conn, cfg, true)
		}
	}
	return runPunch(ctx, conn, cfg, false)
}

func runPunch(ctx context.Context, conn *net.UDPConn, cfg PunchConfig, symmetricSuspected bool) (Outcome, error) {
	serverAddr := net.UDPAddrFromAddrPort(cfg.ServerEndpoint)

	deadline := time.Now().Add(cfg.Timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	send := func() error {
		frame, err := handshake.BuildPunch(cfg.HandshakeKey, cfg.ConnectionID, cfg.HandshakeTime)
		if err != nil {
			return fmt.Errorf("nat: build punch frame: %w", err)
		}
		_, err = conn.WriteToUDP(frame, serverAddr)
		return err
	}
	if err := send(); err != nil {
		return Outcome{}, fmt.Errorf("nat: send initial punch: %w", err)
	}

	readErrs := make(chan error, 1)
	replies := make(chan udpReply, 8)
	go readLoop(ctx, conn, replies, readErrs)

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ErrNoResponse
		case <-ticker.C:
			if err := send(); err != nil {
				return Outcome{}, fmt.Errorf("nat: resend punch: %w", err)
			}
		case reply := <-replies:
			connID, handshakeTime, err := handshake.ParseAck(cfg.HandshakeKey, reply.data)
			if err != nil {
				// Not a verifying ACK from this source; per the tie-break
				// rule, drop it silently and keep waiting.
				continue
			}
			return Outcome{
				Conn:                  conn,
				RemoteEndpoint:        reply.from,
				ConnectionID:          connID,
				HandshakeTime:         handshakeTime,
				SymmetricNATSuspected: symmetricSuspected,
			}, nil
		case err := <-readErrs:
			return Outcome{}, fmt.Errorf("nat: read loop: %w", err)
		}
	}
}

// RespondConfig configures the server side of the hole punch.
type RespondConfig struct {
	HandshakeKey  []byte
	ConnectionID  handshake.ConnectionID
	HandshakeTime int64
	Timeout       time.Duration
}

// Respond drives the server side of §4.4: while in PUNCHING, wait for the
// first authenticated HANDSHAKE_PUNCH, record its source as remote_endpoint,
// reply with HANDSHAKE_ACK, and return. Additional punches from other
// sources that arrive first are accepted per the same first-wins tie-break
// Punch applies on the client.
func Respond(ctx context.Context, conn *net.UDPConn, cfg RespondConfig) (Outcome, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = handshake.PunchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	replies := make(chan udpReply, 8)
	readErrs := make(chan error, 1)
	go readLoop(ctx, conn, replies, readErrs)

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ErrNoResponse
		case reply := <-replies:
			connID, handshakeTime, err := handshake.ParsePunch(cfg.HandshakeKey, reply.data)
			if err != nil {
				continue
			}
			ack, err := handshake.BuildAck(cfg.HandshakeKey, connID, handshakeTime)
			if err != nil {
				return Outcome{}, fmt.Errorf("nat: build ack: %w", err)
			}
			if _, err := conn.WriteToUDP(ack, net.UDPAddrFromAddrPort(reply.from)); err != nil {
				return Outcome{}, fmt.Errorf("nat: send ack: %w", err)
			}
			return Outcome{
				Conn:           conn,
				RemoteEndpoint: reply.from,
				ConnectionID:   connID,
				HandshakeTime:  handshakeTime,
			}, nil
		case err := <-readErrs:
			return Outcome{}, fmt.Errorf("nat: read loop: %w", err)
		}
	}
}

type udpReply struct {
	data []byte
	from netip.AddrPort
}

// readLoop relays datagrams into replies until ctx is done, the socket is
// closed, or a non-deadline read error occurs.
func readLoop(ctx context.Context, conn *net.UDPConn, replies chan<- udpReply, errs chan<- error) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case errs <- err:
			default:
			}
			return
		}
		data := append([]byte(nil), buf[:n]...)
		addrPort := from.AddrPort()
		select {
		case replies <- udpReply{data: data, from: addrPort}:
		case <-ctx.Done():
			return
		}
	}
}
