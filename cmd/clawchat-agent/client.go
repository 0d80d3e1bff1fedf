package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hipparchus2000/clawchat/internal/config"
	"github.com/hipparchus2000/clawchat/pkg/handshake"
	"github.com/hipparchus2000/clawchat/pkg/handshake/transcript"
	"github.com/hipparchus2000/clawchat/pkg/nat"
	"github.com/hipparchus2000/clawchat/pkg/record"
	"github.com/hipparchus2000/clawchat/pkg/relay"
	"github.com/hipparchus2000/clawchat/pkg/rendezvous/artifact"
	"github.com/hipparchus2000/clawchat/pkg/rotation"
	"github.com/hipparchus2000/clawchat/pkg/session"
	"github.com/hipparchus2000/clawchat/pkg/wire"
)

// rotationCheckInterval governs how often the client evaluates whether its
// rotation timer has fired. It is independent of KeepaliveInterval since
// rotation (3600 s by default) runs on a much coarser cadence.
const rotationCheckInterval = 5 * time.Second

type client struct {
	cfg        config.Config
	reflectors []string
	logger     *zap.Logger

	conn   *net.UDPConn
	remote netip.AddrPort
	sess   *session.Session
}

func newClient(cfg config.Config, reflectors []string, logger *zap.Logger) (*client, error) {
	return &client{cfg: cfg, reflectors: reflectors, logger: logger}, nil
}

// Connect loads the rendezvous artifact, binds the local socket, and
// drives §4.4's hole-punch handshake to ESTABLISHED.
func (c *client) Connect(ctx context.Context) error {
	blob, err := os.ReadFile(c.cfg.RendezvousPath)
	if err != nil {
		return fmt.Errorf("agent: read rendezvous artifact: %w", err)
	}
	a, err := artifact.Decode(blob, c.cfg.BootstrapSecret)
	if err != nil {
		return fmt.Errorf("agent: decode rendezvous artifact: %w", err)
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("agent: invalid rendezvous artifact: %w", err)
	}

	conn, err := nat.Bind(c.cfg.PublicBindUDPAddr())
	if err != nil {
		return err
	}

	handshakeKey, err := handshake.DeriveHandshakeKey(a.SharedSecret)
	if err != nil {
		conn.Close()
		return fmt.Errorf("agent: derive handshake key: %w", err)
	}
	connID, err := handshake.NewConnectionID()
	if err != nil {
		conn.Close()
		return fmt.Errorf("agent: generate connection id: %w", err)
	}
	handshakeTime := time.Now().Unix()

	outcome, err := nat.Punch(ctx, conn, nat.PunchConfig{
		ServerEndpoint: a.ServerAddress,
		HandshakeKey:   handshakeKey,
		ConnectionID:   connID,
		HandshakeTime:  handshakeTime,
		Reflectors:     c.reflectors,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("agent: hole punch: %w", err)
	}

	tr := transcript.New("clawchat-handshake")
	_ = tr.Append("connection_id", outcome.ConnectionID.String())
	_ = tr.Append("handshake_time", outcome.HandshakeTime)

	keys, err := handshake.DeriveSessionKeys(handshake.RoleClient, a.SharedSecret, outcome.ConnectionID, outcome.HandshakeTime, tr.Snapshot())
	if err != nil {
		conn.Close()
		return fmt.Errorf("agent: derive session keys: %w", err)
	}

	now := time.Now()
	sess := session.New(session.Config{
		Role:         handshake.RoleClient,
		ConnectionID: outcome.ConnectionID,
		Keys:         keys,
		CreatedAt:    now,
		Rotation:     rotation.Config{Interval: c.cfg.RotationInterval, Grace: c.cfg.GraceInterval},
	})
	if err := sess.BeginPunching(now); err != nil {
		conn.Close()
		return err
	}
	if err := sess.CompletePunch(now); err != nil {
		conn.Close()
		return err
	}

	if outcome.SymmetricNATSuspected {
		c.logger.Warn("symmetric NAT suspected; hole punch may be unreliable")
	}

	c.conn = conn
	c.remote = outcome.RemoteEndpoint
	c.sess = sess
	return nil
}

// Close zeroizes the session and releases the socket.
func (c *client) Close() {
	if c.sess != nil {
		c.sess.Close(time.Now())
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// Run drives the established session's single-threaded event loop: stdin
// lines become CHAT_REQUEST frames, inbound frames are dispatched by
// message_type, and keepalive/rotation timers fire on their own cadence.
func (c *client) Run(ctx context.Context) error {
	frames := make(chan []byte, 16)
	readErrs := make(chan error, 1)
	go c.readLoop(ctx, frames, readErrs)

	lines := make(chan string, 16)
	go readStdin(lines)

	keepalive := time.NewTicker(session.KeepaliveInterval)
	defer keepalive.Stop()
	rotationCheck := time.NewTicker(rotationCheckInterval)
	defer rotationCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			now := time.Now()
			frame, err := c.sess.Send(wire.ChatRequest, []byte(line), now)
			if err != nil {
				c.logger.Warn("failed to seal chat request", zap.Error(err))
				continue
			}
			if err := c.write(frame); err != nil {
				c.logger.Warn("failed to send chat request", zap.Error(err))
			}

		case raw := <-frames:
			c.handleInbound(raw)

		case err := <-readErrs:
			return fmt.Errorf("agent: network read failed: %w", err)

		case <-keepalive.C:
			now := time.Now()
			if c.sess.CheckKeepaliveTimeout(now) {
				c.logger.Warn("keepalive timeout; session closed")
				return nil
			}
			frame, err := c.sess.Send(wire.KeepalivePing, nil, now)
			if err == nil {
				_ = c.write(frame)
			}

		case <-rotationCheck.C:
			c.maybeProposeRotation()
		}
	}
}

func (c *client) maybeProposeRotation() {
	now := time.Now()
	if !c.sess.ShouldRotate(now) || !c.sess.IsRotationProposer() {
		return
	}
	if err := c.sess.EnterRotating(now); err != nil {
		return
	}
	contribution, err := c.sess.BeginRotationAsProposer()
	if err != nil {
		c.logger.Warn("failed to begin rotation", zap.Error(err))
		return
	}
	frame, err := c.sess.Send(wire.KeyRotationPropose, contribution, now)
	if err != nil {
		c.logger.Warn("failed to seal rotation propose", zap.Error(err))
		return
	}
	if err := c.write(frame); err != nil {
		c.logger.Warn("failed to send rotation propose", zap.Error(err))
	}
}

func (c *client) handleInbound(raw []byte) {
	now := time.Now()
	header, payload, err := c.sess.Receive(raw, now)
	if err != nil {
		// §7: frame-level authentication, protocol, and replay failures are
		// silently dropped; the session's own auth-failure counter decides
		// whether repeated drops escalate to CLOSED.
		return
	}

	switch {
	case header.MessageType == wire.KeepalivePing:
		if frame, err := c.sess.Send(wire.KeepalivePong, nil, now); err == nil {
			_ = c.write(frame)
		}
	case header.MessageType == wire.KeepalivePong:
		// lastActivity already advanced by Receive.
	case header.MessageType == wire.KeyRotationAck:
		if err := c.sess.CompleteRotationAsProposer(payload, now); err != nil {
			c.logger.Warn("failed to complete rotation", zap.Error(err))
		}
	case header.MessageType == wire.PortRotationNotify:
		newEndpoint, err := wire.DecodePortRotationNotify(payload)
		if err != nil {
			c.logger.Warn("malformed port rotation notify", zap.Error(err))
			return
		}
		// §4.4: advisory only, no ack. The client's own socket does not
		// change; only the destination it writes future frames to does.
		// The old destination keeps answering for GraceInterval, so any
		// frame already in flight still lands.
		c.logger.Info("server rotated port", zap.Stringer("new_endpoint", newEndpoint))
		c.remote = newEndpoint
	case header.MessageType == wire.Compromised:
		ack, err := c.sess.HandleCompromised(payload, now)
		if err != nil {
			c.logger.Warn("compromise authentication failed", zap.Error(err))
			return
		}
		_ = c.write(ack)
		c.logger.Error("peer reported compromise; session closed")
	case header.MessageType == wire.CompromisedAck:
		_ = c.sess.HandleCompromisedAck(now)
	case header.MessageType == wire.ErrorFrame:
		code, detail, err := relay.DecodeError(payload)
		if err == nil {
			c.logger.Warn("peer reported error", zap.Uint8("code", uint8(code)), zap.String("detail", detail))
		}
	case header.MessageType.IsApplication():
		fmt.Printf("%s: %s\n", header.MessageType, string(payload))
	}
}

func (c *client) write(frame []byte) error {
	_, err := c.conn.WriteToUDP(frame, net.UDPAddrFromAddrPort(c.remote))
	return err
}

func (c *client) readLoop(ctx context.Context, frames chan<- []byte, errs chan<- error) {
	buf := make([]byte, record.MaxFrameLen)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := c.conn.Read(buf)
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
		frame := append([]byte(nil), buf[:n]...)
		select {
		case frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func readStdin(lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}
