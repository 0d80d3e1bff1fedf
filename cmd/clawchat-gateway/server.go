package main

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hipparchus2000/clawchat/internal/config"
	"github.com/hipparchus2000/clawchat/internal/platform/metrics"
	"github.com/hipparchus2000/clawchat/internal/platform/policy"
	"github.com/hipparchus2000/clawchat/pkg/handshake"
	"github.com/hipparchus2000/clawchat/pkg/handshake/transcript"
	"github.com/hipparchus2000/clawchat/pkg/nat"
	"github.com/hipparchus2000/clawchat/pkg/record"
	"github.com/hipparchus2000/clawchat/pkg/relay"
	"github.com/hipparchus2000/clawchat/pkg/rendezvous/artifact"
	"github.com/hipparchus2000/clawchat/pkg/rendezvous/lifecycle"
	"github.com/hipparchus2000/clawchat/pkg/rotation"
	"github.com/hipparchus2000/clawchat/pkg/session"
	"github.com/hipparchus2000/clawchat/pkg/wire"
)

// rotationCheckInterval mirrors the agent's cadence for evaluating whether
// the current generation's timer has fired; the gateway only ever responds
// to a KEY_ROTATION_PROPOSE, since the client role always proposes, but it
// still needs to notice its own keepalive and compromise timeouts on the
// same cadence.
const rotationCheckInterval = 5 * time.Second

// server is the single-session-at-a-time gateway loop of §4.6/§4.7: while
// idle it republishes the rendezvous artifact, and once a session is
// established it relays APPLICATION frames to the configured backend until
// the session closes, then returns to idle.
type server struct {
	cfg         config.Config
	logger      *zap.Logger
	instruments *metrics.Instruments
	policy      *policy.Engine

	conn      *net.UDPConn
	lifecycle *lifecycle.Lifecycle
}

func newServer(cfg config.Config, logger *zap.Logger, instruments *metrics.Instruments, policyEngine *policy.Engine) (*server, error) {
	conn, err := nat.Bind(cfg.PublicBindUDPAddr())
	if err != nil {
		return nil, err
	}
	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("gateway: unexpected local address type %T", conn.LocalAddr())
	}

	lc := lifecycle.New(lifecycle.Config{
		Path:             cfg.RendezvousPath,
		BootstrapSecret:  cfg.BootstrapSecret,
		ServerAddress:    localAddr.AddrPort(),
		ServerIdentifier: cfg.ServerIdentifier,
		RegenInterval:    cfg.ArtifactRegenInterval,
		Validity:         cfg.ArtifactValidity,
	})

	return &server{cfg: cfg, logger: logger, instruments: instruments, policy: policyEngine, conn: conn, lifecycle: lc}, nil
}

func (s *server) Close() error {
	return s.conn.Close()
}

// Run cycles between publishing the rendezvous artifact and serving a
// single established session, for as long as ctx is live.
func (s *server) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		a, err := s.lifecycle.Generate(time.Now())
		if err != nil {
			return fmt.Errorf("gateway: generate rendezvous artifact: %w", err)
		}
		s.logger.Info("rendezvous artifact published", zap.String("path", s.cfg.RendezvousPath))

		var current atomic.Pointer[artifact.Artifact]
		current.Store(&a)

		lifecycleCtx, cancelRegen := context.WithCancel(ctx)
		var idle atomic.Bool
		idle.Store(true)
		go s.lifecycle.Run(lifecycleCtx, idle.Load, func(regenerated artifact.Artifact, err error) {
			if err != nil {
				s.logger.Warn("periodic artifact regeneration failed", zap.Error(err))
				return
			}
			current.Store(&regenerated)
		})

		sess, remote, err := s.accept(ctx, *current.Load())
		idle.Store(false)
		cancelRegen()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("accept failed; republishing artifact", zap.Error(err))
			continue
		}

		s.instruments.TransitionPhase(ctx, "", sess.Phase().String())
		if err := s.serve(ctx, sess, remote); err != nil {
			s.logger.Warn("session loop ended", zap.Error(err))
		}
		s.instruments.TransitionPhase(ctx, sess.Phase().String(), "")

		if _, err := s.lifecycle.DestroyAndRegenerate(time.Now()); err != nil {
			s.logger.Warn("failed to regenerate artifact after session end", zap.Error(err))
		}
	}
	return nil
}

// accept waits for a fresh hole-punch and builds the resulting Session,
// authenticating the punch under the shared secret most recently published
// in a.
func (s *server) accept(ctx context.Context, a artifact.Artifact) (*session.Session, net.Addr, error) {
	handshakeKey, err := handshake.DeriveHandshakeKey(a.SharedSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: derive handshake key: %w", err)
	}

	outcome, err := nat.Respond(ctx, s.conn, nat.RespondConfig{HandshakeKey: handshakeKey})
	if err != nil {
		return nil, nil, err
	}

	tr := transcript.New("clawchat-handshake")
	_ = tr.Append("connection_id", outcome.ConnectionID.String())
	_ = tr.Append("handshake_time", outcome.HandshakeTime)

	keys, err := handshake.DeriveSessionKeys(handshake.RoleServer, a.SharedSecret, outcome.ConnectionID, outcome.HandshakeTime, tr.Snapshot())
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: derive session keys: %w", err)
	}

	now := time.Now()
	sess := session.New(session.Config{
		Role:         handshake.RoleServer,
		ConnectionID: outcome.ConnectionID,
		Keys:         keys,
		CreatedAt:    now,
		Rotation:     rotation.Config{Interval: s.cfg.RotationInterval, Grace: s.cfg.GraceInterval},
	})
	if err := sess.BeginPunching(now); err != nil {
		return nil, nil, err
	}
	if err := sess.CompletePunch(now); err != nil {
		return nil, nil, err
	}

	return sess, net.UDPAddrFromAddrPort(outcome.RemoteEndpoint), nil
}

// serve drives one ESTABLISHED session to completion, relaying APPLICATION
// frames to the backend and handling transport control opcodes inline. It
// also owns §4.4's port rotation: on its own timer, the gateway rebinds to
// a fresh ephemeral port, notifies the peer, and for GraceInterval keeps
// accepting traffic on both the old and new socket before closing the old
// one (§5 "During port rotation, frames arriving on either the old or new
// socket are processed identically until the old socket's grace expires").
func (s *server) serve(ctx context.Context, sess *session.Session, remote net.Addr) error {
	gw, err := relay.New(relay.Config{
		BackendAddress: s.cfg.BackendUDPAddr(),
		Metrics:        s.instruments,
		Policy:         s.policy,
	})
	if err != nil {
		return fmt.Errorf("gateway: init relay: %w", err)
	}
	defer gw.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	activeConn := s.conn
	frames := make(chan []byte, 16)
	readErrs := make(chan error, 1)
	go s.readLoop(sessCtx, activeConn, frames, readErrs)
	defer func() {
		if activeConn != s.conn {
			activeConn.Close()
		}
	}()

	var oldConn *net.UDPConn
	oldCtx, oldCancel := context.WithCancel(context.Background())
	oldCancel()
	defer func() {
		oldCancel()
		if oldConn != nil {
			oldConn.Close()
		}
	}()
	var graceExpired <-chan time.Time

	keepalive := time.NewTicker(session.KeepaliveInterval)
	defer keepalive.Stop()
	rotationCheck := time.NewTicker(rotationCheckInterval)
	defer rotationCheck.Stop()
	portRotation := time.NewTicker(s.cfg.RotationInterval)
	defer portRotation.Stop()

	for {
		if sess.Phase() == session.PhaseClosed {
			return nil
		}
		select {
		case <-ctx.Done():
			sess.Close(time.Now())
			return nil

		case raw := <-frames:
			s.handleInbound(ctx, sess, gw, activeConn, remote, raw)

		case err := <-readErrs:
			return fmt.Errorf("gateway: network read failed: %w", err)

		case <-keepalive.C:
			now := time.Now()
			if sess.CheckKeepaliveTimeout(now) {
				s.logger.Warn("keepalive timeout; session closed")
				return nil
			}
			frame, err := sess.Send(wire.KeepalivePing, nil, now)
			if err == nil {
				_ = write(activeConn, remote, frame)
			}

		case <-rotationCheck.C:
			if sess.CheckCompromiseTimeout(time.Now()) {
				s.logger.Warn("compromise ack timeout; session closed")
				return nil
			}

		case <-portRotation.C:
			if oldConn != nil {
				continue
			}
			newConn, err := s.rotatePort(sess, activeConn, remote)
			if err != nil {
				s.logger.Warn("port rotation failed; keeping current socket", zap.Error(err))
				continue
			}
			oldConn = activeConn
			activeConn = newConn
			oldCtx, oldCancel = context.WithCancel(sessCtx)
			go s.readLoop(oldCtx, oldConn, frames, readErrs)
			go s.readLoop(sessCtx, activeConn, frames, readErrs)
			graceExpired = time.After(s.cfg.GraceInterval)

		case <-graceExpired:
			graceExpired = nil
			oldCancel()
			oldConn.Close()
			oldConn = nil
		}
	}
}

// rotatePort implements the gateway half of §4.4 "Port rotation": bind a
// fresh ephemeral socket and notify the peer of its address before the
// caller starts reading from it. Sequence numbers and keys are unaffected;
// only the underlying socket changes.
func (s *server) rotatePort(sess *session.Session, oldConn *net.UDPConn, remote net.Addr) (*net.UDPConn, error) {
	newConn, err := nat.Bind(fmt.Sprintf("%s:0", s.cfg.PublicBindAddress))
	if err != nil {
		return nil, fmt.Errorf("gateway: rebind for port rotation: %w", err)
	}
	localAddr, ok := newConn.LocalAddr().(*net.UDPAddr)
	if !ok {
		newConn.Close()
		return nil, fmt.Errorf("gateway: unexpected local address type %T", newConn.LocalAddr())
	}
	newEndpoint := localAddr.AddrPort()

	payload := wire.EncodePortRotationNotify(newEndpoint)
	frame, err := sess.Send(wire.PortRotationNotify, payload, time.Now())
	if err != nil {
		newConn.Close()
		return nil, fmt.Errorf("gateway: seal port rotation notify: %w", err)
	}
	if err := write(oldConn, remote, frame); err != nil {
		newConn.Close()
		return nil, fmt.Errorf("gateway: send port rotation notify: %w", err)
	}

	s.logger.Info("rotated public port", zap.Stringer("new_endpoint", newEndpoint))
	if s.instruments != nil {
		s.instruments.RecordRotation(context.Background())
	}
	return newConn, nil
}

func (s *server) handleInbound(ctx context.Context, sess *session.Session, gw *relay.Gateway, conn *net.UDPConn, remote net.Addr, raw []byte) {
	now := time.Now()
	header, payload, err := sess.Receive(raw, now)
	if err != nil {
		if s.instruments != nil {
			s.instruments.RecordDroppedFrame(ctx, "aead_or_replay")
		}
		return
	}

	switch {
	case header.MessageType == wire.KeepalivePing:
		if frame, err := sess.Send(wire.KeepalivePong, nil, now); err == nil {
			_ = write(conn, remote, frame)
		}
	case header.MessageType == wire.KeepalivePong:
	case header.MessageType == wire.KeyRotationPropose:
		if err := sess.EnterRotating(now); err != nil {
			return
		}
		contribution, err := sess.BeginRotationAsResponder(payload)
		if err != nil {
			s.logger.Warn("failed to begin rotation as responder", zap.Error(err))
			return
		}
		frame, err := sess.Send(wire.KeyRotationAck, contribution, now)
		if err != nil {
			return
		}
		if err := write(conn, remote, frame); err != nil {
			return
		}
		if err := sess.CompleteRotationAsResponder(now); err != nil {
			s.logger.Warn("failed to complete rotation", zap.Error(err))
			return
		}
		if s.instruments != nil {
			s.instruments.RecordRotation(ctx)
		}
	case header.MessageType == wire.PortRotationNotify:
		// The gateway only ever sends PORT_ROTATION_NOTIFY; it never
		// rebinds in response to one. Received here only if a peer is
		// misbehaving, so it is simply ignored.
	case header.MessageType == wire.Compromised:
		ack, err := sess.HandleCompromised(payload, now)
		if err != nil {
			s.logger.Warn("compromise authentication failed", zap.Error(err))
			return
		}
		_ = write(conn, remote, ack)
		s.logger.Error("peer reported compromise; session closed")
	case header.MessageType == wire.CompromisedAck:
		_ = sess.HandleCompromisedAck(now)
	case header.MessageType.IsApplication():
		frame, err := gw.Forward(ctx, sess, header.MessageType, header.Sequence, payload, now)
		if err != nil {
			s.logger.Warn("relay forward failed", zap.Error(err))
			return
		}
		_ = write(conn, remote, frame)
	}
}

func write(conn *net.UDPConn, remote net.Addr, frame []byte) error {
	_, err := conn.WriteTo(frame, remote)
	return err
}

func (s *server) readLoop(ctx context.Context, conn *net.UDPConn, frames chan<- []byte, errs chan<- error) {
	buf := make([]byte, record.MaxFrameLen)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
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
