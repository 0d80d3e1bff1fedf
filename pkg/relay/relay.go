// Package relay implements the relay gateway of §4.6: once a session is
// ESTABLISHED, decrypted APPLICATION frames are forwarded over a local UDP
// socket to a configured backend, and the backend's replies are sealed back
// onto the session, preserving message_type round-trips for request/response
// kinds. It owns no session keys itself; it calls into pkg/session to seal
// and leaves socket I/O on the wide-area side to the caller.
package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/session"
	"github.com/hipparchus2000/clawchat/pkg/wire"

	"github.com/hipparchus2000/clawchat/internal/platform/metrics"
	"github.com/hipparchus2000/clawchat/internal/platform/policy"
)

// DefaultBackendTimeout is §4.6's default reply timeout ("configurable,
// default 60 s").
const DefaultBackendTimeout = 60 * time.Second

// localHeaderLen is the relay's own framing header on the backend socket:
// [message_type:1].
const localHeaderLen = 1

// ErrBackendUnavailable is returned when the backend socket cannot be
// reached or does not reply within the configured timeout. The session
// stays open; the caller surfaces this to the peer as an ERROR frame via
// BuildErrorFrame.
var ErrBackendUnavailable = errors.New("relay: backend unavailable")

// ErrPolicyDenied is returned when the policy engine denies an inbound
// application frame.
var ErrPolicyDenied = errors.New("relay: policy denied frame")

// ErrBackendFrameMalformed indicates a backend reply datagram was shorter
// than the local framing header.
var ErrBackendFrameMalformed = errors.New("relay: backend frame malformed")

// Config configures a Gateway.
type Config struct {
	BackendAddress string
	Timeout        time.Duration
	Policy         *policy.Engine
	Metrics        *metrics.Instruments
}

// Gateway is the single-threaded cooperative loop's backend-facing half: a
// connected UDP socket to the local backend plus the policy and metrics
// hooks §4.6's supplement wires in.
type Gateway struct {
	conn    *net.UDPConn
	timeout time.Duration
	policy  *policy.Engine
	metrics *metrics.Instruments
}

// New dials the configured backend address. The socket is connected (rather
// than bound and used with WriteTo/ReadFrom) since the gateway forwards to
// exactly one backend endpoint per §4.6.
func New(cfg Config) (*Gateway, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.BackendAddress)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve backend address %q: %w", cfg.BackendAddress, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("relay: dial backend: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	return &Gateway{conn: conn, timeout: timeout, policy: cfg.Policy, metrics: cfg.Metrics}, nil
}

// Close releases the backend socket.
func (g *Gateway) Close() error {
	return g.conn.Close()
}

// Forward implements §4.6's ingress/egress contract for a single decrypted
// APPLICATION frame: evaluate policy, relay to the backend, wait for its
// reply, and seal the reply as an outbound session frame. The returned
// []byte is a record-layer frame ready to write to the session's UDP
// socket; the caller is responsible for that write.
//
// On a policy denial or backend timeout, Forward itself builds and returns
// the ERROR frame §4.6 and §7 call for instead of an error the caller must
// translate, since both are session-level replies rather than fatal
// conditions — the session remains open in either case.
func (g *Gateway) Forward(ctx context.Context, sess *session.Session, messageType wire.MessageType, sequence uint64, payload []byte, now time.Time) ([]byte, error) {
	if g.policy != nil {
		decision, err := g.policy.EvaluateFrame(ctx, policy.FrameInput{
			Opcode:       messageType.String(),
			ConnectionID: sess.ConnectionID().String(),
			Sequence:     sequence,
		})
		if err != nil || !decision.Allow {
			return sess.Send(wire.ErrorFrame, EncodeError(CodePolicyDenied, messageType.String()), now)
		}
	}

	if err := g.conn.SetWriteDeadline(now.Add(g.timeout)); err != nil {
		return nil, fmt.Errorf("relay: set write deadline: %w", err)
	}
	local := make([]byte, localHeaderLen+len(payload))
	local[0] = byte(messageType)
	copy(local[localHeaderLen:], payload)
	if _, err := g.conn.Write(local); err != nil {
		g.metrics.RecordBackendTimeout(ctx)
		return sess.Send(wire.ErrorFrame, EncodeError(CodeBackendUnavailable, err.Error()), now)
	}

	if err := g.conn.SetReadDeadline(now.Add(g.timeout)); err != nil {
		return nil, fmt.Errorf("relay: set read deadline: %w", err)
	}
	buf := make([]byte, 2048)
	n, err := g.conn.Read(buf)
	if err != nil {
		g.metrics.RecordBackendTimeout(ctx)
		return sess.Send(wire.ErrorFrame, EncodeError(CodeBackendUnavailable, "reply timeout"), now)
	}
	if n < localHeaderLen {
		return sess.Send(wire.ErrorFrame, EncodeError(CodeBackendUnavailable, "malformed backend reply"), now)
	}

	replyType := wire.MessageType(buf[0])
	replyPayload := append([]byte(nil), buf[localHeaderLen:n]...)
	return sess.Send(replyType, replyPayload, now)
}

// ErrorCode is §7's surfaced BackendUnavailable/PolicyDenied taxonomy,
// carried as the first byte of an ERROR frame's payload.
type ErrorCode uint8

const (
	CodeBackendUnavailable ErrorCode = 1
	CodePolicyDenied       ErrorCode = 2
)

// EncodeError builds an ERROR frame payload: [code:1][detail_len:2][detail].
func EncodeError(code ErrorCode, detail string) []byte {
	db := []byte(detail)
	buf := make([]byte, 3+len(db))
	buf[0] = byte(code)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(db)))
	copy(buf[3:], db)
	return buf
}

// DecodeError parses an ERROR frame payload built by EncodeError.
func DecodeError(payload []byte) (ErrorCode, string, error) {
	if len(payload) < 3 {
		return 0, "", fmt.Errorf("relay: %w: short error payload", ErrBackendFrameMalformed)
	}
	code := ErrorCode(payload[0])
	n := int(binary.BigEndian.Uint16(payload[1:3]))
	if len(payload) < 3+n {
		return 0, "", fmt.Errorf("relay: %w: truncated error detail", ErrBackendFrameMalformed)
	}
	return code, string(payload[3 : 3+n]), nil
}
