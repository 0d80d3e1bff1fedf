package nat

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun/v2"
)

// ErrReflectorUnreachable indicates a STUN reflector did not answer within
// the probe timeout. STUN discovery is advisory per §4.5, so callers should
// treat this as a degraded result, not a fatal one.
type ErrReflectorUnreachable struct {
	Reflector string
	Cause     error
}

func (e *ErrReflectorUnreachable) Error() string {
	return fmt.Sprintf("nat: stun reflector %q unreachable: %v", e.Reflector, e.Cause)
}

func (e *ErrReflectorUnreachable) Unwrap() error { return e.Cause }

// ProbePublicEndpoint sends a single STUN binding request over conn to
// reflector and returns the XOR-mapped public (address, port) the reflector
// observed, per §4.5's "optionally perform a STUN-style probe ... to learn
// public (address, port)".
func ProbePublicEndpoint(conn *net.UDPConn, reflector string, timeout time.Duration) (netip.AddrPort, error) {
	reflectorAddr, err := net.ResolveUDPAddr("udp", reflector)
	if err != nil {
		return netip.AddrPort{}, &ErrReflectorUnreachable{Reflector: reflector, Cause: err}
	}

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("nat: build stun request: %w", err)
	}
	if _, err := conn.WriteToUDP(request.Raw, reflectorAddr); err != nil {
		return netip.AddrPort{}, &ErrReflectorUnreachable{Reflector: reflector, Cause: err}
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return netip.AddrPort{}, fmt.Errorf("nat: set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return netip.AddrPort{}, &ErrReflectorUnreachable{Reflector: reflector, Cause: err}
		}
		if !from.IP.Equal(reflectorAddr.IP) {
			// A stray datagram (e.g. an early HANDSHAKE_PUNCH retry) arrived
			// on the shared socket while we were waiting on the reflector;
			// keep waiting for the reflector's own reply.
			continue
		}

		reply := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := reply.Decode(); err != nil {
			return netip.AddrPort{}, fmt.Errorf("nat: decode stun response: %w", err)
		}

		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(reply); err != nil {
			return netip.AddrPort{}, fmt.Errorf("nat: stun response missing XOR-MAPPED-ADDRESS: %w", err)
		}
		addr, ok := netip.AddrFromSlice(xorAddr.IP)
		if !ok {
			return netip.AddrPort{}, fmt.Errorf("nat: malformed stun address")
		}
		return netip.AddrPortFrom(addr.Unmap(), uint16(xorAddr.Port)), nil
	}
}

// DetectSymmetricNAT probes two distinct reflectors from the same local
// socket and reports whether they observed different public ports, the
// hallmark of a symmetric NAT (§4.5: "if two reflectors return differing
// public ports for the same local socket, report SYMMETRIC_NAT warning").
// It is advisory only: a probe failure against either reflector yields
// ok=false without treating the detection itself as an error, since the
// hole punch should still be attempted per §4.5 ("but still attempt the
// punch").
func DetectSymmetricNAT(conn *net.UDPConn, reflectors []string, timeout time.Duration) (observed netip.AddrPort, symmetric bool, ok bool) {
	if len(reflectors) < 2 {
		return netip.AddrPort{}, false, false
	}
	first, err := ProbePublicEndpoint(conn, reflectors[0], timeout)
	if err != nil {
		return netip.AddrPort{}, false, false
	}
	second, err := ProbePublicEndpoint(conn, reflectors[1], timeout)
	if err != nil {
		return first, false, true
	}
	return first, first.Port() != second.Port(), true
}
