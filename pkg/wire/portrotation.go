package wire

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// ErrMalformedPortRotation indicates a PORT_ROTATION_NOTIFY payload that
// does not decode to a valid address/port pair.
var ErrMalformedPortRotation = errors.New("wire: malformed port rotation payload")

// EncodePortRotationNotify renders the PORT_ROTATION_NOTIFY payload of
// §4.4: the new (address, port) the sender is about to rebind to. Uses the
// same length-prefixed address encoding as the rendezvous artifact's inner
// record, since both carry a raw netip.AddrPort with no surrounding
// self-description.
func EncodePortRotationNotify(newEndpoint netip.AddrPort) []byte {
	addrBytes := newEndpoint.Addr().AsSlice()
	buf := make([]byte, 0, 1+len(addrBytes)+2)
	buf = append(buf, byte(len(addrBytes)))
	buf = append(buf, addrBytes...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, newEndpoint.Port())
	return append(buf, portBytes...)
}

// DecodePortRotationNotify parses a PORT_ROTATION_NOTIFY payload produced by
// EncodePortRotationNotify.
func DecodePortRotationNotify(payload []byte) (netip.AddrPort, error) {
	if len(payload) < 1 {
		return netip.AddrPort{}, ErrMalformedPortRotation
	}
	addrLen := int(payload[0])
	if len(payload) != 1+addrLen+2 {
		return netip.AddrPort{}, ErrMalformedPortRotation
	}
	addr, ok := netip.AddrFromSlice(payload[1 : 1+addrLen])
	if !ok {
		return netip.AddrPort{}, ErrMalformedPortRotation
	}
	port := binary.BigEndian.Uint16(payload[1+addrLen:])
	return netip.AddrPortFrom(addr, port), nil
}
