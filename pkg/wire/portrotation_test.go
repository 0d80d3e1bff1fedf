package wire

import (
	"net/netip"
	"testing"
)

func TestPortRotationNotifyRoundTripV4(t *testing.T) {
	want := netip.MustParseAddrPort("127.0.0.1:49400")
	payload := EncodePortRotationNotify(want)
	got, err := DecodePortRotationNotify(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPortRotationNotifyRoundTripV6(t *testing.T) {
	want := netip.MustParseAddrPort("[2001:db8::1]:51820")
	payload := EncodePortRotationNotify(want)
	got, err := DecodePortRotationNotify(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPortRotationNotifyRejectsMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{4, 1, 2, 3}, // claims a 4-byte address but payload is truncated
		{4, 1, 2, 3, 4, 0}, // one short of the trailing port
	}
	for _, payload := range cases {
		if _, err := DecodePortRotationNotify(payload); err == nil {
			t.Fatalf("expected error for payload %v", payload)
		}
	}
}
