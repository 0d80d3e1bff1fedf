package artifact

import (
	"net/netip"
	"testing"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/crypto/primitives"
)

func sampleArtifact(t *testing.T) Artifact {
	t.Helper()
	secret, err := primitives.Random(SharedSecretLen)
	if err != nil {
		t.Fatalf("random secret: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).Unix()
	return Artifact{
		SchemaVersion:    SchemaVersion,
		ServerAddress:    netip.MustParseAddrPort("203.0.113.7:51820"),
		SharedSecret:     secret,
		CreationTime:     now,
		ExpiryTime:       now + 600,
		NextRotationHint: now + 1800,
		ServerIdentifier: "gateway-01",
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a := sampleArtifact(t)
	bootstrap := []byte("a long-lived bootstrap secret")

	blob, err := Encode(a, bootstrap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(blob, bootstrap)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.ServerAddress != a.ServerAddress {
		t.Fatalf("server address mismatch: %v != %v", decoded.ServerAddress, a.ServerAddress)
	}
	if string(decoded.SharedSecret) != string(a.SharedSecret) {
		t.Fatalf("shared secret mismatch")
	}
	if decoded.ServerIdentifier != a.ServerIdentifier {
		t.Fatalf("server identifier mismatch")
	}
	if decoded.CreationTime != a.CreationTime || decoded.ExpiryTime != a.ExpiryTime {
		t.Fatalf("time field mismatch")
	}
}

func TestDecodeRejectsWrongBootstrapSecret(t *testing.T) {
	a := sampleArtifact(t)
	blob, err := Encode(a, []byte("correct secret"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(blob, []byte("wrong secret")); err != ErrWrongKey {
		t.Fatalf("expected ErrWrongKey, got %v", err)
	}
}

func TestDecodeRejectsCorruptEnvelope(t *testing.T) {
	a := sampleArtifact(t)
	bootstrap := []byte("secret")
	blob, err := Encode(a, bootstrap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	truncated := blob[:len(blob)-1]
	if _, err := Decode(truncated, bootstrap); err == nil {
		t.Fatalf("expected an error decoding a truncated envelope")
	}
}

func TestDecodeRejectsExpiredArtifact(t *testing.T) {
	a := sampleArtifact(t)
	a.CreationTime = time.Now().Add(-time.Hour).Unix()
	a.ExpiryTime = a.CreationTime + 60
	bootstrap := []byte("secret")

	blob, err := Encode(a, bootstrap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(blob, bootstrap); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestValidateRejectsOversizedValidityWindow(t *testing.T) {
	a := sampleArtifact(t)
	a.ExpiryTime = a.CreationTime + MaxValidityWindow + 1
	if err := a.Validate(); err == nil {
		t.Fatalf("expected validation error for oversized validity window")
	}
}

func TestValidateRejectsWrongSecretLength(t *testing.T) {
	a := sampleArtifact(t)
	a.SharedSecret = a.SharedSecret[:16]
	if err := a.Validate(); err == nil {
		t.Fatalf("expected validation error for short shared secret")
	}
}

func TestEncodeRejectsInvalidArtifact(t *testing.T) {
	a := sampleArtifact(t)
	a.ExpiryTime = a.CreationTime
	if _, err := Encode(a, []byte("secret")); err == nil {
		t.Fatalf("expected encode to reject an invalid artifact")
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	a := sampleArtifact(t)
	bootstrap := []byte("secret")
	blob, err := Encode(a, bootstrap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	blob[1] = byte(EnvelopeVersion + 1)
	if _, err := Decode(blob, bootstrap); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestEncodeSupportsIPv6(t *testing.T) {
	a := sampleArtifact(t)
	a.ServerAddress = netip.MustParseAddrPort("[2001:db8::1]:51820")
	bootstrap := []byte("secret")

	blob, err := Encode(a, bootstrap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(blob, bootstrap)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ServerAddress != a.ServerAddress {
		t.Fatalf("expected ipv6 address to round-trip, got %v", decoded.ServerAddress)
	}
}
