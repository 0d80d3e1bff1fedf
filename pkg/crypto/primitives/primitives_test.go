package primitives

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := Random(KeySize)
	if err != nil {
		t.Fatalf("random key: %v", err)
	}
	nonce, err := Random(NonceSize)
	if err != nil {
		t.Fatalf("random nonce: %v", err)
	}
	aad := []byte("header")
	plaintext := []byte("ping")

	ciphertext, err := Seal(key, nonce, aad, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(ciphertext) != len(plaintext)+TagSize {
		t.Fatalf("unexpected ciphertext length %d", len(ciphertext))
	}

	opened, err := Open(key, nonce, aad, ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("roundtrip mismatch: got %q", opened)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, _ := Random(KeySize)
	nonce, _ := Random(NonceSize)
	ciphertext, err := Seal(key, nonce, []byte("h"), []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ciphertext[0] ^= 0xFF

	if _, err := Open(key, nonce, []byte("h"), ciphertext); err != ErrAuthFail {
		t.Fatalf("expected ErrAuthFail, got %v", err)
	}
}

func TestOpenRejectsTamperedAAD(t *testing.T) {
	key, _ := Random(KeySize)
	nonce, _ := Random(NonceSize)
	ciphertext, err := Seal(key, nonce, []byte("h1"), []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(key, nonce, []byte("h2"), ciphertext); err != ErrAuthFail {
		t.Fatalf("expected ErrAuthFail for altered aad, got %v", err)
	}
}

func TestHKDFDeterministic(t *testing.T) {
	ikm := []byte("shared-secret-material")
	salt := []byte("salt")
	info := []byte("ClawChat v1 Session")

	a, err := HKDF(salt, ikm, info, 32)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	b, err := HKDF(salt, ikm, info, 32)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("hkdf output not deterministic")
	}

	c, err := HKDF(salt, ikm, []byte("different info"), 32)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	if string(a) == string(c) {
		t.Fatal("hkdf output did not change with info")
	}
}

func TestPBKDF2SHA256Deterministic(t *testing.T) {
	password := []byte("bootstrap-secret-32-bytes-long!!")
	salt, _ := Random(32)

	a, err := PBKDF2SHA256(password, salt, PBKDF2Iterations, KeySize)
	if err != nil {
		t.Fatalf("pbkdf2: %v", err)
	}
	b, err := PBKDF2SHA256(password, salt, PBKDF2Iterations, KeySize)
	if err != nil {
		t.Fatalf("pbkdf2: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("pbkdf2 output not deterministic")
	}
	if len(a) != KeySize {
		t.Fatalf("unexpected key length %d", len(a))
	}
}

func TestHMACSHA256(t *testing.T) {
	key := []byte("mac-key")
	tag1 := HMACSHA256(key, []byte("data"))
	tag2 := HMACSHA256(key, []byte("data"))
	if !ConstantTimeEqual(tag1, tag2) {
		t.Fatal("expected identical HMAC tags")
	}
	tag3 := HMACSHA256(key, []byte("other"))
	if ConstantTimeEqual(tag1, tag3) {
		t.Fatal("expected different HMAC tags for different data")
	}
}
