// Package primitives wraps the small set of cryptographic operations the
// rest of ClawChat is built from: AES-256-GCM AEAD, HKDF-SHA256,
// PBKDF2-HMAC-SHA256, HMAC-SHA256, and a CSPRNG. Every higher layer derives
// its security from these functions alone; nothing above this package
// touches crypto/aes, crypto/hmac, or crypto/rand directly.
package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the length in bytes of every AEAD key used by ClawChat.
const KeySize = 32

// NonceSize is the length in bytes of an AES-256-GCM nonce.
const NonceSize = 12

// TagSize is the length in bytes of the AES-256-GCM authentication tag.
const TagSize = 16

// PBKDF2Iterations is the fixed iteration count mandated by §6.1.
const PBKDF2Iterations = 100_000

// ErrAuthFail is returned when AEAD decryption fails authentication. It is a
// fatal signal for the frame it applies to and must never be retried with
// the same ciphertext.
var ErrAuthFail = errors.New("primitives: authentication failed")

// AEAD constructs an AES-256-GCM cipher.AEAD bound to key, which must be
// exactly KeySize bytes.
func AEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("primitives: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("primitives: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("primitives: new gcm: %w", err)
	}
	if aead.NonceSize() != NonceSize {
		return nil, fmt.Errorf("primitives: unexpected nonce size %d", aead.NonceSize())
	}
	return aead, nil
}

// Seal authenticates and encrypts plaintext under key and nonce, binding aad
// into the tag. The returned slice is ciphertext with the 16-byte tag
// appended, matching AES-256-GCM's native output.
func Seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := AEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("primitives: nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts a ciphertext produced by Seal. Any
// authentication failure returns ErrAuthFail regardless of the underlying
// cause, so callers cannot distinguish corrupt framing from a forged tag.
func Open(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := AEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("primitives: nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFail
	}
	return plaintext, nil
}

// HKDF derives L bytes from ikm using HKDF-SHA256 with the given salt and
// info context.
func HKDF(salt, ikm, info []byte, l int) ([]byte, error) {
	if l <= 0 {
		return nil, errors.New("primitives: hkdf length must be positive")
	}
	reader := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, l)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("primitives: hkdf expand: %w", err)
	}
	return out, nil
}

// PBKDF2SHA256 derives an L-byte key from password and salt using
// PBKDF2-HMAC-SHA256 with the fixed iteration count required by §6.1.
func PBKDF2SHA256(password, salt []byte, iterations, l int) ([]byte, error) {
	if iterations <= 0 {
		iterations = PBKDF2Iterations
	}
	if l <= 0 {
		return nil, errors.New("primitives: pbkdf2 length must be positive")
	}
	return pbkdf2.Key(password, salt, iterations, l, sha256.New), nil
}

// HMACSHA256 computes an HMAC-SHA256 tag over data under key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(data)
	return mac.Sum(nil)
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information about where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return hmac.Equal(a, b)
}

// Random returns n cryptographically random bytes. A failure here is fatal
// for the process: the entropy source is exhausted or unavailable.
func Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("primitives: random: %w", err)
	}
	return buf, nil
}

// Zero overwrites b with zero bytes in place. Callers must not retain other
// references to the backing array if they require the zeroing to be
// effective.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
