// Package transcript accumulates the fields exchanged during a handshake
// or key rotation into a single domain-separated commitment, adapted from
// the teacher's pkg/session/transcript.Accumulator. ClawChat folds the
// commitment into the HKDF info parameter that derives SessionKeys (§3
// SessionKeys, §4.4), so any field appended here on both ends must match
// byte-for-byte or the two sides derive different keys entirely. Today
// both handshake.go call sites only append connection_id and
// handshake_time, which DeriveSessionKeys already binds directly into its
// HKDF info outside of this accumulator, so the transcript itself adds no
// binding strength yet beyond catching a caller mistake — its value is in
// giving a home for genuinely peer-negotiated material (e.g. a future
// capability list or KEM ciphertext commitment) to be bound into key
// derivation without changing DeriveSessionKeys' signature again.
package transcript

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"
)

// Accumulator incrementally folds labeled handshake fields into a BLAKE3
// hash state.
type Accumulator struct {
	mu     sync.Mutex
	hasher *blake3.Hasher
	logs   []entry
}

type entry struct {
	Label string
	Data  json.RawMessage
}

// New constructs a fresh accumulator seeded with a domain-separation
// string so transcripts from unrelated protocols can never collide.
func New(domain string) *Accumulator {
	h := blake3.New()
	_, _ = h.Write([]byte("clawchat-transcript-domain:"))
	_, _ = h.Write([]byte(domain))
	return &Accumulator{
		hasher: h,
		logs:   make([]entry, 0, 4),
	}
}

// Append serializes v and folds label and length-prefixed body into the
// transcript.
func (a *Accumulator) Append(label string, v any) error {
	if label == "" {
		return fmt.Errorf("transcript: label required")
	}

	serialized, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transcript: marshal %s: %w", label, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.hasher.Write([]byte(label)); err != nil {
		return fmt.Errorf("transcript: write label: %w", err)
	}
	length := uint64(len(serialized))
	lenBuf := make([]byte, 8)
	for i := uint(0); i < 8; i++ {
		lenBuf[i] = byte(length >> (56 - 8*i))
	}
	if _, err := a.hasher.Write(lenBuf); err != nil {
		return fmt.Errorf("transcript: write length: %w", err)
	}
	if _, err := a.hasher.Write(serialized); err != nil {
		return fmt.Errorf("transcript: write body: %w", err)
	}

	a.logs = append(a.logs, entry{Label: label, Data: serialized})
	return nil
}

// Snapshot returns the current transcript commitment without consuming
// the accumulator, so handshake retries can keep folding in new fields.
func (a *Accumulator) Snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshot := a.hasher.Clone().Sum(nil)
	return append([]byte(nil), snapshot...)
}

// Entries exposes the recorded sequence, useful for diagnosing a
// handshake failure without re-deriving the hash.
func (a *Accumulator) Entries() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.logs))
	for i, e := range a.logs {
		out[i] = fmt.Sprintf("%s:%s", e.Label, string(e.Data))
	}
	return out
}
