// Package lifecycle implements §4.7: while a gateway has no active
// session, it regenerates its RendezvousArtifact on a fixed interval and
// publishes it to a well-known path with owner-only permissions, using a
// temporary-file-plus-rename write so a concurrent reader never observes a
// torn file. The write pattern is adapted from the atomic-write helper
// used throughout the example pack's file-delivery paths.
package lifecycle

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/crypto/primitives"
	"github.com/hipparchus2000/clawchat/pkg/rendezvous/artifact"
)

// DefaultRegenInterval is the regeneration cadence of §4.7
// ("every 10 minutes, the server generates a new RendezvousArtifact").
const DefaultRegenInterval = 10 * time.Minute

// DefaultValidity is the artifact lifetime of §4.7 ("Expiry is set to
// creation + 11 minutes").
const DefaultValidity = 11 * time.Minute

// ownerOnly is the required file mode of §6.1 ("owner read/write only").
const ownerOnly = 0o600

// Config configures a Lifecycle.
type Config struct {
	Path             string
	BootstrapSecret  []byte
	ServerAddress    netip.AddrPort
	ServerIdentifier string
	RegenInterval    time.Duration
	Validity         time.Duration
}

// Lifecycle owns writing the on-disk rendezvous artifact. It is the single
// writer of that file (§5 Shared-resource policy).
type Lifecycle struct {
	cfg Config
}

// New constructs a Lifecycle, applying the default cadence and validity
// window where unset.
func New(cfg Config) *Lifecycle {
	if cfg.RegenInterval <= 0 {
		cfg.RegenInterval = DefaultRegenInterval
	}
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	return &Lifecycle{cfg: cfg}
}

// Generate builds a fresh RendezvousArtifact anchored at now, with a new
// single-use shared_secret, and atomically writes its encrypted envelope
// to the configured path.
func (l *Lifecycle) Generate(now time.Time) (artifact.Artifact, error) {
	secret, err := primitives.Random(artifact.SharedSecretLen)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("lifecycle: generate shared secret: %w", err)
	}

	a := artifact.Artifact{
		SchemaVersion:    artifact.SchemaVersion,
		ServerAddress:    l.cfg.ServerAddress,
		SharedSecret:     secret,
		CreationTime:     now.Unix(),
		ExpiryTime:       now.Add(l.cfg.Validity).Unix(),
		NextRotationHint: now.Add(l.cfg.RegenInterval).Unix(),
		ServerIdentifier: l.cfg.ServerIdentifier,
	}

	blob, err := artifact.Encode(a, l.cfg.BootstrapSecret)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("lifecycle: encode artifact: %w", err)
	}
	if err := writeAtomic(l.cfg.Path, blob, ownerOnly); err != nil {
		return artifact.Artifact{}, fmt.Errorf("lifecycle: write artifact: %w", err)
	}
	return a, nil
}

// Destroy removes the on-disk artifact. It is not an error if no artifact
// is currently present.
func (l *Lifecycle) Destroy() error {
	if err := os.Remove(l.cfg.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lifecycle: remove artifact: %w", err)
	}
	return nil
}

// DestroyAndRegenerate implements the compromise-path half of §4.7: delete
// the existing file and immediately generate a fresh one.
func (l *Lifecycle) DestroyAndRegenerate(now time.Time) (artifact.Artifact, error) {
	if err := l.Destroy(); err != nil {
		return artifact.Artifact{}, err
	}
	return l.Generate(now)
}

// Run drives periodic regeneration on cfg.RegenInterval for as long as
// isIdle reports true and ctx remains live. It is intended to run as an
// isolated goroutine posting no shared mutable state beyond what Generate
// itself touches (§5: "a timer service that posts events into the main
// loop"); callers typically gate isIdle on the Session's current phase and
// stop calling Run once ESTABLISHED, per §4.7 ("Once a session reaches
// ESTABLISHED, regeneration halts").
func (l *Lifecycle) Run(ctx context.Context, isIdle func() bool, onGenerate func(artifact.Artifact, error)) {
	ticker := time.NewTicker(l.cfg.RegenInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !isIdle() {
				continue
			}
			a, err := l.Generate(now)
			if onGenerate != nil {
				onGenerate(a, err)
			}
		}
	}
}

// writeAtomic writes data to filename via a temp file in the same
// directory followed by a rename, so a reader never observes a partially
// written artifact.
func writeAtomic(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	base := filepath.Base(filename)

	f, err := os.CreateTemp(dir, "."+base+".tmp.*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	ok := false
	defer func() {
		_ = f.Close()
		if !ok {
			_ = os.Remove(tmp)
		}
	}()

	if runtime.GOOS != "windows" {
		if err := f.Chmod(perm); err != nil {
			return err
		}
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if runtime.GOOS == "windows" {
		_ = os.Remove(filename)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(filename, perm); err != nil {
			return err
		}
	}
	ok = true
	return nil
}
