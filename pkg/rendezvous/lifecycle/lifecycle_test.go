package lifecycle

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/rendezvous/artifact"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Path:             filepath.Join(dir, "clawchat-current"),
		BootstrapSecret:  []byte("test bootstrap secret"),
		ServerAddress:    netip.MustParseAddrPort("203.0.113.7:51820"),
		ServerIdentifier: "gateway-test",
	}
}

func TestGenerateWritesDecodableArtifact(t *testing.T) {
	cfg := testConfig(t)
	l := New(cfg)

	now := time.Unix(1_700_000_000, 0)
	a, err := l.Generate(now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.ExpiryTime-a.CreationTime != int64(DefaultValidity.Seconds()) {
		t.Fatalf("unexpected validity window: %d", a.ExpiryTime-a.CreationTime)
	}

	blob, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatalf("read artifact file: %v", err)
	}
	decoded, err := artifact.Decode(blob, cfg.BootstrapSecret)
	if err != nil {
		t.Fatalf("decode written artifact: %v", err)
	}
	if decoded.ServerAddress != a.ServerAddress {
		t.Fatalf("server address mismatch")
	}
}

func TestGenerateSetsOwnerOnlyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file mode bits are unreliable on windows")
	}
	cfg := testConfig(t)
	l := New(cfg)

	if _, err := l.Generate(time.Now()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	info, err := os.Stat(cfg.Path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != ownerOnly {
		t.Fatalf("expected mode %o, got %o", ownerOnly, info.Mode().Perm())
	}
}

func TestGenerateProducesDistinctSharedSecrets(t *testing.T) {
	cfg := testConfig(t)
	l := New(cfg)

	a1, err := l.Generate(time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	a2, err := l.Generate(time.Unix(2000, 0))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(a1.SharedSecret) == string(a2.SharedSecret) {
		t.Fatalf("expected distinct shared secrets across regenerations")
	}
}

func TestDestroyAndRegenerateReplacesFile(t *testing.T) {
	cfg := testConfig(t)
	l := New(cfg)

	first, err := l.Generate(time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := l.DestroyAndRegenerate(time.Unix(2000, 0))
	if err != nil {
		t.Fatalf("destroy and regenerate: %v", err)
	}
	if string(first.SharedSecret) == string(second.SharedSecret) {
		t.Fatalf("expected a fresh shared secret after compromise regeneration")
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		t.Fatalf("expected replacement artifact on disk: %v", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	l := New(cfg)
	if err := l.Destroy(); err != nil {
		t.Fatalf("destroy on missing file should not error: %v", err)
	}
}

func TestRunSkipsGenerationWhenNotIdle(t *testing.T) {
	cfg := testConfig(t)
	cfg.RegenInterval = 10 * time.Millisecond
	l := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	calls := 0
	l.Run(ctx, func() bool { return false }, func(artifact.Artifact, error) {
		calls++
	})
	if calls != 0 {
		t.Fatalf("expected no generation calls while not idle, got %d", calls)
	}
}

func TestRunGeneratesWhileIdle(t *testing.T) {
	cfg := testConfig(t)
	cfg.RegenInterval = 10 * time.Millisecond
	l := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	calls := 0
	l.Run(ctx, func() bool { return true }, func(a artifact.Artifact, err error) {
		if err != nil {
			t.Fatalf("unexpected generation error: %v", err)
		}
		calls++
	})
	if calls == 0 {
		t.Fatalf("expected at least one generation call while idle")
	}
}
