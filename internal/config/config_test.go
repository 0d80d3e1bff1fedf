package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveFromFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	resolve := RegisterFlags(fs)
	secret := "1111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111"[:64]
	args := []string{
		"-bootstrap-secret", secret,
		"-rendezvous-path", "/tmp/clawchat-current.rdv",
		"-public-bind-port", "49300",
		"-backend-port", "55556",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(cfg.BootstrapSecret) != 32 {
		t.Fatalf("expected 32-byte secret, got %d", len(cfg.BootstrapSecret))
	}
	if cfg.PublicBindPort != 49300 {
		t.Fatalf("expected port 49300, got %d", cfg.PublicBindPort)
	}
	if cfg.BackendPort != DefaultBackendPort {
		t.Fatalf("expected default backend port, got %d", cfg.BackendPort)
	}
}

func TestResolveEphemeralPort(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	resolve := RegisterFlags(fs)
	if err := fs.Parse([]string{
		"-bootstrap-secret", string(make([]byte, 32)),
		"-rendezvous-path", "/tmp/clawchat-current.rdv",
	}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.PublicBindPort != 0 {
		t.Fatalf("expected ephemeral port to resolve to 0, got %d", cfg.PublicBindPort)
	}
}

func TestResolveRejectsShortSecret(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	resolve := RegisterFlags(fs)
	if err := fs.Parse([]string{
		"-bootstrap-secret", "too-short",
		"-rendezvous-path", "/tmp/clawchat-current.rdv",
	}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := resolve(); err == nil {
		t.Fatalf("expected error for a short bootstrap secret")
	}
}

func TestResolveFromBootstrapFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	if err := os.WriteFile(path, make([]byte, 32), 0o600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	resolve := RegisterFlags(fs)
	if err := fs.Parse([]string{
		"-bootstrap-secret-file", path,
		"-rendezvous-path", filepath.Join(dir, "clawchat-current.rdv"),
	}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(cfg.BootstrapSecret) != 32 {
		t.Fatalf("expected 32-byte secret from file, got %d", len(cfg.BootstrapSecret))
	}
}

func TestResolveRejectsWorldReadableSecretFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	if err := os.WriteFile(path, make([]byte, 32), 0o644); err != nil {
		t.Fatalf("write secret file: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	resolve := RegisterFlags(fs)
	if err := fs.Parse([]string{
		"-bootstrap-secret-file", path,
		"-rendezvous-path", filepath.Join(dir, "clawchat-current.rdv"),
	}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := resolve(); err == nil {
		t.Fatalf("expected error for a world-readable secret file")
	}
}
