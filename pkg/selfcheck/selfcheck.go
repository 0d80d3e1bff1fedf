// Package selfcheck runs the startup self-check exposed at the gateway's
// /healthz-equivalent path (§6.4 exit codes; teacher precedent:
// internal/platform/compliance and cmd/gateway/server.go's handleHealth):
// crypto primitives round-trip, the rendezvous artifact path is writable
// with owner-only permissions, and a backend socket address is configured.
// The Checker/Check/Result/Summary shape is carried over from the teacher's
// compliance package, repurposed from a generic compliance-evidence
// aggregator into these three concrete, ClawChat-specific checks.
package selfcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/hipparchus2000/clawchat/pkg/crypto/primitives"
)

// Status enumerates self-check result states.
type Status string

const (
	StatusUnknown Status = "UNKNOWN"
	StatusPass    Status = "PASS"
	StatusWarn    Status = "WARN"
	StatusFail    Status = "FAIL"
)

// Result captures a single check's outcome.
type Result struct {
	Name      string
	Status    Status
	Details   string
	Error     error
	Duration  time.Duration
	Timestamp time.Time
}

// Check defines a self-check's contract.
type Check interface {
	Name() string
	Run(ctx context.Context) Result
}

// CheckFunc adapts a plain function to Check.
type CheckFunc func(ctx context.Context) Result

// Name returns a synthetic name derived from the function when none is set
// on the returned Result.
func (f CheckFunc) Name() string {
	return runtimeFunctionName(f)
}

// Run executes the function.
func (f CheckFunc) Run(ctx context.Context) Result {
	return f(ctx)
}

// Checker runs a fixed set of checks concurrently and aggregates them.
type Checker struct {
	mu     sync.RWMutex
	checks []Check
}

// NewChecker builds a checker from the given checks.
func NewChecker(checks ...Check) *Checker {
	return &Checker{checks: checks}
}

// Register appends additional checks at runtime.
func (c *Checker) Register(checks ...Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, checks...)
}

// Evaluate runs every registered check and returns a summary.
func (c *Checker) Evaluate(ctx context.Context) Summary {
	start := time.Now()
	checks := c.snapshot()
	results := make([]Result, len(checks))

	var wg sync.WaitGroup
	for idx, check := range checks {
		wg.Add(1)
		go func(i int, chk Check) {
			defer wg.Done()
			begin := time.Now()
			result := chk.Run(ctx)
			if result.Name == "" {
				result.Name = chk.Name()
			}
			result.Duration = time.Since(begin)
			if result.Status == "" {
				result.Status = StatusUnknown
			}
			if result.Timestamp.IsZero() {
				result.Timestamp = time.Now()
			}
			results[i] = result
		}(idx, check)
	}
	wg.Wait()

	summary := Summary{
		Results:     results,
		GeneratedAt: time.Now(),
		Elapsed:     time.Since(start),
	}
	for _, result := range results {
		switch result.Status {
		case StatusFail:
			summary.Failed = append(summary.Failed, result)
		case StatusWarn:
			summary.Warnings = append(summary.Warnings, result)
		}
		if result.Error != nil {
			summary.Errors = append(summary.Errors, fmt.Errorf("%s: %w", result.Name, result.Error))
		}
	}
	return summary
}

func (c *Checker) snapshot() []Check {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Check, len(c.checks))
	copy(out, c.checks)
	return out
}

// Summary aggregates self-check posture, suitable for rendering as the
// gateway's health JSON.
type Summary struct {
	Results     []Result
	Failed      []Result
	Warnings    []Result
	Errors      []error
	GeneratedAt time.Time
	Elapsed     time.Duration
}

// Healthy returns true when no failures or warnings are present.
func (s Summary) Healthy() bool {
	return len(s.Failed) == 0 && len(s.Warnings) == 0
}

// Error aggregates errors for easy reporting.
func (s Summary) Error() error {
	if len(s.Errors) == 0 {
		return nil
	}
	return errors.Join(s.Errors...)
}

func runtimeFunctionName(i any) string {
	if i == nil {
		return "anonymous"
	}
	val := reflect.ValueOf(i)
	if val.Kind() != reflect.Func {
		return fmt.Sprintf("%T", i)
	}
	if fn := runtime.FuncForPC(val.Pointer()); fn != nil {
		return fn.Name()
	}
	return fmt.Sprintf("%T", i)
}

// CryptoRoundTrip verifies the AEAD seal/open path and HKDF derivation
// against a throwaway key, catching a broken crypto/cipher build before any
// session ever attempts a handshake.
func CryptoRoundTrip() Check {
	return CheckFunc(func(ctx context.Context) Result {
		key, err := primitives.Random(primitives.KeySize)
		if err != nil {
			return Result{Name: "crypto_roundtrip", Status: StatusFail, Error: err}
		}
		defer primitives.Zero(key)

		nonce, err := primitives.Random(primitives.NonceSize)
		if err != nil {
			return Result{Name: "crypto_roundtrip", Status: StatusFail, Error: err}
		}
		sealed, err := primitives.Seal(key, nonce, []byte("selfcheck-aad"), []byte("selfcheck-plaintext"))
		if err != nil {
			return Result{Name: "crypto_roundtrip", Status: StatusFail, Error: err}
		}
		opened, err := primitives.Open(key, nonce, []byte("selfcheck-aad"), sealed)
		if err != nil {
			return Result{Name: "crypto_roundtrip", Status: StatusFail, Error: err}
		}
		if string(opened) != "selfcheck-plaintext" {
			return Result{Name: "crypto_roundtrip", Status: StatusFail, Error: errors.New("round-trip plaintext mismatch")}
		}

		if _, err := primitives.HKDF(nil, key, []byte("selfcheck"), primitives.KeySize); err != nil {
			return Result{Name: "crypto_roundtrip", Status: StatusFail, Error: err}
		}

		return Result{Name: "crypto_roundtrip", Status: StatusPass, Details: "AEAD and HKDF round-trip succeeded"}
	})
}

// RendezvousPathWritable verifies the rendezvous artifact's parent directory
// exists, is writable, and — on the platforms where mode bits are
// meaningful — is not world- or group-readable, since that directory holds
// the periodically regenerated envelope of §6.1.
func RendezvousPathWritable(path string) Check {
	return CheckFunc(func(ctx context.Context) Result {
		dir := filepath.Dir(path)
		info, err := os.Stat(dir)
		if err != nil {
			return Result{Name: "rendezvous_path", Status: StatusFail, Error: fmt.Errorf("stat %q: %w", dir, err)}
		}
		if !info.IsDir() {
			return Result{Name: "rendezvous_path", Status: StatusFail, Error: fmt.Errorf("%q is not a directory", dir)}
		}

		probe := filepath.Join(dir, ".clawchat-selfcheck")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return Result{Name: "rendezvous_path", Status: StatusFail, Error: fmt.Errorf("write probe file: %w", err)}
		}
		_ = os.Remove(probe)

		if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
			return Result{
				Name:    "rendezvous_path",
				Status:  StatusWarn,
				Details: fmt.Sprintf("%q is group- or world-accessible (mode %o)", dir, info.Mode().Perm()),
			}
		}
		return Result{Name: "rendezvous_path", Status: StatusPass, Details: dir}
	})
}

// BackendSocketConfigured verifies the configured backend address resolves
// to a usable UDP endpoint without actually dialing it, since the backend
// process the relay gateway forwards to (§4.6) may not be up yet at gateway
// startup.
func BackendSocketConfigured(addr string) Check {
	return CheckFunc(func(ctx context.Context) Result {
		if addr == "" {
			return Result{Name: "backend_socket", Status: StatusFail, Error: errors.New("backend address is empty")}
		}
		if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
			return Result{Name: "backend_socket", Status: StatusFail, Error: fmt.Errorf("resolve %q: %w", addr, err)}
		}
		return Result{Name: "backend_socket", Status: StatusPass, Details: addr}
	})
}
