// Package config loads the process-level configuration of spec §6.4 from
// flags and environment variables, grounded in the teacher's flag-based
// cmd/agent/main.go and cmd/gateway/main.go plus the pack's SAGE-X-project-
// sage config package for the environment-variable-override idiom. Typed
// defaults match §6.4 exactly.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Exit codes distinguish the startup failure categories of §6.4.
const (
	ExitOK                  = 0
	ExitBadConfig           = 1
	ExitBindFailure         = 2
	ExitCryptoInitFailure   = 3
	ExitBackendUnreachable  = 4
)

// Env variable names recognized alongside their flag equivalents.
const (
	EnvBootstrapSecret   = "CLAWCHAT_BOOTSTRAP_SECRET"
	EnvBootstrapFile     = "CLAWCHAT_BOOTSTRAP_SECRET_FILE"
	EnvRendezvousPath    = "CLAWCHAT_RENDEZVOUS_PATH"
	EnvPublicBindAddress = "CLAWCHAT_PUBLIC_BIND_ADDRESS"
	EnvPublicBindPort    = "CLAWCHAT_PUBLIC_BIND_PORT"
	EnvBackendAddress    = "CLAWCHAT_BACKEND_ADDRESS"
	EnvBackendPort       = "CLAWCHAT_BACKEND_PORT"
)

// DefaultRendezvousFileName implements §6.1's "fixed name ... defaulting to
// a form containing 'clawchat-current'".
const DefaultRendezvousFileName = "clawchat-current.rdv"

// Defaults mirror §6.4 exactly.
const (
	DefaultRotationInterval = 3600 * time.Second
	DefaultGraceInterval    = 300 * time.Second
	DefaultArtifactValidity = 660 * time.Second
	DefaultArtifactRegen    = 600 * time.Second
	DefaultBackendAddress   = "127.0.0.1"
	DefaultBackendPort      = 55556
	DefaultPublicBindAddr   = "0.0.0.0"
	EphemeralPort           = "ephemeral"
)

// ErrBadConfig wraps every validation failure so callers can map it to
// ExitBadConfig without inspecting message text.
var ErrBadConfig = errors.New("config: invalid configuration")

// Config is the fully resolved, validated process configuration of §6.4.
type Config struct {
	BootstrapSecret        []byte
	RendezvousPath         string
	PublicBindAddress      string
	PublicBindPort         int // 0 means ephemeral
	BackendAddress         string
	BackendPort            int
	RotationInterval       time.Duration
	GraceInterval          time.Duration
	ArtifactValidity       time.Duration
	ArtifactRegenInterval  time.Duration
	ServerIdentifier       string
}

// BackendUDPAddr renders the configured backend endpoint for net.ResolveUDPAddr.
func (c Config) BackendUDPAddr() string {
	return fmt.Sprintf("%s:%d", c.BackendAddress, c.BackendPort)
}

// PublicBindUDPAddr renders the configured public bind endpoint. An
// ephemeral port is encoded as ":0", letting net.ListenUDP pick one.
func (c Config) PublicBindUDPAddr() string {
	return fmt.Sprintf("%s:%d", c.PublicBindAddress, c.PublicBindPort)
}

// flagSpec is shared between the agent and gateway binaries so both expose
// the same flag names for the options §6.4 says both read.
type flagSpec struct {
	bootstrapSecret string
	bootstrapFile   string
	rendezvousPath  string
	publicAddr      string
	publicPort      string
	backendAddr     string
	backendPort     int
	rotationSeconds uint
	graceSeconds    uint
	validitySeconds uint
	regenSeconds    uint
	serverID        string
}

// RegisterFlags adds the §6.4 options to fs, returning a handle Resolve
// uses to build the validated Config once fs.Parse has run.
func RegisterFlags(fs *flag.FlagSet) func() (Config, error) {
	spec := &flagSpec{}
	fs.StringVar(&spec.bootstrapSecret, "bootstrap-secret", "", "32-byte bootstrap secret (hex or raw); overrides "+EnvBootstrapSecret)
	fs.StringVar(&spec.bootstrapFile, "bootstrap-secret-file", "", "path to a file holding the bootstrap secret; overrides "+EnvBootstrapFile)
	fs.StringVar(&spec.rendezvousPath, "rendezvous-path", "", "filesystem path for the rendezvous artifact")
	fs.StringVar(&spec.publicAddr, "public-bind-address", DefaultPublicBindAddr, "address for the public UDP socket")
	fs.StringVar(&spec.publicPort, "public-bind-port", EphemeralPort, "UDP port to bind, or \"ephemeral\"")
	fs.StringVar(&spec.backendAddr, "backend-address", DefaultBackendAddress, "local backend UDP address")
	fs.IntVar(&spec.backendPort, "backend-port", DefaultBackendPort, "local backend UDP port")
	fs.UintVar(&spec.rotationSeconds, "rotation-interval-seconds", uint(DefaultRotationInterval.Seconds()), "key rotation interval in seconds")
	fs.UintVar(&spec.graceSeconds, "grace-interval-seconds", uint(DefaultGraceInterval.Seconds()), "dual-key/dual-socket grace interval in seconds")
	fs.UintVar(&spec.validitySeconds, "artifact-validity-seconds", uint(DefaultArtifactValidity.Seconds()), "rendezvous artifact validity window in seconds")
	fs.UintVar(&spec.regenSeconds, "artifact-regen-seconds", uint(DefaultArtifactRegen.Seconds()), "rendezvous artifact regeneration cadence in seconds")
	fs.StringVar(&spec.serverID, "server-identifier", "", "optional operator-facing server identifier embedded in the artifact")

	return func() (Config, error) {
		return resolve(spec)
	}
}

func resolve(spec *flagSpec) (Config, error) {
	secret, err := resolveBootstrapSecret(spec.bootstrapSecret, spec.bootstrapFile)
	if err != nil {
		return Config{}, err
	}

	rendezvousPath := firstNonEmpty(spec.rendezvousPath, os.Getenv(EnvRendezvousPath), DefaultRendezvousFileName)

	publicAddr := firstNonEmpty(spec.publicAddr, os.Getenv(EnvPublicBindAddress), DefaultPublicBindAddr)
	publicPortStr := firstNonEmpty(spec.publicPort, os.Getenv(EnvPublicBindPort), EphemeralPort)
	publicPort, err := parsePort(publicPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("%w: public_bind_port: %v", ErrBadConfig, err)
	}

	backendAddr := firstNonEmpty(spec.backendAddr, os.Getenv(EnvBackendAddress), DefaultBackendAddress)
	backendPort := spec.backendPort
	if backendPort == 0 {
		if raw := os.Getenv(EnvBackendPort); raw != "" {
			port, err := strconv.Atoi(raw)
			if err != nil {
				return Config{}, fmt.Errorf("%w: %s: %v", ErrBadConfig, EnvBackendPort, err)
			}
			backendPort = port
		} else {
			backendPort = DefaultBackendPort
		}
	}

	cfg := Config{
		BootstrapSecret:       secret,
		RendezvousPath:        rendezvousPath,
		PublicBindAddress:     publicAddr,
		PublicBindPort:        publicPort,
		BackendAddress:        backendAddr,
		BackendPort:           backendPort,
		RotationInterval:      time.Duration(spec.rotationSeconds) * time.Second,
		GraceInterval:         time.Duration(spec.graceSeconds) * time.Second,
		ArtifactValidity:      time.Duration(spec.validitySeconds) * time.Second,
		ArtifactRegenInterval: time.Duration(spec.regenSeconds) * time.Second,
		ServerIdentifier:      spec.serverID,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants Resolve cannot enforce while still parsing
// individual fields (e.g. cross-field bounds from §3/§4.7).
func (c Config) Validate() error {
	if len(c.BootstrapSecret) != 32 {
		return fmt.Errorf("%w: bootstrap secret must be 32 bytes, got %d", ErrBadConfig, len(c.BootstrapSecret))
	}
	if c.RendezvousPath == "" {
		return fmt.Errorf("%w: rendezvous_path is required", ErrBadConfig)
	}
	if c.BackendPort <= 0 || c.BackendPort > 65535 {
		return fmt.Errorf("%w: backend_port out of range: %d", ErrBadConfig, c.BackendPort)
	}
	if c.ArtifactValidity <= 0 || c.ArtifactValidity > 11*time.Minute {
		return fmt.Errorf("%w: artifact_validity_seconds must be in (0, 660]", ErrBadConfig)
	}
	if c.ArtifactRegenInterval <= 0 {
		return fmt.Errorf("%w: artifact_regen_seconds must be positive", ErrBadConfig)
	}
	if c.RotationInterval <= 0 {
		return fmt.Errorf("%w: rotation_interval_seconds must be positive", ErrBadConfig)
	}
	if c.GraceInterval <= 0 {
		return fmt.Errorf("%w: grace_interval_seconds must be positive", ErrBadConfig)
	}
	if _, err := netip.ParseAddr(normalizeWildcard(c.PublicBindAddress)); err != nil {
		return fmt.Errorf("%w: public_bind_address: %v", ErrBadConfig, err)
	}
	return nil
}

func normalizeWildcard(addr string) string {
	if addr == "" {
		return "0.0.0.0"
	}
	return addr
}

func resolveBootstrapSecret(flagValue, flagFile string) ([]byte, error) {
	if flagFile != "" {
		return readSecretFile(flagFile)
	}
	if flagValue != "" {
		return decodeSecret(flagValue)
	}
	if env := os.Getenv(EnvBootstrapSecret); env != "" {
		return decodeSecret(env)
	}
	if path := os.Getenv(EnvBootstrapFile); path != "" {
		return readSecretFile(path)
	}
	return nil, fmt.Errorf("%w: bootstrap secret not provided via flag, file, or %s/%s", ErrBadConfig, EnvBootstrapSecret, EnvBootstrapFile)
}

func readSecretFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat bootstrap secret file: %v", ErrBadConfig, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: bootstrap secret file %q must not be group- or world-accessible", ErrBadConfig, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read bootstrap secret file: %v", ErrBadConfig, err)
	}
	return decodeSecret(strings.TrimSpace(string(raw)))
}

// decodeSecret accepts either a 64-character hex string or 32 raw bytes, so
// an operator can drop either form into an env var or file.
func decodeSecret(value string) ([]byte, error) {
	if len(value) == 64 {
		if decoded, err := hexDecode(value); err == nil {
			return decoded, nil
		}
	}
	if len(value) == 32 {
		return []byte(value), nil
	}
	return nil, fmt.Errorf("%w: bootstrap secret must be 32 raw bytes or 64 hex characters, got %d bytes", ErrBadConfig, len(value))
}

func hexDecode(s string) ([]byte, error) {
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

func parsePort(value string) (int, error) {
	if strings.EqualFold(value, EphemeralPort) {
		return 0, nil
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("must be an integer port or %q: %w", EphemeralPort, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
