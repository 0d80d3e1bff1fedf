// Command clawchat-gateway is the server endpoint of §1: it publishes a
// RendezvousArtifact while idle, accepts the resulting hole-punched
// session, and relays decrypted APPLICATION frames to a local backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hipparchus2000/clawchat/internal/config"
	"github.com/hipparchus2000/clawchat/internal/platform/logging"
	"github.com/hipparchus2000/clawchat/internal/platform/metrics"
	"github.com/hipparchus2000/clawchat/internal/platform/policy"
	"github.com/hipparchus2000/clawchat/internal/platform/secrets"
	"github.com/hipparchus2000/clawchat/internal/platform/tracing"
	"github.com/hipparchus2000/clawchat/pkg/selfcheck"
)

func main() {
	fs := flag.NewFlagSet("clawchat-gateway", flag.ExitOnError)
	resolve := config.RegisterFlags(fs)
	logLevel := fs.String("log-level", "info", "log level")
	otelEndpoint := fs.String("otel-endpoint", "", "OTLP gRPC endpoint for metrics and traces; empty disables both")
	otelInsecure := fs.Bool("otel-insecure", true, "use an insecure OTLP gRPC connection")
	vaultAddr := fs.String("vault-address", "", "Vault address; when set with -vault-bootstrap-secret-path, overrides the flat-file bootstrap secret")
	vaultSecretPath := fs.String("vault-bootstrap-secret-path", "", "Vault KV v2 path holding the bootstrap secret")
	policyModulePath := fs.String("policy-module-path", "", "path to a rego module gating APPLICATION frames before relay; empty disables the policy hook")
	policyQuery := fs.String("policy-query", "data.clawchat.policy.allow", "rego query evaluated against each frame, see -policy-module-path")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(config.ExitBadConfig)
	}

	cfg, err := resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawchat-gateway: %v\n", err)
		os.Exit(config.ExitBadConfig)
	}

	if *vaultAddr != "" && *vaultSecretPath != "" {
		mgr, err := secrets.New(secrets.Config{Address: *vaultAddr})
		if err != nil {
			fmt.Fprintf(os.Stderr, "clawchat-gateway: vault init: %v\n", err)
			os.Exit(config.ExitBadConfig)
		}
		secret, err := mgr.GetBootstrapSecret(context.Background(), *vaultSecretPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "clawchat-gateway: vault fetch bootstrap secret: %v\n", err)
			os.Exit(config.ExitBadConfig)
		}
		cfg.BootstrapSecret = secret
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "clawchat-gateway: %v\n", err)
			os.Exit(config.ExitBadConfig)
		}
	}

	logger, cleanup, err := logging.Global(logging.Config{
		ServiceName:    "clawchat-gateway",
		Environment:    "dev",
		Level:          *logLevel,
		RedactionRules: logging.DefaultRedactionRules(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawchat-gateway: logger init: %v\n", err)
		os.Exit(config.ExitBadConfig)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = cleanup(ctx)
	}()

	checker := selfcheck.NewChecker(
		selfcheck.CryptoRoundTrip(),
		selfcheck.RendezvousPathWritable(cfg.RendezvousPath),
		selfcheck.BackendSocketConfigured(cfg.BackendUDPAddr()),
	)
	summary := checker.Evaluate(context.Background())
	for _, result := range summary.Results {
		logger.Info("self-check", zap.String("name", result.Name), zap.String("status", string(result.Status)), zap.String("details", result.Details))
	}
	if !summary.Healthy() {
		logger.Error("self-check failed", zap.Error(summary.Error()))
		os.Exit(config.ExitCryptoInitFailure)
	}

	var instruments *metrics.Instruments
	if *otelEndpoint != "" {
		metricsProvider, err := metrics.New(context.Background(), metrics.Config{
			Endpoint:    *otelEndpoint,
			Insecure:    *otelInsecure,
			ServiceName: "clawchat-gateway",
			Environment: "dev",
		})
		if err != nil {
			logger.Error("metrics init failed", zap.Error(err))
			os.Exit(config.ExitBadConfig)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = metricsProvider.Shutdown(ctx)
		}()

		instruments, err = metrics.NewInstruments("clawchat.gateway")
		if err != nil {
			logger.Error("metrics instrument init failed", zap.Error(err))
			os.Exit(config.ExitBadConfig)
		}

		tracingProvider, err := tracing.New(context.Background(), tracing.Config{
			Endpoint:    *otelEndpoint,
			Insecure:    *otelInsecure,
			ServiceName: "clawchat-gateway",
			Environment: "dev",
		})
		if err != nil {
			logger.Error("tracing init failed", zap.Error(err))
			os.Exit(config.ExitBadConfig)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = tracingProvider.Shutdown(ctx)
		}()
	}

	var policyEngine *policy.Engine
	if *policyModulePath != "" {
		moduleBytes, err := os.ReadFile(*policyModulePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "clawchat-gateway: read policy module: %v\n", err)
			os.Exit(config.ExitBadConfig)
		}
		policyEngine, err = policy.New(context.Background(), policy.Config{
			Query:   *policyQuery,
			Modules: map[string]string{*policyModulePath: string(moduleBytes)},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "clawchat-gateway: compile policy module: %v\n", err)
			os.Exit(config.ExitBadConfig)
		}
		logger.Info("policy hook enabled", zap.String("module", *policyModulePath), zap.String("query", *policyQuery))
	}

	srv, err := newServer(cfg, logger, instruments, policyEngine)
	if err != nil {
		logger.Error("gateway init failed", zap.Error(err))
		os.Exit(config.ExitBindFailure)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	logger.Info("gateway listening", zap.String("public_addr", cfg.PublicBindUDPAddr()), zap.String("backend_addr", cfg.BackendUDPAddr()))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("gateway run loop exited", zap.Error(err))
		}
	}
	logger.Info("gateway stopped")
}
