// Command clawchat-agent is the client endpoint of §1: it reads a
// RendezvousArtifact published by a clawchat-gateway, punches through NAT
// to reach it, and drives an interactive session over the resulting
// encrypted channel.
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
)

func main() {
	fs := flag.NewFlagSet("clawchat-agent", flag.ExitOnError)
	resolve := config.RegisterFlags(fs)
	reflectors := fs.String("stun-reflectors", "", "comma-separated STUN reflector addresses for symmetric-NAT detection")
	logLevel := fs.String("log-level", "info", "log level")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(config.ExitBadConfig)
	}

	cfg, err := resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawchat-agent: %v\n", err)
		os.Exit(config.ExitBadConfig)
	}

	logger, cleanup, err := logging.Global(logging.Config{
		ServiceName:    "clawchat-agent",
		Environment:    "dev",
		Level:          *logLevel,
		RedactionRules: logging.DefaultRedactionRules(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "clawchat-agent: logger init: %v\n", err)
		os.Exit(config.ExitBadConfig)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = cleanup(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newClient(cfg, splitReflectors(*reflectors), logger)
	if err != nil {
		logger.Error("agent init failed", zap.Error(err))
		os.Exit(config.ExitCryptoInitFailure)
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		logger.Error("handshake failed", zap.Error(err))
		os.Exit(config.ExitBindFailure)
	}
	logger.Info("session established",
		zap.String("connection_id", client.sess.ConnectionID().String()),
		zap.String("remote", client.remote.String()),
	)

	if err := client.Run(ctx); err != nil {
		logger.Error("session loop exited with error", zap.Error(err))
		os.Exit(config.ExitBackendUnreachable)
	}
	logger.Info("agent shutting down")
}

func splitReflectors(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
