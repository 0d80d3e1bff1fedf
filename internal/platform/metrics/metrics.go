// Package metrics wires the OTLP gRPC metric pipeline and the concrete
// instruments this repo emits: handshake duration, key rotations, dropped
// frames, and the live count of sessions per phase (§4.3's "a counter is
// incremented for operational visibility", carried forward in SPEC_FULL.md's
// ambient observability stack regardless of the Non-goals, which bind
// feature scope, not instrumentation).
package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config governs OTLP metric exporter bootstrap.
type Config struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
	Environment string
	Interval    time.Duration
	Timeout     time.Duration
	Attributes  map[string]string
}

// Provider wraps the sdk provider with a shutdown hook.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	shutdown      func(context.Context) error
}

// New establishes an OTLP metric pipeline and registers it globally.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("metrics: service name is required")
	}

	resAttrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(buildVersion()),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	}
	for k, v := range cfg.Attributes {
		resAttrs = append(resAttrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx, resource.WithAttributes(resAttrs...))
	if err != nil {
		return nil, fmt.Errorf("metrics: create resource: %w", err)
	}

	var exp *otlpmetricgrpc.Exporter
	if cfg.Endpoint != "" {
		dialCtx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.Timeout))
		defer cancel()
		options := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithDialOption(grpc.WithBlock()),
		}
		if cfg.Insecure {
			options = append(options, otlpmetricgrpc.WithInsecure())
		} else {
			options = append(options, otlpmetricgrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
		}
		exp, err = otlpmetricgrpc.New(dialCtx, options...)
		if err != nil {
			return nil, fmt.Errorf("metrics: dial exporter: %w", err)
		}
	}

	options := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}
	if exp != nil {
		reader := sdkmetric.NewPeriodicReader(
			exp,
			sdkmetric.WithInterval(intervalOrDefault(cfg.Interval)),
		)
		options = append(options, sdkmetric.WithReader(reader))
	}

	provider := sdkmetric.NewMeterProvider(options...)
	otel.SetMeterProvider(provider)

	shutdown := func(ctx context.Context) error {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("metrics: provider shutdown: %w", err)
		}
		return nil
	}

	return &Provider{
		MeterProvider: provider,
		shutdown:      shutdown,
	}, nil
}

// Meter fetches named meter from global provider.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Shutdown closes the provider gracefully.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Instruments groups every metric a Session, the NAT engine, and the relay
// gateway report into. It is cheap to construct once per process and passed
// down by reference; every method tolerates a nil receiver so callers that
// run without a configured metrics pipeline (e.g. unit tests) need no
// special-casing.
type Instruments struct {
	handshakeDuration metric.Float64Histogram
	rotations         metric.Int64Counter
	droppedFrames     metric.Int64Counter
	backendTimeouts   metric.Int64Counter
	sessionPhase      metric.Int64UpDownCounter
}

// NewInstruments creates the ClawChat instrument set against the named
// meter, normally "clawchat.session" or "clawchat.relay".
func NewInstruments(meterName string) (*Instruments, error) {
	meter := Meter(meterName)

	handshakeDuration, err := meter.Float64Histogram(
		"clawchat.handshake.duration",
		metric.WithDescription("time from BEGIN_PUNCHING to ESTABLISHED"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: handshake duration histogram: %w", err)
	}

	rotations, err := meter.Int64Counter(
		"clawchat.rotations.total",
		metric.WithDescription("completed key rotations (§4.4)"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: rotations counter: %w", err)
	}

	droppedFrames, err := meter.Int64Counter(
		"clawchat.frames.dropped",
		metric.WithDescription("frames dropped for AEAD failure, replay, or protocol violation"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: dropped frames counter: %w", err)
	}

	backendTimeouts, err := meter.Int64Counter(
		"clawchat.relay.backend_timeouts",
		metric.WithDescription("relay gateway timeouts waiting on the local backend socket"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: backend timeout counter: %w", err)
	}

	sessionPhase, err := meter.Int64UpDownCounter(
		"clawchat.sessions.by_phase",
		metric.WithDescription("live session count, labeled by phase"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: session phase counter: %w", err)
	}

	return &Instruments{
		handshakeDuration: handshakeDuration,
		rotations:         rotations,
		droppedFrames:     droppedFrames,
		backendTimeouts:   backendTimeouts,
		sessionPhase:      sessionPhase,
	}, nil
}

// RecordHandshake reports the wall-clock time a hole-punch took to reach
// ESTABLISHED.
func (i *Instruments) RecordHandshake(ctx context.Context, d time.Duration) {
	if i == nil {
		return
	}
	i.handshakeDuration.Record(ctx, d.Seconds())
}

// RecordRotation increments the completed-rotation counter.
func (i *Instruments) RecordRotation(ctx context.Context) {
	if i == nil {
		return
	}
	i.rotations.Add(ctx, 1)
}

// RecordDroppedFrame increments the dropped-frame counter, labeled with the
// reason (e.g. "aead_fail", "replay_duplicate", "replay_stale").
func (i *Instruments) RecordDroppedFrame(ctx context.Context, reason string) {
	if i == nil {
		return
	}
	i.droppedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBackendTimeout increments the backend-unavailable counter.
func (i *Instruments) RecordBackendTimeout(ctx context.Context) {
	if i == nil {
		return
	}
	i.backendTimeouts.Add(ctx, 1)
}

// TransitionPhase decrements the previous phase's gauge and increments the
// new one's, keeping a live per-phase census of every session the process
// is driving.
func (i *Instruments) TransitionPhase(ctx context.Context, from, to string) {
	if i == nil {
		return
	}
	if from != "" {
		i.sessionPhase.Add(ctx, -1, metric.WithAttributes(attribute.String("phase", from)))
	}
	if to != "" {
		i.sessionPhase.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", to)))
	}
}

func intervalOrDefault(val time.Duration) time.Duration {
	if val <= 0 {
		return 15 * time.Second
	}
	return val
}

func timeoutOrDefault(val time.Duration) time.Duration {
	if val <= 0 {
		return 5 * time.Second
	}
	return val
}

func buildVersion() string {
	if v := os.Getenv("BUILD_VERSION"); v != "" {
		return v
	}
	return "dev"
}
