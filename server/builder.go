package server

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maxpert/servicebus-go/broker"
	"github.com/maxpert/servicebus-go/config"
	"github.com/maxpert/servicebus-go/interfaces"
	"github.com/maxpert/servicebus-go/metrics"
)

// ServerBuilder provides a fluent API for building emulator servers
type ServerBuilder struct {
	config          *config.Config
	logger          *zap.Logger
	backend         interfaces.Backend
	tracer          trace.Tracer
	clock           func() time.Time
	shutdownTimeout time.Duration
}

// NewServerBuilder creates a new server builder with default configuration
func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{config: config.DefaultConfig()}
}

// NewServerBuilderWithConfig creates a server builder with the given configuration
func NewServerBuilderWithConfig(cfg *config.Config) *ServerBuilder {
	return &ServerBuilder{config: cfg}
}

// WithConfig sets the server configuration
func (b *ServerBuilder) WithConfig(cfg *config.Config) *ServerBuilder {
	b.config = cfg
	return b
}

// WithLogger sets the logger
func (b *ServerBuilder) WithLogger(logger *zap.Logger) *ServerBuilder {
	b.logger = logger
	return b
}

// WithZapLogger creates a logger with the specified level
func (b *ServerBuilder) WithZapLogger(level string) *ServerBuilder {
	logger, err := NewLogger(level, "")
	if err != nil {
		// Fallback to a basic logger if configuration fails
		logger, _ = zap.NewProduction()
	}
	b.logger = logger
	return b
}

// WithBackend uses backend instead of opening the configured one
func (b *ServerBuilder) WithBackend(backend interfaces.Backend) *ServerBuilder {
	b.backend = backend
	return b
}

// WithMemoryStorage selects the in-process memory backend
func (b *ServerBuilder) WithMemoryStorage() *ServerBuilder {
	b.config = config.FromConfig(b.config).WithMemoryPersistence().BuildUnsafe()
	return b
}

// WithMetrics enables the metrics endpoint on address
func (b *ServerBuilder) WithMetrics(address string) *ServerBuilder {
	b.config = config.FromConfig(b.config).WithMetrics(address).BuildUnsafe()
	return b
}

// WithTracer sets the tracer for broker spans
func (b *ServerBuilder) WithTracer(tracer trace.Tracer) *ServerBuilder {
	b.tracer = tracer
	return b
}

// WithClock sets the broker clock
func (b *ServerBuilder) WithClock(clock func() time.Time) *ServerBuilder {
	b.clock = clock
	return b
}

// WithShutdownTimeout bounds graceful shutdown
func (b *ServerBuilder) WithShutdownTimeout(timeout time.Duration) *ServerBuilder {
	b.shutdownTimeout = timeout
	return b
}

// Build validates the configuration, opens and recovers the broker and
// wires telemetry. The server is returned stopped.
func (b *ServerBuilder) Build(ctx context.Context) (*Server, error) {
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := b.logger
	if logger == nil {
		var err error
		logger, err = NewLogger(b.config.Log.Level, b.config.Log.File)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	opts := []broker.Option{broker.WithLogger(logger.Named("broker"))}
	if b.backend != nil {
		opts = append(opts, broker.WithBackend(b.backend))
	}
	if b.tracer != nil {
		opts = append(opts, broker.WithTracer(b.tracer))
	}
	if b.clock != nil {
		opts = append(opts, broker.WithClock(b.clock))
	}

	var collector *metrics.Collector
	if b.config.Telemetry.MetricsEnabled {
		collector = metrics.NewCollector(metrics.DefaultNamespace)
		opts = append(opts, broker.WithRecorder(collector))
	}

	brk, err := broker.New(ctx, b.config, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open broker: %w", err)
	}

	s := &Server{
		Config:    b.config,
		Log:       logger,
		Broker:    brk,
		Metrics:   collector,
		Lifecycle: NewLifecycleManager(logger, b.shutdownTimeout),
	}
	if collector != nil {
		s.MetricsServer = metrics.NewServer(b.config.Telemetry.MetricsAddress, collector, s.Health)
	}
	s.registerHooks()

	stats := brk.Recovery()
	logger.Info("Server built",
		zap.String("name", b.config.Broker.Name),
		zap.String("backend", stats.Backend),
		zap.Int("entities_recovered", stats.SnapshotEntities),
		zap.Int("records_replayed", stats.RecordsReplayed),
		zap.Bool("metrics", collector != nil))
	return s, nil
}
