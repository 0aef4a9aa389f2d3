// Package server assembles a runnable emulator process: configuration,
// logger, broker, entity provisioning and the metrics endpoint, driven by
// a lifecycle manager.
package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/maxpert/servicebus-go/broker"
	"github.com/maxpert/servicebus-go/config"
	"github.com/maxpert/servicebus-go/interfaces"
	"github.com/maxpert/servicebus-go/metrics"
)

// Server is a configured emulator process
type Server struct {
	Config        *config.Config
	Log           *zap.Logger
	Broker        *broker.Broker
	Metrics       *metrics.Collector
	MetricsServer *metrics.Server
	Lifecycle     *LifecycleManager
}

func (s *Server) registerHooks() {
	s.Lifecycle.RegisterHook(LifecycleHook{
		Name:     "broker",
		Priority: 0,
		OnStart: func(ctx context.Context) error {
			if err := s.Broker.Start(ctx); err != nil {
				return err
			}
			return s.Broker.Provision(ctx, s.Config.Entities)
		},
		OnStop: s.Broker.Close,
		OnError: func(err error) {
			s.Log.Warn("Broker lifecycle error", zap.Error(err))
		},
	})

	if s.MetricsServer == nil {
		return
	}
	s.Lifecycle.RegisterHook(LifecycleHook{
		Name:     "metrics",
		Priority: 10,
		OnStart: func(ctx context.Context) error {
			if err := s.MetricsServer.Listen(); err != nil {
				return err
			}
			go func() {
				if err := s.MetricsServer.Serve(); err != nil {
					s.Log.Error("Metrics server failed", zap.Error(err))
				}
			}()
			s.Log.Info("Metrics endpoint listening", zap.String("address", s.MetricsServer.Addr()))
			return nil
		},
		OnStop: s.MetricsServer.Stop,
	})
}

// Start starts the broker, provisions configured entities and opens the
// metrics endpoint when enabled.
func (s *Server) Start(ctx context.Context) error {
	return s.Lifecycle.Start(ctx)
}

// Stop stops every component and closes the broker, also when the server
// was built but never started.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.Lifecycle.Stop(ctx); err != nil {
		return err
	}
	return s.Broker.Close(ctx)
}

// Run starts the server and blocks until ctx is cancelled, then stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Log.Info("Shutdown requested")
	return s.Stop(context.WithoutCancel(ctx))
}

// Health combines broker health with the lifecycle state.
func (s *Server) Health() interfaces.HealthStatus {
	status := s.Broker.Health()
	life := s.Lifecycle.Health()
	switch life.Status {
	case interfaces.HealthHealthy:
	default:
		if status.Status != interfaces.HealthStopped {
			status.Status = life.Status
		}
		status.Errors = append(status.Errors, life.Errors...)
	}
	return status
}
