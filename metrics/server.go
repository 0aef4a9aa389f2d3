package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/maxpert/servicebus-go/interfaces"
)

// DefaultAddress is used when no metrics address is configured.
const DefaultAddress = ":9090"

// HealthFunc reports the current broker health.
type HealthFunc func() interfaces.HealthStatus

// Server provides an HTTP server for Prometheus metrics and health
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// NewHandler builds the metrics mux: /metrics, /health and an index page.
// /health answers 503 once the broker has stopped.
func NewHandler(collector *Collector, health HealthFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := interfaces.HealthStatus{Status: interfaces.HealthHealthy, Timestamp: time.Now()}
		if health != nil {
			status = health()
			collector.UpdateServerUptime(status.Uptime.Seconds())
		}
		w.Header().Set("Content-Type", "application/json")
		if status.Status == interfaces.HealthStopped {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Service Bus Emulator</title></head>
<body>
<h1>Service Bus Emulator</h1>
<ul>
<li><a href="/metrics">/metrics</a> - Prometheus metrics in text format</li>
<li><a href="/health">/health</a> - Broker health as JSON</li>
</ul>
</body>
</html>`))
	})
	return mux
}

// NewServer creates a new metrics HTTP server
func NewServer(addr string, collector *Collector, health HealthFunc) *Server {
	if addr == "" {
		addr = DefaultAddress
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewHandler(collector, health),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Listen binds the configured address. Serve must follow.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Serve blocks until Stop. It returns nil after a graceful stop.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the metrics HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}
