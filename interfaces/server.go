package interfaces

import (
	"context"
	"time"
)

// Health states reported by HealthStatus.Status
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthStopped  = "stopped"
)

// Service is a component the lifecycle manager starts and stops
type Service interface {
	// Start starts background work bound to ctx
	Start(ctx context.Context) error

	// Close stops background work and releases resources
	Close(ctx context.Context) error

	// Health returns the current health status
	Health() HealthStatus
}

// HealthStatus represents broker health information
type HealthStatus struct {
	Status       string        `json:"status"`
	Backend      string        `json:"backend"`
	Degraded     bool          `json:"degraded"`
	Uptime       time.Duration `json:"uptime"`
	Entities     int           `json:"entities"`
	LastLSN      uint64        `json:"lastLsn"`
	LastSnapshot time.Time     `json:"lastSnapshot,omitempty"`
	Errors       []string      `json:"errors,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}
