package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/servicebus-go/interfaces"
)

// DefaultShutdownTimeout bounds Stop when the caller's context has no deadline.
const DefaultShutdownTimeout = 30 * time.Second

// LifecycleState represents the current state of the server
type LifecycleState int

const (
	StateStopped LifecycleState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s LifecycleState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// LifecycleHook is started in priority order and stopped in reverse
type LifecycleHook struct {
	Name     string
	OnStart  func(ctx context.Context) error
	OnStop   func(ctx context.Context) error
	OnError  func(err error)
	Priority int // Lower numbers execute first
}

// LifecycleManager runs the server's components through start and stop
type LifecycleManager struct {
	stateMutex sync.RWMutex
	state      LifecycleState
	startTime  time.Time
	stopTime   time.Time
	lastError  error
	hooks      []LifecycleHook
	started    int
	cancel     context.CancelFunc

	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(logger *zap.Logger, shutdownTimeout time.Duration) *LifecycleManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &LifecycleManager{
		state:           StateStopped,
		hooks:           make([]LifecycleHook, 0),
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}
}

// RegisterHook registers a lifecycle hook
func (lm *LifecycleManager) RegisterHook(hook LifecycleHook) {
	lm.stateMutex.Lock()
	defer lm.stateMutex.Unlock()

	lm.hooks = append(lm.hooks, hook)
	sort.SliceStable(lm.hooks, func(i, j int) bool {
		return lm.hooks[i].Priority < lm.hooks[j].Priority
	})
}

// GetState returns the current lifecycle state
func (lm *LifecycleManager) GetState() LifecycleState {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()
	return lm.state
}

func (lm *LifecycleManager) setState(state LifecycleState) {
	lm.stateMutex.Lock()
	defer lm.stateMutex.Unlock()
	lm.state = state
}

// GetUptime returns how long the server has been running
func (lm *LifecycleManager) GetUptime() time.Duration {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()

	if lm.state == StateRunning {
		return time.Since(lm.startTime)
	}
	if !lm.stopTime.IsZero() {
		return lm.stopTime.Sub(lm.startTime)
	}
	return 0
}

// GetLastError returns the last error that occurred during lifecycle operations
func (lm *LifecycleManager) GetLastError() error {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()
	return lm.lastError
}

// Start runs every OnStart hook. Hooks receive a context that lives until
// Stop, so they may bind background work to it. When a hook fails the hooks
// already started are stopped again.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.stateMutex.Lock()
	if !canTransition(lm.state, StateStarting) {
		state := lm.state
		lm.stateMutex.Unlock()
		return fmt.Errorf("cannot start server in state: %s", state)
	}
	lm.state = StateStarting
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lm.cancel = cancel
	lm.startTime = time.Now()
	lm.stopTime = time.Time{}
	lm.lastError = nil
	lm.started = 0
	hooks := append([]LifecycleHook(nil), lm.hooks...)
	lm.stateMutex.Unlock()

	for i, hook := range hooks {
		if hook.OnStart == nil {
			lm.markStarted(i + 1)
			continue
		}
		if err := hook.OnStart(runCtx); err != nil {
			err = fmt.Errorf("start hook '%s' failed: %w", hook.Name, err)
			lm.logger.Error("Server start failed", zap.String("hook", hook.Name), zap.Error(err))
			shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), lm.shutdownTimeout)
			lm.stopHooks(shutdownCtx, hooks[:i])
			shutdownCancel()
			cancel()
			lm.markStarted(0)
			lm.setError(err)
			return err
		}
		lm.markStarted(i + 1)
	}

	lm.setState(StateRunning)
	lm.logger.Info("Server started", zap.Int("components", len(hooks)))
	return nil
}

func (lm *LifecycleManager) markStarted(n int) {
	lm.stateMutex.Lock()
	lm.started = n
	lm.stateMutex.Unlock()
}

// Stop runs the OnStop hooks of started components in reverse order. Hook
// failures are reported through OnError and joined into the result.
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	lm.stateMutex.Lock()
	current := lm.state
	if current == StateStopped {
		lm.stateMutex.Unlock()
		return nil
	}
	if !canTransition(current, StateStopping) {
		lm.stateMutex.Unlock()
		return fmt.Errorf("cannot stop server in state: %s", current)
	}
	lm.state = StateStopping
	lm.stopTime = time.Now()
	hooks := append([]LifecycleHook(nil), lm.hooks[:lm.started]...)
	lm.started = 0
	cancel := lm.cancel
	lm.stateMutex.Unlock()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, lm.shutdownTimeout)
	defer shutdownCancel()

	err := lm.stopHooks(shutdownCtx, hooks)
	if cancel != nil {
		cancel()
	}
	lm.setState(StateStopped)
	lm.logger.Info("Server stopped", zap.Duration("uptime", lm.GetUptime()), zap.Error(err))
	return err
}

func (lm *LifecycleManager) stopHooks(ctx context.Context, hooks []LifecycleHook) error {
	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		if hook.OnStop == nil {
			continue
		}
		if err := hook.OnStop(ctx); err != nil {
			err = fmt.Errorf("stop hook '%s' failed: %w", hook.Name, err)
			if hook.OnError != nil {
				hook.OnError(err)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Health returns the lifecycle part of the server health
func (lm *LifecycleManager) Health() interfaces.HealthStatus {
	state := lm.GetState()
	status := interfaces.HealthStatus{
		Uptime:    lm.GetUptime(),
		Timestamp: time.Now(),
	}

	switch state {
	case StateRunning:
		status.Status = interfaces.HealthHealthy
	case StateStopped:
		status.Status = interfaces.HealthStopped
	case StateError:
		status.Status = "unhealthy"
		if err := lm.GetLastError(); err != nil {
			status.Errors = []string{err.Error()}
		}
	default:
		status.Status = state.String()
	}
	return status
}

func canTransition(current, target LifecycleState) bool {
	switch target {
	case StateStarting:
		return current == StateStopped || current == StateError
	case StateRunning:
		return current == StateStarting
	case StateStopping:
		return current == StateStarting || current == StateRunning || current == StateError
	case StateStopped:
		return current == StateStopping
	case StateError:
		return true
	default:
		return false
	}
}

// setError sets the error state and notifies every hook
func (lm *LifecycleManager) setError(err error) {
	lm.stateMutex.Lock()
	lm.state = StateError
	lm.lastError = err
	hooks := append([]LifecycleHook(nil), lm.hooks...)
	lm.stateMutex.Unlock()

	for _, hook := range hooks {
		if hook.OnError != nil {
			hook.OnError(err)
		}
	}
}
