package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLifecycleStateString(t *testing.T) {
	states := map[LifecycleState]string{
		StateStopped:  "stopped",
		StateStarting: "starting",
		StateRunning:  "running",
		StateStopping: "stopping",
		StateError:    "error",
	}

	for state, expected := range states {
		assert.Equal(t, expected, state.String())
	}

	unknownState := LifecycleState(999)
	assert.Equal(t, "unknown", unknownState.String())
}

func TestRegisterHook(t *testing.T) {
	lm := NewLifecycleManager(nil, 0)

	lm.RegisterHook(LifecycleHook{Name: "hook1", Priority: 10})
	lm.RegisterHook(LifecycleHook{Name: "hook2", Priority: 5})
	lm.RegisterHook(LifecycleHook{Name: "hook3", Priority: 15})

	// Hooks should be sorted by priority (ascending)
	require.Len(t, lm.hooks, 3)
	assert.Equal(t, "hook2", lm.hooks[0].Name)
	assert.Equal(t, "hook1", lm.hooks[1].Name)
	assert.Equal(t, "hook3", lm.hooks[2].Name)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from          LifecycleState
		to            LifecycleState
		canTransition bool
	}{
		{StateStopped, StateStarting, true},
		{StateStopped, StateRunning, false},
		{StateStarting, StateRunning, true},
		{StateStarting, StateStopping, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateError, StateStopping, true},
		{StateError, StateStarting, true},
		{StateRunning, StateStarting, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.canTransition, canTransition(tt.from, tt.to),
			"transition from %s to %s should be %v", tt.from, tt.to, tt.canTransition)
	}
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

func (c *callLog) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func recordingHook(log *callLog, name string, priority int, startErr error) LifecycleHook {
	return LifecycleHook{
		Name:     name,
		Priority: priority,
		OnStart: func(ctx context.Context) error {
			log.add("start " + name)
			return startErr
		},
		OnStop: func(ctx context.Context) error {
			log.add("stop " + name)
			return nil
		},
	}
}

func TestLifecycleHookOrder(t *testing.T) {
	lm := NewLifecycleManager(zaptest.NewLogger(t), time.Second)
	log := &callLog{}
	lm.RegisterHook(recordingHook(log, "metrics", 10, nil))
	lm.RegisterHook(recordingHook(log, "broker", 0, nil))

	require.NoError(t, lm.Start(context.Background()))
	assert.Equal(t, StateRunning, lm.GetState())

	require.NoError(t, lm.Stop(context.Background()))
	assert.Equal(t, StateStopped, lm.GetState())

	assert.Equal(t, []string{"start broker", "start metrics", "stop metrics", "stop broker"}, log.get())

	// Stopping twice is a no-op
	assert.NoError(t, lm.Stop(context.Background()))
}

func TestLifecycleStartFailureStopsStartedHooks(t *testing.T) {
	lm := NewLifecycleManager(zaptest.NewLogger(t), time.Second)
	log := &callLog{}
	var notified error
	lm.RegisterHook(recordingHook(log, "broker", 0, nil))
	failing := recordingHook(log, "metrics", 10, errors.New("address in use"))
	failing.OnError = func(err error) { notified = err }
	lm.RegisterHook(failing)

	err := lm.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start hook 'metrics' failed")
	assert.Equal(t, StateError, lm.GetState())
	assert.Equal(t, err, lm.GetLastError())
	assert.Equal(t, err, notified)

	assert.Equal(t, []string{"start broker", "start metrics", "stop broker"}, log.get())

	health := lm.Health()
	assert.Equal(t, "unhealthy", health.Status)
	assert.NotEmpty(t, health.Errors)

	// Stop after a failed start does not stop anything twice
	require.NoError(t, lm.Stop(context.Background()))
	assert.Len(t, log.get(), 3)
}

func TestLifecycleHookContextOutlivesStart(t *testing.T) {
	lm := NewLifecycleManager(nil, time.Second)
	var runCtx context.Context
	lm.RegisterHook(LifecycleHook{
		Name: "worker",
		OnStart: func(ctx context.Context) error {
			runCtx = ctx
			return nil
		},
	})

	startCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, lm.Start(startCtx))
	cancel()
	assert.NoError(t, runCtx.Err())

	require.NoError(t, lm.Stop(context.Background()))
	assert.Error(t, runCtx.Err())
}

func TestLifecycleStopJoinsErrors(t *testing.T) {
	lm := NewLifecycleManager(nil, time.Second)
	var reported []error
	for _, name := range []string{"a", "b"} {
		lm.RegisterHook(LifecycleHook{
			Name:    name,
			OnStop:  func(ctx context.Context) error { return errors.New(name + " failed") },
			OnError: func(err error) { reported = append(reported, err) },
		})
	}

	require.NoError(t, lm.Start(context.Background()))
	err := lm.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")
	assert.Len(t, reported, 2)
	assert.Equal(t, StateStopped, lm.GetState())
}

func TestLifecycleStartTwice(t *testing.T) {
	lm := NewLifecycleManager(nil, 0)
	require.NoError(t, lm.Start(context.Background()))

	err := lm.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start server in state: running")
	require.NoError(t, lm.Stop(context.Background()))
}

func TestGetUptime(t *testing.T) {
	lm := NewLifecycleManager(nil, 0)

	// Initially no uptime
	assert.Equal(t, time.Duration(0), lm.GetUptime())

	lm.startTime = time.Now().Add(-5 * time.Minute)
	lm.setState(StateRunning)

	uptime := lm.GetUptime()
	assert.True(t, uptime >= 4*time.Minute && uptime <= 6*time.Minute)

	lm.stopTime = lm.startTime.Add(3 * time.Minute)
	lm.setState(StateStopped)
	assert.Equal(t, 3*time.Minute, lm.GetUptime())
}

func TestLifecycleHealth(t *testing.T) {
	lm := NewLifecycleManager(nil, 0)

	tests := []struct {
		state          LifecycleState
		expectedStatus string
	}{
		{StateRunning, "healthy"},
		{StateStarting, "starting"},
		{StateStopping, "stopping"},
		{StateStopped, "stopped"},
	}

	for _, tt := range tests {
		lm.setState(tt.state)
		health := lm.Health()
		assert.Equal(t, tt.expectedStatus, health.Status)
		assert.NotZero(t, health.Timestamp)
	}
}

func TestDefaultShutdownTimeout(t *testing.T) {
	assert.Equal(t, DefaultShutdownTimeout, NewLifecycleManager(nil, 0).shutdownTimeout)
	assert.Equal(t, 5*time.Second, NewLifecycleManager(nil, 5*time.Second).shutdownTimeout)
}
