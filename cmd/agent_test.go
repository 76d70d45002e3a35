package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/wake/internal/daemon"
	"github.com/joescharf/wake/internal/synchronizer"
)

func TestLockFile_Path(t *testing.T) {
	dir := testEnv(t)

	assert.Equal(t, filepath.Join(dir, "agent.pid"), lockFile().Path)
	assert.Equal(t, filepath.Join(dir, "agent.log"), agentLogPath())
}

func TestAgentStatusRun_NotRunning(t *testing.T) {
	testEnv(t)
	out := captureUI(t)

	require.NoError(t, agentStatusRun())
	assert.Contains(t, out.String(), "not running")
}

func TestAgentStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	err := agentStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestAgentStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)
	out := captureUI(t)

	// The test process itself holds the lock and is alive.
	lock := daemon.NewLock(filepath.Join(dir, "agent.pid"))
	require.NoError(t, lock.Acquire("ctx-test"))
	t.Cleanup(func() { _ = lock.Release() })

	err := agentStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, agentStatusRun())
	assert.Contains(t, out.String(), "ctx-test")
}

func TestAcquireAgent(t *testing.T) {
	dir := testEnv(t)
	captureUI(t)

	lock := daemon.NewLock(filepath.Join(dir, "agent.pid"))
	assert.True(t, acquireAgent(lock, "ctx-a"))
	owner, alive := lock.Held()
	assert.True(t, alive)
	assert.Equal(t, os.Getpid(), owner.PID)
	assert.Equal(t, "ctx-a", owner.ContextID)
	require.NoError(t, lock.Release())
}

func TestContextID(t *testing.T) {
	testEnv(t)

	viper.Set("context_id", "kitchen")
	assert.Equal(t, "kitchen", contextID())

	viper.Set("context_id", "")
	a, b := contextID(), contextID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

func TestSnoozeDefaults(t *testing.T) {
	testEnv(t)

	p := snoozeDefaults()
	assert.True(t, p.Enabled)
	assert.Equal(t, 3, p.MaxCount)

	viper.Set("snooze.default_interval", "0s")
	assert.False(t, snoozeDefaults().Enabled)
}

func TestOpenBus(t *testing.T) {
	testEnv(t)
	ctx := context.Background()

	bus, closeFn, err := openBus(ctx)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &synchronizer.MemoryBus{}, bus)

	mr := miniredis.RunT(t)
	viper.Set("bus.backend", "redis")
	viper.Set("bus.redis_addr", mr.Addr())
	bus, closeFn, err = openBus(ctx)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &synchronizer.RedisBus{}, bus)

	viper.Set("bus.backend", "carrier-pigeon")
	_, _, err = openBus(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bus backend")
}

func TestOpenBus_RedisUnreachable(t *testing.T) {
	testEnv(t)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	viper.Set("bus.backend", "redis")
	viper.Set("bus.redis_addr", addr)
	_, _, err := openBus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis bus")
}

func TestOpenEngine(t *testing.T) {
	testEnv(t)
	viper.Set("context_id", "phone")

	e, closeFn, err := openEngine(context.Background(), engineMode{})
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, "phone", e.ContextID())
	assert.Equal(t, viper.GetString("user_id"), e.UserID())

	e, closeFn2, err := openEngine(context.Background(), engineMode{contextID: "tablet"})
	require.NoError(t, err)
	defer closeFn2()
	assert.Equal(t, "tablet", e.ContextID())
}
