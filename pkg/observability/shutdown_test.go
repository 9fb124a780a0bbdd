package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *Logger {
	return Discard()
}

func TestNewShutdownManager_DefaultTimeout(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), nil, 0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)

	sm.RegisterShutdownFunc("nil", nil)
	assert.Empty(t, sm.shutdownFuncs)
}

func TestShutdown_RunsAllFunctions(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), nil, time.Second)

	var calls atomic.Int32
	for _, name := range []string{"cron", "watcher", "otel"} {
		sm.RegisterShutdownFunc(name, func(ctx context.Context) error {
			calls.Add(1)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestShutdown_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), nil, time.Second)

	boom := errors.New("boom")
	sm.RegisterShutdownFunc("ok", func(ctx context.Context) error { return nil })
	sm.RegisterShutdownFunc("redis", func(ctx context.Context) error { return boom })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "redis")
}

func TestShutdown_Timeout(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), nil, time.Second)
	sm.RegisterShutdownFunc("slow", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sm.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShutdown_DrainsServer(t *testing.T) {
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	ts.Start()
	defer ts.Close()

	sm := NewShutdownManager(quietLogger(), ts.Config, time.Second)
	require.NoError(t, sm.Shutdown(context.Background()))

	_, err := http.Get(ts.URL)
	assert.Error(t, err)
}

func TestWaitForShutdown_ContextCancel(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), nil, time.Second)

	var called atomic.Bool
	sm.RegisterShutdownFunc("flag", func(ctx context.Context) error {
		called.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.WaitForShutdown(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForShutdown did not return")
	}
	assert.True(t, called.Load())
}
