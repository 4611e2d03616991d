package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShutdownManager_Defaults(t *testing.T) {
	sm := NewShutdownManager(nil, 0)
	assert.Equal(t, 30*time.Second, sm.timeout)
	assert.NotNil(t, sm.logger)
}

func TestShutdown_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)

	var order []string
	for _, name := range []string{"store", "cache", "http"} {
		name := name
		sm.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	sm.Register("ignored", nil)

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"http", "cache", "store"}, order)
}

func TestShutdown_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	boom := errors.New("boom")

	ran := false
	sm.Register("store", func(context.Context) error { ran = true; return nil })
	sm.Register("cache", func(context.Context) error { return boom })

	err := sm.Shutdown(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran)
}

func TestShutdown_RunsOnce(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	calls := 0
	sm.Register("x", func(context.Context) error { calls++; return nil })

	require.NoError(t, sm.Shutdown(context.Background()))
	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestShutdown_Timeout(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), 20*time.Millisecond)
	sm.Register("late", func(context.Context) error { return nil })
	sm.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := sm.Shutdown(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForShutdown_ContextCancel(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	server := &http.Server{Addr: "127.0.0.1:0"}
	sm.Register("http", server.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, sm.WaitForShutdown(ctx))
}
