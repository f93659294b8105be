package endpoint

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/observability"
	"github.com/danmuck/portroute/internal/protocol"
	"github.com/danmuck/portroute/internal/retry"
	"github.com/danmuck/portroute/internal/router"
	"github.com/danmuck/portroute/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

var (
	serverAddr = address.MustParse("10.10.10.10.1.1:45086")
	clientAddr = address.MustParse("10.10.10.10.1.2:32905")
)

// registrarFunc adapts a function to Registrar.
type registrarFunc func(ctx context.Context, addr address.Address, h router.Handler) (router.Registration, error)

func (f registrarFunc) Register(ctx context.Context, addr address.Address, h router.Handler) (router.Registration, error) {
	return f(ctx, addr, h)
}

func runWithMock(t *testing.T, mock *clock.Mock, step time.Duration, fn func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case err := <-done:
			return err
		case <-deadline:
			t.Fatalf("connect did not return")
			return nil
		default:
			mock.Add(step)
		}
	}
}

func forward(r *router.Router, id uint32) protocol.WriteResult {
	return r.Forward(context.Background(), protocol.WriteRequest{
		Target:   serverAddr,
		Source:   clientAddr,
		InvokeID: id,
		Payload:  []byte("x"),
	})
}

func TestConnectAndDisconnect(t *testing.T) {
	testlog.Start(t)

	r := router.New(router.Options{})
	r.Start()
	defer r.Stop()
	rec := observability.NewMemoryRecorder()
	s := NewServer(serverAddr, NewRecorder(), r, Options{Recorder: rec})
	require.Equal(t, StateUnregistered, s.State())

	require.NoError(t, s.Connect(context.Background(), time.Second))
	require.Equal(t, StateRegistered, s.State())
	require.True(t, forward(r, 1).Succeeded())

	// Connecting again is a no-op.
	require.NoError(t, s.Connect(context.Background(), time.Second))
	require.Len(t, r.Routes(), 1)

	was, err := s.Disconnect(context.Background())
	require.NoError(t, err)
	require.True(t, was)
	require.Equal(t, StateUnregistered, s.State())
	require.Equal(t, protocol.TargetPortNotFound, forward(r, 2).Code)

	was, err = s.Disconnect(context.Background())
	require.NoError(t, err)
	require.False(t, was)

	require.Equal(t, 1, rec.Count(observability.EventDisconnect))
	require.GreaterOrEqual(t, rec.Count(observability.EventStateTransition), 4)
}

func TestConnectRetriesUntilRouterStarts(t *testing.T) {
	testlog.Start(t)

	mock := clock.NewMock()
	r := router.New(router.Options{})
	defer r.Stop()

	var attempts atomic.Int32
	registrar := registrarFunc(func(ctx context.Context, addr address.Address, h router.Handler) (router.Registration, error) {
		if attempts.Add(1) == 3 {
			r.Start()
		}
		return r.Register(ctx, addr, h)
	})
	s := NewServer(serverAddr, NewRecorder(), registrar, Options{Clock: mock})

	err := runWithMock(t, mock, 10*time.Millisecond, func() error {
		return s.Connect(context.Background(), time.Hour)
	})
	require.NoError(t, err)
	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, StateRegistered, s.State())
}

func TestConnectTimesOut(t *testing.T) {
	testlog.Start(t)

	mock := clock.NewMock()
	r := router.New(router.Options{})
	s := NewServer(serverAddr, NewRecorder(), r, Options{Clock: mock})

	start := mock.Now()
	err := runWithMock(t, mock, 10*time.Millisecond, func() error {
		return s.Connect(context.Background(), 200*time.Millisecond)
	})
	require.ErrorIs(t, err, retry.ErrTimeout)
	require.False(t, errors.Is(err, router.ErrRouterNotRunning))
	var te *retry.TimeoutError
	require.True(t, errors.As(err, &te))
	require.ErrorIs(t, te.Last, router.ErrRouterNotRunning)
	require.GreaterOrEqual(t, mock.Since(start), 200*time.Millisecond)
	require.Equal(t, StateUnregistered, s.State())
}

func TestConnectFatalErrorPropagates(t *testing.T) {
	testlog.Start(t)

	r := router.New(router.Options{})
	r.Start()
	defer r.Stop()
	s := NewServer(serverAddr, nil, r, Options{})

	err := s.Connect(context.Background(), time.Hour)
	require.ErrorIs(t, err, router.ErrNilHandler)
	require.Equal(t, StateUnregistered, s.State())
}

func TestConnectCancelledRollsBack(t *testing.T) {
	testlog.Start(t)

	r := router.New(router.Options{})
	r.Start()
	defer r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	registrar := registrarFunc(func(ctx context.Context, addr address.Address, h router.Handler) (router.Registration, error) {
		reg, err := r.Register(ctx, addr, h)
		// Cancellation lands right after the router accepted the route.
		cancel()
		return reg, err
	})
	s := NewServer(serverAddr, NewRecorder(), registrar, Options{})

	err := s.Connect(ctx, time.Second)
	require.ErrorIs(t, err, protocol.ErrCancelled)
	require.Equal(t, StateUnregistered, s.State())
	_, ok := r.Lookup(serverAddr)
	require.False(t, ok)
}

func TestConnectCancelledWhileWaiting(t *testing.T) {
	testlog.Start(t)

	r := router.New(router.Options{})
	s := NewServer(serverAddr, NewRecorder(), r, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := s.Connect(ctx, time.Hour)
	require.ErrorIs(t, err, protocol.ErrCancelled)
	require.Equal(t, StateUnregistered, s.State())

	r.Start()
	defer r.Stop()
	_, ok := r.Lookup(serverAddr)
	require.False(t, ok)
}

func TestStateString(t *testing.T) {
	testlog.Start(t)

	require.Equal(t, "unregistered", StateUnregistered.String())
	require.Equal(t, "registering", StateRegistering.String())
	require.Equal(t, "registered", StateRegistered.String())
}
