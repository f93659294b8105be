package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/observability"
	"github.com/danmuck/portroute/internal/protocol"
	"github.com/danmuck/portroute/internal/retry"
	"github.com/danmuck/portroute/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	mu    sync.Mutex
	code  protocol.ResultCode
	calls []protocol.WriteRequest
}

func (h *stubHandler) OnWrite(_ context.Context, req protocol.WriteRequest) protocol.WriteResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, req.Clone())
	return req.Reply(h.code)
}

func (h *stubHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

var (
	serverAddr = address.MustParse("10.10.10.10.1.1:45086")
	clientAddr = address.MustParse("10.10.10.10.1.2:32905")
)

func writeTo(target address.Address, invokeID uint32) protocol.WriteRequest {
	return protocol.WriteRequest{
		Target:   target,
		Source:   clientAddr,
		InvokeID: invokeID,
		Payload:  []byte("ping"),
	}
}

func startedRouter(t *testing.T, opts Options) *Router {
	t.Helper()
	r := New(opts)
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func TestForwardNotFound(t *testing.T) {
	testlog.Start(t)

	rec := observability.NewMemoryRecorder()
	r := startedRouter(t, Options{Recorder: rec})
	other := &stubHandler{}
	_, err := r.Register(context.Background(), clientAddr, other)
	require.NoError(t, err)

	res := r.Forward(context.Background(), writeTo(serverAddr, 17))
	require.Equal(t, protocol.TargetPortNotFound, res.Code)
	require.Equal(t, uint32(17), res.InvokeID)
	require.True(t, res.Failed())
	require.False(t, res.Succeeded())
	require.Equal(t, 0, other.count())
	require.Equal(t, 1, rec.Count(observability.EventForwardNotFound))
}

func TestForwardReturnsHandlerResultUnmodified(t *testing.T) {
	testlog.Start(t)

	r := startedRouter(t, Options{})
	h := &stubHandler{code: protocol.OtherTransportError}
	_, err := r.Register(context.Background(), serverAddr, h)
	require.NoError(t, err)

	res := r.Forward(context.Background(), writeTo(serverAddr, 3))
	require.Equal(t, protocol.Result(3, protocol.OtherTransportError), res)
	require.Equal(t, 1, h.count())

	h.code = protocol.NoError
	res = r.Forward(context.Background(), writeTo(serverAddr, 4))
	require.True(t, res.Succeeded())
	require.Equal(t, 2, h.count())
	require.Equal(t, []byte("ping"), h.calls[1].Payload)
}

func TestRegisterRequiresRunningRouter(t *testing.T) {
	testlog.Start(t)

	r := New(Options{})
	_, err := r.Register(context.Background(), serverAddr, &stubHandler{})
	require.ErrorIs(t, err, ErrRouterNotRunning)
	require.False(t, retry.IsPermanent(err))

	r.Start()
	defer r.Stop()
	_, err = r.Register(context.Background(), serverAddr, nil)
	require.ErrorIs(t, err, ErrNilHandler)
	require.True(t, retry.IsPermanent(err))

	_, err = r.Register(context.Background(), serverAddr, &stubHandler{})
	require.NoError(t, err)
}

func TestStopDropsRoutes(t *testing.T) {
	testlog.Start(t)

	r := New(Options{})
	r.Start()
	h := &stubHandler{}
	_, err := r.Register(context.Background(), serverAddr, h)
	require.NoError(t, err)

	r.Stop()
	require.False(t, r.Running())
	res := r.Forward(context.Background(), writeTo(serverAddr, 1))
	require.Equal(t, protocol.TargetPortNotFound, res.Code)
	require.Equal(t, 0, h.count())
}

func TestReregisterReplacesRoute(t *testing.T) {
	testlog.Start(t)

	rec := observability.NewMemoryRecorder()
	r := startedRouter(t, Options{Recorder: rec})
	first, second := &stubHandler{}, &stubHandler{}
	_, err := r.Register(context.Background(), serverAddr, first)
	require.NoError(t, err)
	_, err = r.Register(context.Background(), serverAddr, second)
	require.NoError(t, err)

	r.Forward(context.Background(), writeTo(serverAddr, 1))
	require.Equal(t, 0, first.count())
	require.Equal(t, 1, second.count())
	require.Equal(t, 1, rec.Count(observability.EventRouteReplace))
	require.Len(t, r.Routes(), 1)
}

func TestStrictUnregisterIsAtomic(t *testing.T) {
	testlog.Start(t)

	r := startedRouter(t, Options{Policy: PolicyStrict})
	h := &stubHandler{}
	reg, err := r.Register(context.Background(), serverAddr, h)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var forwards sync.WaitGroup
	for i := 0; i < 4; i++ {
		forwards.Add(1)
		go func() {
			defer forwards.Done()
			for ctx.Err() == nil {
				r.Forward(ctx, writeTo(serverAddr, 1))
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, reg.Unregister(context.Background()))
	seen := h.count()

	for i := 0; i < 100; i++ {
		res := r.Forward(context.Background(), writeTo(serverAddr, uint32(i+1)))
		require.Equal(t, protocol.TargetPortNotFound, res.Code)
	}
	cancel()
	forwards.Wait()
	// Forwards already past the lookup when Unregister returned may still land.
	require.LessOrEqual(t, h.count()-seen, 4)

	require.NoError(t, reg.Unregister(context.Background()))
}

func TestStrictUnregisterKeepsReplacement(t *testing.T) {
	testlog.Start(t)

	r := startedRouter(t, Options{})
	old, fresh := &stubHandler{}, &stubHandler{}
	reg, err := r.Register(context.Background(), serverAddr, old)
	require.NoError(t, err)
	_, err = r.Register(context.Background(), serverAddr, fresh)
	require.NoError(t, err)

	require.NoError(t, reg.Unregister(context.Background()))
	res := r.Forward(context.Background(), writeTo(serverAddr, 1))
	require.True(t, res.Succeeded())
	require.Equal(t, 1, fresh.count())
}

func TestDeferredUnregisterLeavesStaleWindow(t *testing.T) {
	testlog.Start(t)

	mock := clock.NewMock()
	rec := observability.NewMemoryRecorder()
	r := startedRouter(t, Options{Policy: PolicyDeferred, DeferredDelay: 100 * time.Millisecond, Clock: mock, Recorder: rec})
	h := &stubHandler{}
	reg, err := r.Register(context.Background(), serverAddr, h)
	require.NoError(t, err)

	require.NoError(t, reg.Unregister(context.Background()))
	require.Equal(t, 1, rec.Count(observability.EventRouteDeferred))

	// Inside the window the torn-down handler still answers.
	res := r.Forward(context.Background(), writeTo(serverAddr, 5))
	require.True(t, res.Succeeded())
	require.Equal(t, 1, h.count())

	mock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := r.Lookup(serverAddr)
		return !ok
	}, time.Second, time.Millisecond)

	res = r.Forward(context.Background(), writeTo(serverAddr, 6))
	require.Equal(t, protocol.TargetPortNotFound, res.Code)
	require.Equal(t, 1, h.count())
}

func TestDeferredUnregisterClobbersQuickReconnect(t *testing.T) {
	testlog.Start(t)

	mock := clock.NewMock()
	r := startedRouter(t, Options{Policy: PolicyDeferred, DeferredDelay: 100 * time.Millisecond, Clock: mock})
	h := &stubHandler{}
	reg, err := r.Register(context.Background(), serverAddr, h)
	require.NoError(t, err)
	require.NoError(t, reg.Unregister(context.Background()))

	_, err = r.Register(context.Background(), serverAddr, h)
	require.NoError(t, err)

	mock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := r.Lookup(serverAddr)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestStopCancelsDeferredRemovals(t *testing.T) {
	testlog.Start(t)

	mock := clock.NewMock()
	r := New(Options{Policy: PolicyDeferred, Clock: mock})
	r.Start()
	reg, err := r.Register(context.Background(), serverAddr, &stubHandler{})
	require.NoError(t, err)
	require.NoError(t, reg.Unregister(context.Background()))
	r.Stop()

	r.Start()
	defer r.Stop()
	_, err = r.Register(context.Background(), serverAddr, &stubHandler{})
	require.NoError(t, err)
	mock.Add(time.Second)
	time.Sleep(5 * time.Millisecond)
	_, ok := r.Lookup(serverAddr)
	require.True(t, ok)
}

func TestParsePolicy(t *testing.T) {
	testlog.Start(t)

	p, err := ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicyStrict, p)
	p, err = ParsePolicy(" Deferred ")
	require.NoError(t, err)
	require.Equal(t, PolicyDeferred, p)
	_, err = ParsePolicy("eventually")
	require.True(t, errors.Is(err, ErrInvalidPolicy))
	require.Equal(t, "strict", PolicyStrict.String())
}

func TestForwardConcurrentCallers(t *testing.T) {
	testlog.Start(t)

	r := startedRouter(t, Options{})
	h := &stubHandler{}
	_, err := r.Register(context.Background(), serverAddr, h)
	require.NoError(t, err)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			res := r.Forward(context.Background(), writeTo(serverAddr, id))
			if res.Succeeded() && res.InvokeID == id {
				ok.Add(1)
			}
		}(uint32(i + 1))
	}
	wg.Wait()
	require.Equal(t, int64(32), ok.Load())
	require.Equal(t, 32, h.count())
}

func TestRegisterRacingStopLeavesNoRoute(t *testing.T) {
	testlog.Start(t)

	for i := 0; i < 50; i++ {
		r := New(Options{})
		r.Start()
		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func(port uint16) {
				defer wg.Done()
				addr := address.New(serverAddr.NetID, port)
				_, _ = r.Register(context.Background(), addr, &stubHandler{})
			}(uint16(j + 1))
		}
		r.Stop()
		wg.Wait()
		require.Empty(t, r.Routes(), "iteration %d", i)
	}
}

func TestSameHandlerRegisteredTwiceKeepsNewerRoute(t *testing.T) {
	testlog.Start(t)

	r := startedRouter(t, Options{})
	h := &stubHandler{}
	stale, err := r.Register(context.Background(), serverAddr, h)
	require.NoError(t, err)
	_, err = r.Register(context.Background(), serverAddr, h)
	require.NoError(t, err)

	require.NoError(t, stale.Unregister(context.Background()))
	_, ok := r.Lookup(serverAddr)
	require.True(t, ok)
}
