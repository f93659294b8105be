package endpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/observability"
	"github.com/danmuck/portroute/internal/protocol"
	"github.com/danmuck/portroute/internal/retry"
	"github.com/danmuck/portroute/internal/router"
	"github.com/rs/zerolog/log"
)

// State is the registration state of one Server.
type State int32

const (
	StateUnregistered State = iota
	StateRegistering
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Registrar installs routes. *router.Router and *SessionRegistrar satisfy it.
// Errors marked retry.Permanent are fatal; anything else is retried.
type Registrar interface {
	Register(ctx context.Context, addr address.Address, h router.Handler) (router.Registration, error)
}

// Options tunes a Server. Zero values poll every retry.ConnectInterval on the
// wall clock.
type Options struct {
	Interval time.Duration
	Backoff  retry.BackoffConfig
	Clock    clock.Clock
	Recorder observability.Recorder
}

// Server owns the registration of one address with one inbound handler.
type Server struct {
	addr       address.Address
	handler    router.Handler
	registrar  Registrar
	supervisor retry.Supervisor
	recorder   observability.Recorder

	// mu serializes Connect and Disconnect.
	mu    sync.Mutex
	state atomic.Int32
	reg   router.Registration
}

func NewServer(addr address.Address, handler router.Handler, registrar Registrar, opts Options) *Server {
	if opts.Interval <= 0 {
		opts.Interval = retry.ConnectInterval
	}
	if opts.Recorder == nil {
		opts.Recorder = observability.NopRecorder{}
	}
	sup := retry.New("connect "+addr.String(), opts.Interval).WithRecorder(opts.Recorder)
	sup.Backoff = opts.Backoff
	if opts.Clock != nil {
		sup = sup.WithClock(opts.Clock)
	}
	return &Server{
		addr:       addr,
		handler:    handler,
		registrar:  registrar,
		supervisor: sup,
		recorder:   opts.Recorder,
	}
}

func (s *Server) Address() address.Address {
	return s.addr
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// Connect registers the server's address, retrying recoverable failures until
// timeout. It is a no-op when already registered. On timeout it returns a
// *retry.TimeoutError, on cancellation an error matching protocol.ErrCancelled;
// both leave the server unregistered with no route installed.
func (s *Server) Connect(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateRegistered {
		return nil
	}
	s.setState(StateRegistering)

	var reg router.Registration
	err := s.supervisor.RetryUntil(ctx, func(ctx context.Context) error {
		r, err := s.registrar.Register(ctx, s.addr, s.handler)
		if err != nil {
			log.Debug().Err(err).Str("addr", s.addr.String()).Msg("endpoint.connect attempt failed")
			return err
		}
		reg = r
		return nil
	}, timeout)

	switch {
	case err != nil:
		s.setState(StateUnregistered)
		log.Warn().Err(err).Str("addr", s.addr.String()).Msg("endpoint.connect failed")
		return err
	case ctx.Err() != nil:
		if reg != nil {
			_ = reg.Unregister(context.Background())
		}
		s.setState(StateUnregistered)
		return protocol.Cancelled(ctx.Err())
	case reg == nil:
		s.setState(StateUnregistered)
		return protocol.Cancelled(nil)
	}
	s.reg = reg
	s.setState(StateRegistered)
	log.Info().Str("addr", s.addr.String()).Msg("endpoint.connect")
	return nil
}

// Disconnect removes the route and reports whether the server was registered.
// The route is gone for every forward that starts after it returns. If the
// registrar could not confirm the removal the server stays registered and the
// error is returned, so Disconnect can be retried.
func (s *Server) Disconnect(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateRegistered {
		return false, nil
	}
	if err := s.reg.Unregister(ctx); err != nil {
		log.Warn().Err(err).Str("addr", s.addr.String()).Msg("endpoint.disconnect")
		return true, err
	}
	s.reg = nil
	s.setState(StateUnregistered)
	s.recorder.Record(observability.EventDisconnect, map[string]any{
		"addr": s.addr.String(),
	})
	log.Info().Str("addr", s.addr.String()).Msg("endpoint.disconnect")
	return true, nil
}

func (s *Server) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	s.recorder.Record(observability.EventStateTransition, map[string]any{
		"addr": s.addr.String(),
		"from": prev.String(),
		"to":   next.String(),
	})
}
