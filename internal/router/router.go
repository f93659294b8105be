package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/observability"
	"github.com/danmuck/portroute/internal/protocol"
	"github.com/danmuck/portroute/internal/retry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrRouterNotRunning is recoverable: registration succeeds once the
	// router has been started.
	ErrRouterNotRunning = errors.New("router: not running")
	ErrNilHandler       = errors.New("router: nil handler")
	ErrInvalidPolicy    = errors.New("router: invalid unregister policy")
)

// Handler is the inbound-write callback of a registered endpoint. It answers
// every request routed to it, including while it is being torn down.
type Handler interface {
	OnWrite(ctx context.Context, req protocol.WriteRequest) protocol.WriteResult
}

// Registration is a live route owned by one endpoint.
type Registration interface {
	Address() address.Address
	// Unregister removes the route. Calling it more than once is a no-op.
	Unregister(ctx context.Context) error
}

// Policy selects when an unregistration takes effect.
type Policy int

const (
	// PolicyStrict removes the route before Unregister returns.
	PolicyStrict Policy = iota
	// PolicyDeferred returns from Unregister at once and removes the route
	// after DeferredDelay. Forwards in that window still reach the old
	// handler, and the removal also drops any newer route at the address.
	// Regression fixture only.
	PolicyDeferred
)

// DefaultDeferredDelay is the PolicyDeferred removal lag.
const DefaultDeferredDelay = 100 * time.Millisecond

func (p Policy) String() string {
	switch p {
	case PolicyStrict:
		return "strict"
	case PolicyDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts "strict" or "deferred"; empty means strict.
func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "strict", "p1":
		return PolicyStrict, nil
	case "deferred", "p2":
		return PolicyDeferred, nil
	default:
		return PolicyStrict, fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}

// Options configures a Router. The zero value is a strict router on the
// wall clock that records nothing.
type Options struct {
	Name          string
	Policy        Policy
	DeferredDelay time.Duration
	Clock         clock.Clock
	Recorder      observability.Recorder
}

// Router owns a route table and forwards writes to registered handlers.
type Router struct {
	name     string
	table    *RouteTable
	policy   Policy
	delay    time.Duration
	clock    clock.Clock
	recorder observability.Recorder

	// lifeMu orders registrations against Start and Stop.
	lifeMu  sync.Mutex
	running atomic.Bool

	timersMu sync.Mutex
	timers   map[*clock.Timer]struct{}
}

func New(opts Options) *Router {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Recorder == nil {
		opts.Recorder = observability.NopRecorder{}
	}
	if opts.DeferredDelay <= 0 {
		opts.DeferredDelay = DefaultDeferredDelay
	}
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = "router"
	}
	t := NewRouteTable()
	t.now = opts.Clock.Now
	return &Router{
		name:     opts.Name,
		table:    t,
		policy:   opts.Policy,
		delay:    opts.DeferredDelay,
		clock:    opts.Clock,
		recorder: opts.Recorder,
		timers:   make(map[*clock.Timer]struct{}),
	}
}

// Start accepts registrations from now on. Starting twice is a no-op.
func (r *Router) Start() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.running.CompareAndSwap(false, true) {
		log.Info().Str("router", r.name).Str("policy", r.policy.String()).Msg("router.start")
	}
}

// Stop rejects new registrations, cancels pending deferred removals and
// drops every route.
func (r *Router) Stop() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.timersMu.Lock()
	for t := range r.timers {
		t.Stop()
	}
	clear(r.timers)
	r.timersMu.Unlock()
	n := r.table.Clear()
	observability.RecordRouteEvent("clear", 0)
	log.Info().Str("router", r.name).Int("dropped_routes", n).Msg("router.stop")
}

func (r *Router) Running() bool {
	return r.running.Load()
}

func (r *Router) Name() string {
	return r.name
}

func (r *Router) Policy() Policy {
	return r.policy
}

// Register routes addr to h, replacing any existing route for addr.
func (r *Router) Register(ctx context.Context, addr address.Address, h Handler) (Registration, error) {
	if h == nil {
		return nil, retry.Permanent(ErrNilHandler)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.lifeMu.Lock()
	if !r.Running() {
		r.lifeMu.Unlock()
		return nil, ErrRouterNotRunning
	}
	id, _, replaced := r.table.Register(addr, h)
	r.lifeMu.Unlock()
	event := observability.EventRouteRegister
	if replaced {
		event = observability.EventRouteReplace
	}
	r.recordRoute(event, addr)
	log.Debug().Str("router", r.name).Str("addr", addr.String()).Bool("replaced", replaced).Msg("router.register")
	return &localRegistration{router: r, addr: addr, id: id}, nil
}

// Forward delivers req to the handler registered for req.Target and returns
// its result unmodified. A missing route yields TargetPortNotFound without
// calling any handler.
func (r *Router) Forward(ctx context.Context, req protocol.WriteRequest) protocol.WriteResult {
	start := time.Now()
	h, ok := r.table.Lookup(req.Target)
	if !ok {
		r.recorder.Record(observability.EventForwardNotFound, map[string]any{
			"target":    req.Target.String(),
			"source":    req.Source.String(),
			"invoke_id": req.InvokeID,
		})
		res := req.Reply(protocol.TargetPortNotFound)
		observability.RecordForward(res.Code.String(), time.Since(start))
		return res
	}
	res := h.OnWrite(ctx, req)
	observability.RecordForward(res.Code.String(), time.Since(start))
	return res
}

// Lookup reports the handler currently registered for addr.
func (r *Router) Lookup(addr address.Address) (Handler, bool) {
	return r.table.Lookup(addr)
}

// Routes returns the live routes ordered by address.
func (r *Router) Routes() []Entry {
	return r.table.Snapshot()
}

// Route returns the live route for addr.
func (r *Router) Route(addr address.Address) (Entry, bool) {
	return r.table.Get(addr)
}

func (r *Router) unregister(addr address.Address, id uint64) {
	switch r.policy {
	case PolicyDeferred:
		r.recordRoute(observability.EventRouteDeferred, addr)
		var timer *clock.Timer
		r.timersMu.Lock()
		timer = r.clock.AfterFunc(r.delay, func() {
			r.timersMu.Lock()
			delete(r.timers, timer)
			r.timersMu.Unlock()
			if r.table.Unregister(addr) {
				r.recordRoute(observability.EventRouteUnregister, addr)
			}
		})
		r.timers[timer] = struct{}{}
		r.timersMu.Unlock()
	default:
		if r.table.UnregisterID(addr, id) {
			r.recordRoute(observability.EventRouteUnregister, addr)
			log.Debug().Str("router", r.name).Str("addr", addr.String()).Msg("router.unregister")
		}
	}
}

func (r *Router) recordRoute(event string, addr address.Address) {
	routes := r.table.Len()
	observability.RecordRouteEvent(event, routes)
	r.recorder.Record(event, map[string]any{
		"router": r.name,
		"addr":   addr.String(),
		"routes": routes,
	})
}

type localRegistration struct {
	router *Router
	addr   address.Address
	id     uint64
	once   sync.Once
}

func (g *localRegistration) Address() address.Address {
	return g.addr
}

func (g *localRegistration) Unregister(context.Context) error {
	g.once.Do(func() {
		g.router.unregister(g.addr, g.id)
	})
	return nil
}
