package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/protocol"
	"github.com/danmuck/portroute/internal/protocol/frame"
	"github.com/danmuck/portroute/internal/protocol/schema"
	"github.com/danmuck/portroute/internal/protocol/session"
	"github.com/danmuck/portroute/internal/retry"
	"github.com/danmuck/portroute/internal/router"
	"github.com/rs/zerolog/log"
)

// ErrUnregisterUnacked means the router did not confirm the unregistration
// in time. The session stays open and the route stays installed, so the
// caller may retry.
var ErrUnregisterUnacked = errors.New("endpoint: unregister not acknowledged")

// SessionRegistrar registers addresses with a router service over TCP. Each
// registration owns one session; inbound writes arrive on it.
type SessionRegistrar struct {
	routerAddr string
	cfg        session.Config
}

func NewSessionRegistrar(routerAddr string, cfg session.Config) *SessionRegistrar {
	return &SessionRegistrar{routerAddr: routerAddr, cfg: cfg.WithDefaults()}
}

// Register dials the router and announces addr. Dial failures and a router
// that is not running yet are recoverable; other rejections are permanent.
func (r *SessionRegistrar) Register(ctx context.Context, addr address.Address, h router.Handler) (router.Registration, error) {
	if h == nil {
		return nil, retry.Permanent(router.ErrNilHandler)
	}
	hello := session.Hello{Role: session.RoleEndpoint, Address: addr.String()}
	conn, _, err := session.Dial(ctx, r.routerAddr, hello, r.cfg)
	if err != nil {
		var rejected *session.RejectedError
		if errors.As(err, &rejected) && !rejected.Recoverable() {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	reg := &sessionRegistration{
		conn:    conn,
		addr:    addr,
		handler: h,
		cfg:     r.cfg,
		pending: session.NewPendingTable(),
		done:    make(chan struct{}),
	}
	go reg.serve()
	log.Debug().Str("addr", addr.String()).Str("session", conn.ID()).Msg("endpoint.session registered")
	return reg, nil
}

type sessionRegistration struct {
	conn    *session.Conn
	addr    address.Address
	handler router.Handler
	cfg     session.Config
	pending *session.PendingTable
	done    chan struct{}

	mu       sync.Mutex
	released bool
}

func (g *sessionRegistration) Address() address.Address {
	return g.addr
}

// Unregister asks the router to drop the route and waits for its ack before
// closing the session. The wait is bounded by UnregisterTimeout only and
// ignores cancellation. Without an ack the session is kept and
// ErrUnregisterUnacked is returned. A session that already ended needs no
// ack; the router drops the route when its read fails.
func (g *sessionRegistration) Unregister(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return nil
	}
	if err := g.unregister(); err != nil {
		return err
	}
	g.released = true
	_ = g.conn.Close()
	<-g.done
	return nil
}

func (g *sessionRegistration) unregister() error {
	id := g.conn.NextMessageID()
	call, err := g.pending.Add(id)
	if err != nil {
		log.Warn().Err(err).Str("addr", g.addr.String()).Msg("endpoint.session ended before unregister")
		return nil
	}
	raw, err := session.EncodeUnregisterFrame(id, g.addr)
	if err != nil {
		g.pending.Remove(id)
		return err
	}
	if err := g.conn.Send(raw); err != nil {
		g.pending.Remove(id)
		if g.sessionEnded() {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnregisterUnacked, err)
	}
	timer := time.NewTimer(g.cfg.UnregisterTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-call.Done():
		if !ok {
			log.Warn().Err(g.pending.Err()).Str("addr", g.addr.String()).Msg("endpoint.session ended during unregister")
		}
		return nil
	case <-timer.C:
		g.pending.Remove(id)
		return fmt.Errorf("%w: no ack after %s", ErrUnregisterUnacked, g.cfg.UnregisterTimeout)
	}
}

// sessionEnded reports whether the read loop has stopped.
func (g *sessionRegistration) sessionEnded() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// answer runs the handler for one write frame and always sends a result, so
// the router never waits out its request timeout. Frames that cannot be
// decoded or answered get OtherTransportError.
func (g *sessionRegistration) answer(ctx context.Context, f frame.Frame) {
	messageID := f.Header.MessageID
	var res protocol.WriteResult
	req, err := session.DecodeWriteFrame(f)
	if err != nil {
		log.Warn().Err(err).Uint64("message_id", messageID).Str("addr", g.addr.String()).Msg("endpoint.session decode write")
		res = protocol.Result(0, protocol.OtherTransportError)
	} else {
		res = g.handler.OnWrite(ctx, req)
	}
	raw, err := session.EncodeWriteResultFrame(messageID, res)
	if err != nil {
		log.Warn().Err(err).Uint32("invoke_id", res.InvokeID).Str("addr", g.addr.String()).Msg("endpoint.session encode result")
		raw, err = session.EncodeWriteResultFrame(messageID, protocol.Result(res.InvokeID, protocol.OtherTransportError))
		if err != nil {
			log.Error().Err(err).Uint64("message_id", messageID).Str("addr", g.addr.String()).Msg("endpoint.session encode fallback result")
			return
		}
	}
	if err := g.conn.Send(raw); err != nil {
		log.Debug().Err(err).Str("addr", g.addr.String()).Msg("endpoint.session send result")
	}
}

func (g *sessionRegistration) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		close(g.done)
	}()
	for {
		f, err := g.conn.Receive()
		if err != nil {
			g.pending.Fail(err)
			if !g.conn.Closed() {
				log.Warn().Err(err).Str("addr", g.addr.String()).Msg("endpoint.session lost")
			}
			return
		}
		switch f.Header.MessageType {
		case schema.MsgWrite:
			inflight.Add(1)
			go func(f frame.Frame) {
				defer inflight.Done()
				g.answer(ctx, f)
			}(f)
		case schema.MsgUnregisterAck:
			g.pending.Resolve(f.Header.MessageID, f)
		default:
			log.Warn().Uint32("message_type", f.Header.MessageType).Str("addr", g.addr.String()).Msg("endpoint.session unexpected frame")
		}
	}
}
