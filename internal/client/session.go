package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/protocol"
	"github.com/danmuck/portroute/internal/protocol/schema"
	"github.com/danmuck/portroute/internal/protocol/session"
	"github.com/danmuck/portroute/internal/retry"
	"github.com/rs/zerolog/log"
)

var (
	ErrRequestTimeout  = errors.New("client: request timed out")
	ErrTransportClosed = errors.New("client: transport closed")
)

// SessionTransport carries writes over one TCP session to a router service.
// Results are matched to requests by invoke id.
type SessionTransport struct {
	routerAddr string
	source     address.Address
	cfg        session.Config

	mu      sync.Mutex
	conn    *session.Conn
	pending *session.PendingTable
	closed  bool
}

func NewSessionTransport(routerAddr string, source address.Address, cfg session.Config) *SessionTransport {
	return &SessionTransport{
		routerAddr: routerAddr,
		source:     source,
		cfg:        cfg.WithDefaults(),
	}
}

// Connect dials the router, backing off between attempts until timeout.
func (t *SessionTransport) Connect(ctx context.Context, timeout time.Duration) error {
	sup := retry.New("dial "+t.routerAddr, retry.ConnectInterval)
	sup.Backoff = t.cfg.Backoff
	err := sup.RetryUntil(ctx, func(ctx context.Context) error {
		_, _, err := t.session(ctx)
		var rejected *session.RejectedError
		if errors.As(err, &rejected) && !rejected.Recoverable() {
			return retry.Permanent(err)
		}
		if errors.Is(err, ErrTransportClosed) {
			return retry.Permanent(err)
		}
		return err
	}, timeout)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return protocol.Cancelled(ctx.Err())
	}
	return nil
}

func (t *SessionTransport) RoundTrip(ctx context.Context, req protocol.WriteRequest) (protocol.WriteResult, error) {
	conn, pending, err := t.session(ctx)
	if err != nil {
		return protocol.WriteResult{}, err
	}
	// Frames are keyed by session message id so clients sharing this
	// transport never collide on invoke ids.
	id := conn.NextMessageID()
	call, err := pending.Add(id)
	if err != nil {
		return protocol.WriteResult{}, err
	}
	raw, err := session.EncodeWriteFrame(id, req)
	if err != nil {
		pending.Remove(id)
		return protocol.WriteResult{}, err
	}
	if err := conn.Send(raw); err != nil {
		pending.Remove(id)
		_ = conn.Close()
		return protocol.WriteResult{}, err
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case f, ok := <-call.Done():
		if !ok {
			return protocol.WriteResult{}, fmt.Errorf("client: session lost: %w", pending.Err())
		}
		return session.DecodeWriteResultFrame(f)
	case <-timer.C:
		pending.Remove(id)
		return protocol.WriteResult{}, fmt.Errorf("%w: invoke_id=%d after %s", ErrRequestTimeout, req.InvokeID, t.cfg.RequestTimeout)
	case <-ctx.Done():
		pending.Remove(id)
		return protocol.WriteResult{}, protocol.Cancelled(ctx.Err())
	}
}

// Close ends the session and fails outstanding writes.
func (t *SessionTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.closed = true
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// session returns the live session, dialing once if there is none.
func (t *SessionTransport) session(ctx context.Context) (*session.Conn, *session.PendingTable, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, ErrTransportClosed
	}
	if t.conn != nil && !t.conn.Closed() {
		return t.conn, t.pending, nil
	}
	hello := session.Hello{Role: session.RoleClient, Address: t.source.String()}
	conn, _, err := session.Dial(ctx, t.routerAddr, hello, t.cfg)
	if err != nil {
		return nil, nil, err
	}
	pending := session.NewPendingTable()
	t.conn, t.pending = conn, pending
	go t.read(conn, pending)
	log.Debug().Str("router", t.routerAddr).Str("session", conn.ID()).Msg("client.session connected")
	return conn, pending, nil
}

func (t *SessionTransport) read(conn *session.Conn, pending *session.PendingTable) {
	defer func() {
		_ = conn.Close()
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
	}()
	for {
		f, err := conn.Receive()
		if err != nil {
			pending.Fail(err)
			return
		}
		if f.Header.MessageType != schema.MsgWriteResult {
			log.Warn().Uint32("message_type", f.Header.MessageType).Msg("client.session unexpected frame")
			continue
		}
		if !pending.Resolve(f.Header.MessageID, f) {
			log.Debug().Uint64("message_id", f.Header.MessageID).Msg("client.session late result")
		}
	}
}
