package router

import (
	"context"
	"time"

	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/protocol"
	"github.com/danmuck/portroute/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// remoteEndpoint is the Handler for an endpoint reached over a session.
// Writes are correlated with results by the frame message id.
type remoteEndpoint struct {
	conn    *session.Conn
	addr    address.Address
	pending *session.PendingTable
	timeout time.Duration
	// ready is closed once the hello ack is on the wire; frames must not
	// precede it.
	ready chan struct{}
}

func newRemoteEndpoint(conn *session.Conn, addr address.Address, timeout time.Duration) *remoteEndpoint {
	return &remoteEndpoint{
		conn:    conn,
		addr:    addr,
		pending: session.NewPendingTable(),
		timeout: timeout,
		ready:   make(chan struct{}),
	}
}

func (e *remoteEndpoint) OnWrite(ctx context.Context, req protocol.WriteRequest) protocol.WriteResult {
	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case <-e.ready:
	case <-ctx.Done():
		return req.Reply(protocol.OtherTransportError)
	case <-timer.C:
		return req.Reply(protocol.OtherTransportError)
	}

	id := e.conn.NextMessageID()
	call, err := e.pending.Add(id)
	if err != nil {
		return req.Reply(protocol.OtherTransportError)
	}
	raw, err := session.EncodeWriteFrame(id, req)
	if err != nil {
		e.pending.Remove(id)
		log.Warn().Err(err).Str("addr", e.addr.String()).Msg("router.remote encode write")
		return req.Reply(protocol.OtherTransportError)
	}
	if err := e.conn.Send(raw); err != nil {
		e.pending.Remove(id)
		log.Warn().Err(err).Str("addr", e.addr.String()).Str("session", e.conn.ID()).Msg("router.remote send write")
		return req.Reply(protocol.OtherTransportError)
	}

	select {
	case f, ok := <-call.Done():
		if !ok {
			return req.Reply(protocol.OtherTransportError)
		}
		res, err := session.DecodeWriteResultFrame(f)
		if err != nil {
			log.Warn().Err(err).Str("addr", e.addr.String()).Msg("router.remote decode result")
			return req.Reply(protocol.OtherTransportError)
		}
		return res
	case <-timer.C:
		e.pending.Remove(id)
		log.Warn().Str("addr", e.addr.String()).Uint32("invoke_id", req.InvokeID).Msg("router.remote write timeout")
		return req.Reply(protocol.OtherTransportError)
	case <-ctx.Done():
		e.pending.Remove(id)
		return req.Reply(protocol.OtherTransportError)
	}
}

func (e *remoteEndpoint) markReady() {
	close(e.ready)
}

func (e *remoteEndpoint) close(err error) {
	e.pending.Fail(err)
}
