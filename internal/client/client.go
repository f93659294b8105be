// Package client submits addressed writes to a router and awaits their
// correlated results.
package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/observability"
	"github.com/danmuck/portroute/internal/protocol"
	"github.com/danmuck/portroute/internal/router"
	"github.com/rs/zerolog/log"
)

// Transport carries one write request to a router and returns its result.
// A transport failure is reported as an error; the Client maps it to
// OtherTransportError.
type Transport interface {
	RoundTrip(ctx context.Context, req protocol.WriteRequest) (protocol.WriteResult, error)
}

// Client writes from one source address. It never retries.
type Client struct {
	source    address.Address
	transport Transport
	nextID    atomic.Uint32
}

func New(source address.Address, transport Transport) *Client {
	return &Client{source: source, transport: transport}
}

func (c *Client) Source() address.Address {
	return c.source
}

// Write sends payload to target under a fresh invoke id. The returned error
// is non-nil only when ctx ends first and then matches protocol.ErrCancelled.
// Transport failures come back as an OtherTransportError result.
func (c *Client) Write(ctx context.Context, target address.Address, indexGroup, indexOffset uint32, payload []byte) (protocol.WriteResult, error) {
	req := protocol.WriteRequest{
		Target:      target,
		Source:      c.source,
		InvokeID:    c.invokeID(),
		IndexGroup:  indexGroup,
		IndexOffset: indexOffset,
		Payload:     append([]byte(nil), payload...),
	}
	if err := ctx.Err(); err != nil {
		return protocol.WriteResult{}, protocol.Cancelled(err)
	}

	start := time.Now()
	res, err := c.transport.RoundTrip(ctx, req)
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		observability.RecordClientWrite("cancelled", false, time.Since(start))
		return protocol.WriteResult{}, protocol.Cancelled(ctxErr)
	}
	if err != nil {
		log.Debug().Err(err).Str("target", target.String()).Uint32("invoke_id", req.InvokeID).Msg("client.write transport error")
		res = req.Reply(protocol.OtherTransportError)
	} else if res.InvokeID != req.InvokeID {
		log.Warn().Uint32("invoke_id", req.InvokeID).Uint32("got", res.InvokeID).Msg("client.write mismatched result")
		res = req.Reply(protocol.OtherTransportError)
	}
	observability.RecordClientWrite(res.Code.String(), res.Succeeded(), time.Since(start))
	return res, nil
}

// invokeID never yields 0.
func (c *Client) invokeID() uint32 {
	for {
		if id := c.nextID.Add(1); id != 0 {
			return id
		}
	}
}

// RouterTransport delivers writes to an in-process router.
type RouterTransport struct {
	Router *router.Router
}

func (t RouterTransport) RoundTrip(ctx context.Context, req protocol.WriteRequest) (protocol.WriteResult, error) {
	done := make(chan protocol.WriteResult, 1)
	go func() {
		done <- t.Router.Forward(ctx, req)
	}()
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return protocol.WriteResult{}, protocol.Cancelled(ctx.Err())
	}
}
