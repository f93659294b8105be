package endpoint

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/danmuck/portroute/internal/protocol"
	"github.com/danmuck/portroute/internal/retry"
	"github.com/rs/zerolog/log"
)

// Recorder is an inbound handler that keeps the most recent payload.
type Recorder struct {
	mu       sync.Mutex
	last     []byte
	received bool
	count    int
	poll     retry.Supervisor
}

func NewRecorder() *Recorder {
	return &Recorder{poll: retry.New("wait for data", retry.PollInterval)}
}

// OnWrite stores the payload with NUL padding removed and answers NoError.
func (r *Recorder) OnWrite(_ context.Context, req protocol.WriteRequest) protocol.WriteResult {
	data := bytes.Trim(req.Payload, "\x00")
	r.mu.Lock()
	r.last = append(r.last[:0], data...)
	r.received = true
	r.count++
	r.mu.Unlock()
	log.Debug().
		Str("target", req.Target.String()).
		Str("source", req.Source.String()).
		Uint32("invoke_id", req.InvokeID).
		Int("bytes", len(data)).
		Msg("endpoint.recorder write")
	return req.Reply(protocol.NoError)
}

// Last returns the most recent payload, or "" if nothing arrived since Clear.
func (r *Recorder) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.last)
}

// Received reports whether a write arrived since the last Clear.
func (r *Recorder) Received() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

// Count is the total number of writes handled.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = r.last[:0]
	r.received = false
}

// WaitForData polls until a write has arrived. It returns a *retry.TimeoutError
// when none arrives in time and protocol.ErrCancelled when ctx ends first.
func (r *Recorder) WaitForData(ctx context.Context, timeout time.Duration) error {
	if err := r.poll.WaitUntil(ctx, r.Received, timeout); err != nil {
		return err
	}
	if ctx.Err() != nil && !r.Received() {
		return protocol.Cancelled(ctx.Err())
	}
	return nil
}
