package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/portroute/internal/protocol/frame"
)

// ErrDuplicatePending means a request with the same id is still waiting.
var ErrDuplicatePending = errors.New("session: duplicate pending id")

// PendingRequest is one request awaiting its correlated response frame.
type PendingRequest struct {
	ID       uint64
	QueuedAt time.Time
	done     chan frame.Frame
}

// Done yields the response, or is closed without a value when the table fails.
func (p *PendingRequest) Done() <-chan frame.Frame {
	return p.done
}

// PendingTable correlates outstanding requests with response frames by id.
type PendingTable struct {
	mu     sync.Mutex
	items  map[uint64]*PendingRequest
	closed bool
	err    error
}

func NewPendingTable() *PendingTable {
	return &PendingTable{
		items: make(map[uint64]*PendingRequest),
	}
}

// Add registers id. It fails once the table has been failed and while
// another waiter holds id.
func (t *PendingTable) Add(id uint64) (*PendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, t.err
	}
	if _, ok := t.items[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicatePending, id)
	}
	req := &PendingRequest{ID: id, QueuedAt: time.Now(), done: make(chan frame.Frame, 1)}
	t.items[id] = req
	return req, nil
}

// Resolve delivers f to the waiter for id. Unknown ids report false.
func (t *PendingTable) Resolve(id uint64, f frame.Frame) bool {
	t.mu.Lock()
	req, ok := t.items[id]
	if ok {
		delete(t.items, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	req.done <- f
	return true
}

// Remove forgets id without resolving it.
func (t *PendingTable) Remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, id)
}

// Fail releases every waiter and rejects future Adds with err.
func (t *PendingTable) Fail(err error) {
	if err == nil {
		err = ErrConnClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.err = err
	for id, req := range t.items {
		close(req.done)
		delete(t.items, id)
	}
}

// Err returns the failure cause, if any.
func (t *PendingTable) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
