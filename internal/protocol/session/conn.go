package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/portroute/internal/protocol/frame"
	"github.com/rs/xid"
)

var ErrConnClosed = errors.New("session: connection closed")

// Conn is one established session. Send may be called from any goroutine;
// Receive must be driven by a single reader goroutine.
type Conn struct {
	id     string
	raw    net.Conn
	reader *bufio.Reader
	cfg    Config

	writeMu   sync.Mutex
	nextID    atomic.Uint64
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewConn wraps an already handshaken connection.
func NewConn(raw net.Conn, reader *bufio.Reader, cfg Config) *Conn {
	if reader == nil {
		reader = bufio.NewReader(raw)
	}
	return &Conn{
		id:     xid.New().String(),
		raw:    raw,
		reader: reader,
		cfg:    cfg.WithDefaults(),
	}
}

// Dial opens a session to a router and performs the hello handshake.
// A rejected hello is returned as *RejectedError.
func Dial(ctx context.Context, routerAddr string, hello Hello, cfg Config) (*Conn, HelloAck, error) {
	cfg = cfg.WithDefaults()
	if hello.Token == "" {
		hello.Token = cfg.Token
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", routerAddr)
	if err != nil {
		return nil, HelloAck{}, err
	}
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = raw.SetDeadline(deadline)

	reader := bufio.NewReader(raw)
	if err := WriteHello(raw, hello); err != nil {
		_ = raw.Close()
		return nil, HelloAck{}, err
	}
	ack, err := ReadHelloAck(reader)
	if err != nil {
		_ = raw.Close()
		return nil, HelloAck{}, err
	}
	if err := ack.Err(); err != nil {
		_ = raw.Close()
		return nil, ack, err
	}
	_ = raw.SetDeadline(time.Time{})

	c := NewConn(raw, reader, cfg)
	if ack.SessionID != "" {
		c.id = ack.SessionID
	}
	return c, ack, nil
}

// ID is the session id shared by both ends after the handshake.
func (c *Conn) ID() string {
	return c.id
}

// SetID overrides the session id; the router assigns it before the ack.
func (c *Conn) SetID(id string) {
	c.id = id
}

func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// NextMessageID returns a fresh frame message id for this connection.
func (c *Conn) NextMessageID() uint64 {
	return c.nextID.Add(1)
}

// Send writes one encoded frame, serialized against other senders.
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.raw.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := c.raw.Write(payload); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	return nil
}

// Receive blocks for the next frame.
func (c *Conn) Receive() (frame.Frame, error) {
	return ReadFrame(c.reader, frame.DefaultLimits())
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.raw.Close()
	})
	return err
}
