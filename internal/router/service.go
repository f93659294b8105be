package router

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/auth"
	"github.com/danmuck/portroute/internal/observability"
	"github.com/danmuck/portroute/internal/protocol"
	"github.com/danmuck/portroute/internal/protocol/schema"
	"github.com/danmuck/portroute/internal/protocol/session"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// DefaultListenAddr is the router session port.
const DefaultListenAddr = ":48898"

// ServiceConfig configures the router session listener.
type ServiceConfig struct {
	ListenAddr string
	Session    session.Config
	// Auth, when set, must accept the token of every hello.
	Auth auth.Validator
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: DefaultListenAddr,
		Session:    session.DefaultConfig(),
	}
}

// SessionInfo describes one connected session.
type SessionInfo struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Address    string    `json:"address"`
	RemoteAddr string    `json:"remote_addr"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Service exposes a Router to endpoint and client processes over TCP.
type Service struct {
	cfg    ServiceConfig
	router *Router

	connsMu sync.Mutex
	conns   map[net.Conn]*SessionInfo

	closing       atomic.Bool
	endpointCount atomic.Int64
	clientCount   atomic.Int64
}

func NewService(r *Router, cfg ServiceConfig) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Service{
		cfg:    cfg,
		router: r,
		conns:  make(map[net.Conn]*SessionInfo),
	}
}

func (s *Service) Router() *Router {
	return s.router
}

// ListenAndServe listens on the configured address and serves until ctx ends.
func (s *Service) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("router.service listening")
	return s.Serve(ctx, ln)
}

// Serve accepts sessions on ln until ctx ends or ln fails.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = s.Close()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

// Sessions returns the open sessions that completed their hello.
func (s *Service) Sessions() []SessionInfo {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]SessionInfo, 0, len(s.conns))
	for _, info := range s.conns {
		if info.ID != "" {
			out = append(out, *info)
		}
	}
	return out
}

// Close drops every open session. Hellos that race with it are rejected
// with CodeRouterClosing.
func (s *Service) Close() error {
	s.closing.Store(true)
	s.connsMu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	var err error
	for _, c := range conns {
		if cerr := c.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

func (s *Service) handleConn(ctx context.Context, raw net.Conn) {
	defer raw.Close()
	defer s.untrackConn(raw)
	remote := raw.RemoteAddr().String()
	reader := bufio.NewReader(raw)

	_ = raw.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	hello, err := session.ReadHello(reader)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("router.service read hello")
		_ = session.WriteHelloAck(raw, s.rejectAck(session.CodeInvalidHello, "invalid hello", ""))
		return
	}
	addr, _ := hello.ParsedAddress()
	if err := auth.Check(s.cfg.Auth, hello.Token); err != nil {
		log.Warn().Str("remote", remote).Str("addr", hello.Address).Msg("router.service unauthorized hello")
		_ = session.WriteHelloAck(raw, s.rejectAck(session.CodeUnauthorized, err.Error(), hello.Address))
		return
	}
	if s.closing.Load() {
		_ = session.WriteHelloAck(raw, s.rejectAck(session.CodeRouterClosing, "router closing", hello.Address))
		return
	}
	if !s.router.Running() {
		_ = session.WriteHelloAck(raw, s.rejectAck(session.CodeRouterNotRunning, ErrRouterNotRunning.Error(), hello.Address))
		return
	}

	conn := session.NewConn(raw, reader, s.cfg.Session)
	conn.SetID(xid.New().String())
	info := SessionInfo{
		ID:         conn.ID(),
		Role:       hello.Role,
		Address:    addr.String(),
		RemoteAddr: remote,
		OpenedAt:   time.Now(),
	}

	switch hello.Role {
	case session.RoleEndpoint:
		s.serveEndpoint(ctx, conn, raw, addr, info)
	case session.RoleClient:
		s.serveClient(ctx, conn, raw, addr, info)
	}
}

func (s *Service) serveEndpoint(ctx context.Context, conn *session.Conn, raw net.Conn, addr address.Address, info SessionInfo) {
	remote := newRemoteEndpoint(conn, addr, s.cfg.Session.RequestTimeout)
	reg, err := s.router.Register(ctx, addr, remote)
	if err != nil {
		code := session.CodeInvalidHello
		if errors.Is(err, ErrRouterNotRunning) {
			code = session.CodeRouterNotRunning
		}
		_ = session.WriteHelloAck(raw, s.rejectAck(code, err.Error(), addr.String()))
		return
	}
	defer func() {
		remote.close(session.ErrConnClosed)
		_ = reg.Unregister(context.Background())
	}()

	if err := session.WriteHelloAck(raw, s.acceptAck(info)); err != nil {
		log.Warn().Err(err).Str("addr", addr.String()).Msg("router.service write hello ack")
		return
	}
	_ = raw.SetDeadline(time.Time{})
	remote.markReady()
	s.opened(raw, info, &s.endpointCount)
	defer s.closed(info, &s.endpointCount)

	for {
		f, err := conn.Receive()
		if err != nil {
			return
		}
		switch f.Header.MessageType {
		case schema.MsgWriteResult:
			if !remote.pending.Resolve(f.Header.MessageID, f) {
				log.Debug().Uint64("message_id", f.Header.MessageID).Str("addr", addr.String()).Msg("router.service stale write result")
			}
		case schema.MsgUnregister:
			target, err := session.DecodeUnregisterFrame(f)
			if err != nil {
				log.Warn().Err(err).Str("addr", addr.String()).Msg("router.service decode unregister")
				return
			}
			if target != addr {
				log.Warn().Str("addr", addr.String()).Str("requested", target.String()).Msg("router.service unregister address mismatch")
			}
			_ = reg.Unregister(ctx)
			ack, err := session.EncodeUnregisterAckFrame(f.Header.MessageID, addr)
			if err != nil {
				return
			}
			if err := conn.Send(ack); err != nil {
				log.Warn().Err(err).Str("addr", addr.String()).Msg("router.service send unregister ack")
				return
			}
		default:
			log.Warn().Uint32("message_type", f.Header.MessageType).Str("addr", addr.String()).Msg("router.service unexpected endpoint frame")
			return
		}
	}
}

func (s *Service) serveClient(ctx context.Context, conn *session.Conn, raw net.Conn, source address.Address, info SessionInfo) {
	if err := session.WriteHelloAck(raw, s.acceptAck(info)); err != nil {
		log.Warn().Err(err).Str("source", source.String()).Msg("router.service write hello ack")
		return
	}
	_ = raw.SetDeadline(time.Time{})
	s.opened(raw, info, &s.clientCount)
	defer s.closed(info, &s.clientCount)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		f, err := conn.Receive()
		if err != nil {
			return
		}
		if f.Header.MessageType != schema.MsgWrite {
			log.Warn().Uint32("message_type", f.Header.MessageType).Str("source", source.String()).Msg("router.service unexpected client frame")
			return
		}
		req, err := session.DecodeWriteFrame(f)
		if err != nil {
			log.Warn().Err(err).Str("source", source.String()).Msg("router.service decode write")
			return
		}
		inflight.Add(1)
		go func(messageID uint64) {
			defer inflight.Done()
			s.dispatch(ctx, conn, messageID, req)
		}(f.Header.MessageID)
	}
}

func (s *Service) dispatch(ctx context.Context, conn *session.Conn, messageID uint64, req protocol.WriteRequest) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Session.RequestTimeout)
	defer cancel()
	res := s.router.Forward(ctx, req)
	raw, err := session.EncodeWriteResultFrame(messageID, res)
	if err != nil {
		log.Warn().Err(err).Msg("router.service encode write result")
		return
	}
	if err := conn.Send(raw); err != nil {
		log.Debug().Err(err).Str("session", conn.ID()).Msg("router.service send write result")
	}
}

func (s *Service) acceptAck(info SessionInfo) session.HelloAck {
	return session.HelloAck{
		Status:      session.AckStatusAccepted,
		Code:        session.CodeOK,
		Message:     "accepted",
		Address:     info.Address,
		SessionID:   info.ID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
}

func (s *Service) rejectAck(code uint32, msg, addr string) session.HelloAck {
	return session.HelloAck{
		Status:      session.AckStatusRejected,
		Code:        code,
		Message:     msg,
		Address:     addr,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
}

func (s *Service) opened(raw net.Conn, info SessionInfo, count *atomic.Int64) {
	s.connsMu.Lock()
	if _, ok := s.conns[raw]; ok {
		s.conns[raw] = &info
	}
	s.connsMu.Unlock()
	active := count.Add(1)
	s.router.recorder.Record(observability.EventSessionOpened, map[string]any{
		"session": info.ID,
		"role":    info.Role,
		"addr":    info.Address,
		"remote":  info.RemoteAddr,
	})
	log.Info().
		Str("session", info.ID).
		Str("role", info.Role).
		Str("addr", info.Address).
		Str("remote", info.RemoteAddr).
		Int64("active", active).
		Msg("router.session opened")
}

func (s *Service) closed(info SessionInfo, count *atomic.Int64) {
	remaining := count.Add(-1)
	s.router.recorder.Record(observability.EventSessionClosed, map[string]any{
		"session": info.ID,
		"role":    info.Role,
		"addr":    info.Address,
	})
	log.Info().
		Str("session", info.ID).
		Str("role", info.Role).
		Str("addr", info.Address).
		Int64("active", remaining).
		Msg("router.session closed")
}

func (s *Service) trackConn(c net.Conn) {
	s.connsMu.Lock()
	s.conns[c] = &SessionInfo{}
	s.connsMu.Unlock()
}

func (s *Service) untrackConn(c net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}
