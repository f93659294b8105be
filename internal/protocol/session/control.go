package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/portroute/internal/address"
)

const (
	controlTypeHello    = "session.hello"
	controlTypeHelloAck = "session.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

// Session roles declared in the hello.
const (
	RoleEndpoint = "endpoint"
	RoleClient   = "client"
)

// Hello ack codes.
const (
	CodeOK               uint32 = 0
	CodeInvalidHello     uint32 = 1001
	CodeRouterNotRunning uint32 = 1002
	CodeRouterClosing    uint32 = 1003
	CodeUnauthorized     uint32 = 1004
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrHelloRejected          = errors.New("session: hello rejected")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Hello opens a session. Endpoints register Address; clients use it as the
// source address of their writes.
type Hello struct {
	Role    string `json:"role"`
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
}

func (h Hello) Validate() error {
	switch strings.TrimSpace(h.Role) {
	case RoleEndpoint, RoleClient:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidHello, h.Role)
	}
	if _, err := address.Parse(h.Address); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	return nil
}

// ParsedAddress returns the declared address.
func (h Hello) ParsedAddress() (address.Address, error) {
	return address.Parse(h.Address)
}

// HelloAck is the router's answer to a hello.
type HelloAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	Address     string `json:"address"`
	SessionID   string `json:"session_id"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

// RejectedError carries a rejected hello ack.
type RejectedError struct {
	Code    uint32
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v: code=%d message=%q", ErrHelloRejected, e.Code, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrHelloRejected
}

// Recoverable reports whether retrying the hello later can succeed.
func (e *RejectedError) Recoverable() bool {
	return e.Code == CodeRouterNotRunning || e.Code == CodeRouterClosing
}

// Err converts a rejected ack into a *RejectedError; accepted acks yield nil.
func (a HelloAck) Err() error {
	if a.Status == AckStatusAccepted {
		return nil
	}
	return &RejectedError{Code: a.Code, Message: a.Message}
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:  controlTypeHello,
		Hello: &h,
	})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHello)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type: controlTypeHelloAck,
		Ack:  &ack,
	})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHelloAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > 128*1024 {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
