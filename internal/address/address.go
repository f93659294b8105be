package address

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NetIDLen is the byte width of a network identity.
const NetIDLen = 6

var (
	ErrInvalidNetID   = errors.New("address: invalid net id")
	ErrInvalidPort    = errors.New("address: invalid port")
	ErrInvalidAddress = errors.New("address: invalid address")
)

// NetID is the stable network identity of a routing node.
type NetID [NetIDLen]byte

// Address identifies one logical endpoint: a network identity plus a port.
// It is comparable and safe to use as a map key.
type Address struct {
	NetID NetID
	Port  uint16
}

// New builds an Address from its parts.
func New(netID NetID, port uint16) Address {
	return Address{NetID: netID, Port: port}
}

// ParseNetID parses the dotted form "a.b.c.d.e.f".
func ParseNetID(raw string) (NetID, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != NetIDLen {
		return NetID{}, fmt.Errorf("%w: %q", ErrInvalidNetID, raw)
	}
	var id NetID
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return NetID{}, fmt.Errorf("%w: %q", ErrInvalidNetID, raw)
		}
		id[i] = byte(v)
	}
	return id, nil
}

// MustParseNetID is ParseNetID for constants and tests.
func MustParseNetID(raw string) NetID {
	id, err := ParseNetID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// Parse parses "a.b.c.d.e.f:port".
func Parse(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	i := strings.LastIndexByte(raw, ':')
	if i <= 0 || i == len(raw)-1 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	id, err := ParseNetID(raw[:i])
	if err != nil {
		return Address{}, err
	}
	port, err := strconv.ParseUint(raw[i+1:], 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidPort, raw[i+1:])
	}
	return Address{NetID: id, Port: uint16(port)}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) Address {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func (id NetID) String() string {
	var b strings.Builder
	for i, v := range id {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(int(v)))
	}
	return b.String()
}

func (a Address) String() string {
	return a.NetID.String() + ":" + strconv.Itoa(int(a.Port))
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Compare orders by net id bytes, then port.
func (a Address) Compare(b Address) int {
	if c := bytes.Compare(a.NetID[:], b.NetID[:]); c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	}
	return 0
}
