package address

import (
	"errors"
	"testing"

	"github.com/danmuck/portroute/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	testlog.Start(t)

	a, err := Parse("10.10.10.10.1.1:45086")
	require.NoError(t, err)
	require.Equal(t, NetID{10, 10, 10, 10, 1, 1}, a.NetID)
	require.Equal(t, uint16(45086), a.Port)
	require.Equal(t, "10.10.10.10.1.1:45086", a.String())
}

func TestParseRejectsMalformed(t *testing.T) {
	testlog.Start(t)

	cases := map[string]error{
		"":                      ErrInvalidAddress,
		"10.10.10.10.1.1":       ErrInvalidAddress,
		"10.10.10.10.1.1:":      ErrInvalidAddress,
		"10.10.10.1:851":        ErrInvalidNetID,
		"10.10.10.10.1.256:851": ErrInvalidNetID,
		"10.10.10.10.1.1:70000": ErrInvalidPort,
	}
	for raw, want := range cases {
		_, err := Parse(raw)
		if !errors.Is(err, want) {
			t.Fatalf("parse %q: expected %v, got %v", raw, want, err)
		}
	}
}

func TestEqualityAndOrdering(t *testing.T) {
	testlog.Start(t)

	a := MustParse("10.10.10.10.1.1:851")
	b := New(MustParseNetID("10.10.10.10.1.1"), 851)
	c := MustParse("10.10.10.10.1.1:852")
	d := MustParse("10.10.10.11.1.1:1")

	require.True(t, a == b)
	require.Equal(t, 0, a.Compare(b))
	require.Equal(t, -1, a.Compare(c))
	require.Equal(t, 1, c.Compare(a))
	require.Equal(t, -1, c.Compare(d))
	require.False(t, a.IsZero())
	require.True(t, Address{}.IsZero())

	seen := map[Address]int{a: 1}
	seen[b]++
	require.Len(t, seen, 1)
}
