package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestWriteResultComplementary(t *testing.T) {
	testlog.Start(t)

	for _, raw := range []uint32{0, 1, 6, 7, 0x745, ^uint32(0)} {
		r := Result(9, ParseResultCode(raw))
		if r.Succeeded() == r.Failed() {
			t.Fatalf("code %#x: succeeded=%t failed=%t", raw, r.Succeeded(), r.Failed())
		}
	}
	require.True(t, Result(1, NoError).Succeeded())
	require.True(t, Result(1, TargetPortNotFound).Failed())
	require.True(t, WriteResult{}.Succeeded())
}

func TestParseResultCodeUnknownIsTransportError(t *testing.T) {
	testlog.Start(t)

	require.Equal(t, TargetPortNotFound, ParseResultCode(6))
	require.Equal(t, OtherTransportError, ParseResultCode(0x745))
	require.Equal(t, "ResultCode(0x745)", ResultCode(0x745).String())
}

func TestWriteRequestCloneAndReply(t *testing.T) {
	testlog.Start(t)

	req := WriteRequest{
		Target:   address.MustParse("10.10.10.10.1.1:45086"),
		InvokeID: 4,
		Payload:  []byte("first"),
	}
	clone := req.Clone()
	clone.Payload[0] = 'F'
	require.Equal(t, "first", string(req.Payload))
	require.Equal(t, WriteResult{InvokeID: 4, Code: TargetPortNotFound}, req.Reply(TargetPortNotFound))
}

func TestCancelledMatchesCause(t *testing.T) {
	testlog.Start(t)

	err := Cancelled(context.Canceled)
	require.True(t, errors.Is(err, ErrCancelled))
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, ErrCancelled, Cancelled(nil))
}
