package protocol

import "fmt"

// ResultCode is the outcome of one routed write.
type ResultCode uint32

const (
	NoError             ResultCode = 0x0
	OtherTransportError ResultCode = 0x1
	TargetPortNotFound  ResultCode = 0x6
)

// ParseResultCode maps a wire value onto a known code. Unknown values are
// delivery failures and decode as OtherTransportError.
func ParseResultCode(v uint32) ResultCode {
	switch ResultCode(v) {
	case NoError, TargetPortNotFound, OtherTransportError:
		return ResultCode(v)
	default:
		return OtherTransportError
	}
}

func (c ResultCode) String() string {
	switch c {
	case NoError:
		return "NoError"
	case TargetPortNotFound:
		return "TargetPortNotFound"
	case OtherTransportError:
		return "OtherTransportError"
	default:
		return fmt.Sprintf("ResultCode(%#x)", uint32(c))
	}
}

// WriteResult is the typed outcome of a write. Succeeded and Failed are both
// derived from Code and are always complementary.
type WriteResult struct {
	InvokeID uint32
	Code     ResultCode
}

// Result builds a WriteResult for invokeID.
func Result(invokeID uint32, code ResultCode) WriteResult {
	return WriteResult{InvokeID: invokeID, Code: code}
}

func (r WriteResult) Succeeded() bool {
	return r.Code == NoError
}

func (r WriteResult) Failed() bool {
	return !r.Succeeded()
}

func (r WriteResult) String() string {
	return fmt.Sprintf("invoke_id=%d code=%s succeeded=%t", r.InvokeID, r.Code, r.Succeeded())
}
