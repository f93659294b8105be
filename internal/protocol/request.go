package protocol

import (
	"github.com/danmuck/portroute/internal/address"
)

// WriteRequest is one addressed raw-byte write. Holders treat it as immutable;
// Clone before handing it to code that may retain the payload.
type WriteRequest struct {
	Target      address.Address
	Source      address.Address
	InvokeID    uint32
	IndexGroup  uint32
	IndexOffset uint32
	Payload     []byte
}

// Clone returns a copy that shares no memory with r.
func (r WriteRequest) Clone() WriteRequest {
	out := r
	if r.Payload != nil {
		out.Payload = make([]byte, len(r.Payload))
		copy(out.Payload, r.Payload)
	}
	return out
}

// Reply builds the result for this request.
func (r WriteRequest) Reply(code ResultCode) WriteResult {
	return Result(r.InvokeID, code)
}
