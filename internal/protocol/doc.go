// Package protocol owns the routed write message model.
//
// Ownership boundary:
// - write request and write result shapes
// - result codes and their wire values
// - protocol-level error sentinels
//
// Wire encoding lives in the frame, tlv, schema and session subpackages.
package protocol
