// Package session owns the router session transport helpers.
//
// Ownership boundary:
// - hello/hello.ack control messages that open a session
// - write, write result and unregister frame codecs
// - serialized frame I/O over one connection
// - pending request correlation
//
// A session starts with one JSON line each way (hello, hello.ack). Everything
// after the handshake is binary frames (frame + tlv + schema).
package session
