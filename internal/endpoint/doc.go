// Package endpoint implements the server side of a routed address: the
// registration state machine that connects to and disconnects from a router,
// the session registrar used when the router runs in another process, and a
// recording inbound handler.
package endpoint
