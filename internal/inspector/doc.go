// Package inspector owns the client side of a remote inspector session.
//
// Ownership boundary:
// - object groups: named arenas of remote references, disposed in bulk
// - current/next group double buffering and its settle signal
// - session state: listeners, current selection, self-triggered selection echoes
// - root directory classification of source locations
//
// The wire itself lives in internal/protocol/rpc; this package only sees the
// Transport, Capabilities and EventSource interfaces.
package inspector
