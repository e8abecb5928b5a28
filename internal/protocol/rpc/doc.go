// Package rpc is the websocket JSON-RPC client for a target's VM service.
//
// Ownership boundary:
// - dial, TLS and reconnect backoff
// - request/response correlation and wire error mapping
// - stream subscriptions and event decoding
// - isolate and inspector library resolution
//
// Client implements inspector.Transport and inspector.EventSource.
package rpc
