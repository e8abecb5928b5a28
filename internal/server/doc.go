// Package server owns the local admin HTTP surface of a running session.
//
// Ownership boundary:
// - health, readiness and metrics routes
// - read-only views of the selection, root directories and extensions
package server
