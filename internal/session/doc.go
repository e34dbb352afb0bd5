// Package session implements the Connection Session: one physical
// WebSocket connection and its lifecycle.
//
// States:
//
//	Connecting → Open → Closing → Closed
//	Connecting → Failed, Open → Failed
//
// A session is never reused. Failures are reported to the owner through
// Failures() and are never retried locally.
package session
