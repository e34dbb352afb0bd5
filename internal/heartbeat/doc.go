// Package heartbeat tracks liveness of an open session.
//
// The owner touches the monitor on every inbound frame (including
// ping/pong control frames) and calls Check once per interval. A check
// that observes no activity since the previous check reports Dead, and
// the owner force-closes the session instead of waiting for a half-open
// socket to error out.
package heartbeat
