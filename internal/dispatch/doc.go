// Package dispatch routes decoded envelopes to registered handlers by event type.
package dispatch
