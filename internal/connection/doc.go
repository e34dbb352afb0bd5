// Package connection implements the Reconnection Controller.
//
// The controller:
//   - Owns one logical connection (Conn) per endpoint
//   - Creates a fresh session for every physical attempt
//   - Reconnects with exponential backoff and jitter, without a retry ceiling
//   - Resets the backoff once a session stays open past a stability window
//   - Forces a reconnect when the heartbeat monitor sees a silent session
//   - Suspends retries when the server rejects the token
//   - Decodes frames and dispatches them to registered handlers in wire order
//
// Every state transition of a Conn happens on its own event loop goroutine;
// session callbacks, timer fires, token rotations and close requests are
// all serialized there.
package connection
