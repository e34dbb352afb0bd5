// Package archive persists dispatched events to PostgreSQL.
//
// The archive subscribes to every event type on a connection. Its handler
// only enqueues: rows are batched and inserted by a separate writer
// goroutine so a slow database never stalls the connection's event loop.
// When the queue is full new events are dropped and counted.
package archive
