// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Session attempts, opens and failures by reason
//   - Scheduled reconnects and their backoff delays
//   - Inbound frames, decode errors and sequence gaps
//   - Handler failures and auth rejections
//   - Archive batch flushes
package metrics
