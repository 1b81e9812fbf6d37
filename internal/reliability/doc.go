// Package reliability provides the retry, classification, and dead-letter
// primitives shared by the pipeline engines.
//
// This package implements:
//   - Retry policies: exponential backoff with a hard ceiling, fixed delay
//   - Error classification: explicit permanent vs transient marking
//   - Dead-letter metadata: x-death parsing and the x-retry-count header
//
// The broker does not track delivery attempts natively, so the consumption
// engine carries the count in the x-retry-count header; the helpers here own
// reading and writing it and keep the counter monotonically non-decreasing.
package reliability
