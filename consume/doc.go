// Package consume runs the queue side of the pipeline: it subscribes to the
// feed queues, decodes deliveries into envelopes, and settles every one of
// them exactly once.
//
// Per delivery the engine decides, in order:
//
//   - malformed body: reject, dead-letter (structurally permanent)
//   - envelope id seen within the dedup window: ack, no side effects
//   - handler success: ack, mark the id handled
//   - permanent failure: reject, dead-letter
//   - transient failure under the attempt ceiling: republish to the same
//     queue with x-retry-count incremented, then ack the original
//   - transient failure at the ceiling: reject, dead-letter
//
// Handlers are registered on a messaging.Dispatcher; the engine never
// interprets payloads itself. RegisterFeedHandlers wires the stock handlers
// for the three feed payload kinds.
package consume
