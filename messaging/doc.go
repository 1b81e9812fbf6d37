// Package messaging defines the broker-neutral surface the pipeline engines
// are written against.
//
// The package provides:
//   - Transport, Publisher, Subscriber, Delivery: narrow interfaces the
//     engines depend on; concrete bindings live under transports/
//   - Topology: the declarative exchange/queue/binding layout, with
//     FeedTopology as the canonical pipeline wiring
//   - Dispatcher: routes decoded envelopes to per-kind handlers through a
//     middleware chain, converting handler panics into permanent failures
//   - BufferedPublisher: bounded FIFO buffering in front of a Publisher so
//     broker outages never stall or crash a poll loop
//
// Engines never import a broker client directly; they are constructed with
// these interfaces, which is what makes them testable against the in-memory
// transport.
package messaging
