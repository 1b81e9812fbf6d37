// Package rabbitmq provides the RabbitMQ plumbing for the gridfeed pipeline.
//
// This package includes:
//   - ConnectionManager: one shared connection per process with lazy per-role
//     channels, idempotent acquisition, and bounded reconnect loops
//   - Topology: declarative exchanges, queues, and bindings, declared
//     idempotently by every process before its engine loop starts
//   - Publisher: persistent message publishing with optional confirms
//   - Consumer: prefetch-bounded delivery loops with graceful cancellation
//
// Everything here stays broker-facing and envelope-agnostic; the messaging
// package defines the transport-neutral surface the engines actually use,
// and transports/rabbitmq adapts between the two.
package rabbitmq
