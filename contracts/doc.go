// Package contracts defines the envelope and payload types that flow through
// the gridfeed pipeline.
//
// This package provides:
//   - Envelope: the uniform JSON wrapper every published message carries
//   - Payload: a closed union of the feed payload variants
//   - CarbonIntensity, GenerationMix, WeatherCurrent: the concrete payloads
//   - UnknownPayload: the explicit variant for unrecognized event types
//
// Envelope ids are assigned once at creation and remain stable across broker
// redeliveries. The envelope type is routing-key-shaped and doubles as the
// AMQP routing key, so routing decisions never require payload inspection.
package contracts
