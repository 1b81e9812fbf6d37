// Package ingest implements the polling side of the pipeline: concrete feed
// sources fetch public JSON APIs, map responses into contract payloads, and
// an Engine runs one independent poll cycle per source, publishing fresh
// envelopes through the buffered publisher.
//
// Fetch outcomes drive the cycle:
//
//   - success: publish, reset the failure counter, sleep the nominal interval
//   - rate limited: fixed cooldown, no counter change, retry the same fetch
//   - transient: exponential backoff on the per-source failure counter
//   - auth failure: terminal, the whole engine stops and Run returns the error
//
// Sources share a Client that adds a politeness rate limit and a circuit
// breaker in front of the HTTP round-trip.
package ingest
