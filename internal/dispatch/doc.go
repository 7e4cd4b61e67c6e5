// Package dispatch drains the durable send queue through the provider
// adapters. A pool of workers claims batches, re-checks suppression,
// renders per-recipient content, and hands messages to the tenant's
// provider under the shared throttle. Retry and dead-letter policy live in
// the queue; the pool only classifies failures.
package dispatch
