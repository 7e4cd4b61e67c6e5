// Package reconcile ingests provider delivery events and folds them into
// the send ledger. Inbound webhook payloads are verified, staged to a
// durable table, and applied asynchronously by a batch processor. Apply is
// idempotent: duplicate events no-op and a send status only ever advances.
package reconcile
