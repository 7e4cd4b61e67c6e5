// Package webhookout pushes reconciled delivery events to tenant-configured
// webhook endpoints. Fan-out writes durable delivery rows; a poll loop
// claims due rows and posts them with a signed payload. Retry state lives
// in the row, so backoff survives restarts.
package webhookout
