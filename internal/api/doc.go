// Package api exposes the HTTP surface: tenant-scoped campaign, contact,
// list, and webhook management plus the public provider-event and
// unsubscribe endpoints.
package api
