// Package audience resolves a campaign's target lists into the concrete set
// of sendable recipients. Resolution unions the lists, keeps subscribed
// contacts only, and dedupes so a contact on several lists is counted once.
package audience
