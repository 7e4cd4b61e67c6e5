package domain

import (
	"strings"
	"time"
)

// ContactStatus enumerates the subscription states a contact can be in.
type ContactStatus string

const (
	ContactSubscribed   ContactStatus = "subscribed"
	ContactUnsubscribed ContactStatus = "unsubscribed"
	ContactBounced      ContactStatus = "bounced"
	ContactComplained   ContactStatus = "complained"
)

// Valid reports whether s is a known contact status.
func (s ContactStatus) Valid() bool {
	switch s {
	case ContactSubscribed, ContactUnsubscribed, ContactBounced, ContactComplained:
		return true
	}
	return false
}

// CanTransitionTo reports whether the hot-path transition s -> next is legal.
// Suppression is one-way: once a contact leaves SUBSCRIBED there is no
// automatic path back. Re-applying the current status is allowed so the
// reconciler can treat duplicate webhook deliveries as no-ops.
func (s ContactStatus) CanTransitionTo(next ContactStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case ContactSubscribed:
		return next == ContactUnsubscribed || next == ContactBounced || next == ContactComplained
	case ContactUnsubscribed, ContactBounced, ContactComplained:
		return false
	}
	return false
}

// Suppressed reports whether the contact is ineligible for future sends.
func (s ContactStatus) Suppressed() bool {
	return s != ContactSubscribed
}

// Contact is the identity unit for a recipient within one tenant.
// (UserID, Email) is unique; Email is stored case-folded.
type Contact struct {
	ID          string         `json:"id" db:"id"`
	UserID      string         `json:"user_id" db:"user_id"`
	Email       string         `json:"email" db:"email"`
	FirstName   string         `json:"first_name" db:"first_name"`
	LastName    string         `json:"last_name" db:"last_name"`
	Status      ContactStatus  `json:"status" db:"status"`
	Metadata    map[string]any `json:"metadata" db:"metadata"`
	Tags        []string       `json:"tags" db:"tags"`
	LastEmailAt *time.Time     `json:"last_email_at" db:"last_email_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// NormalizeEmail lowercases and trims an address the way contacts store it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// List is a named grouping of contacts for one tenant. ContactCount is
// denormalized and must only be changed by atomic increment/decrement or a
// full recount, never a read-modify-write.
type List struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Name         string    `json:"name" db:"name"`
	Description  string    `json:"description" db:"description"`
	ContactCount int       `json:"contact_count" db:"contact_count"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
