package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignSending, CampaignSent,
		CampaignPaused, CampaignCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the transition s -> next is legal.
//
//	draft -> scheduled | sending | cancelled
//	scheduled -> draft | sending | cancelled
//	sending -> sent | paused | cancelled
//	paused -> sending | cancelled
//	sent, cancelled -> (terminal)
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	switch s {
	case CampaignDraft:
		return next == CampaignScheduled || next == CampaignSending || next == CampaignCancelled
	case CampaignScheduled:
		return next == CampaignDraft || next == CampaignSending || next == CampaignCancelled
	case CampaignSending:
		return next == CampaignSent || next == CampaignPaused || next == CampaignCancelled
	case CampaignPaused:
		return next == CampaignSending || next == CampaignCancelled
	case CampaignSent, CampaignCancelled:
		return false
	}
	return false
}

// Editable reports whether content and recipient lists may still change.
// Once a campaign starts sending only its status moves.
func (s CampaignStatus) Editable() bool {
	return s == CampaignDraft || s == CampaignScheduled
}

// Campaign represents one send intent: content, audience, and sender identity.
type Campaign struct {
	ID           string         `json:"id" db:"id"`
	UserID       string         `json:"user_id" db:"user_id"`
	Name         string         `json:"name" db:"name"`
	Subject      string         `json:"subject" db:"subject"`
	HTMLContent  string         `json:"html_content" db:"html_content"`
	PlainContent string         `json:"plain_content" db:"plain_content"`
	ListIDs      []string       `json:"list_ids" db:"list_ids"`
	FromName     string         `json:"from_name" db:"from_name"`
	FromEmail    string         `json:"from_email" db:"from_email"`
	ReplyTo      string         `json:"reply_to" db:"reply_to"`
	CredentialID string         `json:"credential_id" db:"credential_id"`
	Status       CampaignStatus `json:"status" db:"status"`
	ScheduledAt  *time.Time     `json:"scheduled_at" db:"scheduled_at"`

	// TotalRecipients is snapshotted at send time and never revised,
	// even if subscriptions change mid-send.
	TotalRecipients int `json:"total_recipients" db:"total_recipients"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignCancelled
}
