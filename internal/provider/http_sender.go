package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beaconmail/beacon/internal/pkg/httpretry"
	"github.com/beaconmail/beacon/internal/pkg/logger"
)

// HTTPSender delivers through a JSON transmissions API (SparkPost-style
// POST /messages with bearer auth).
type HTTPSender struct {
	apiKey  string
	baseURL string
	client  httpretry.HTTPDoer
}

// NewHTTPSender creates a sender for the given API endpoint. A nil client
// gets a retrying default with a 30s timeout.
func NewHTTPSender(apiKey, baseURL string, client httpretry.HTTPDoer) *HTTPSender {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	return &HTTPSender{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
	}
}

func (s *HTTPSender) Name() string { return "http" }

type transmission struct {
	Recipients []transmissionRecipient `json:"recipients"`
	Content    transmissionContent     `json:"content"`
	Metadata   map[string]string       `json:"metadata"`
}

type transmissionRecipient struct {
	Address transmissionAddress `json:"address"`
}

type transmissionAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type transmissionContent struct {
	From    transmissionAddress `json:"from"`
	ReplyTo string              `json:"reply_to,omitempty"`
	Subject string              `json:"subject"`
	HTML    string              `json:"html"`
	Text    string              `json:"text,omitempty"`
	Headers map[string]string   `json:"headers,omitempty"`
}

// Send posts a single transmission.
func (s *HTTPSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if s.apiKey == "" {
		return nil, &Error{Provider: s.Name(), Message: "API key not configured", Retryable: false}
	}

	tx := transmission{
		Recipients: []transmissionRecipient{
			{Address: transmissionAddress{Email: msg.To, Name: msg.ToName}},
		},
		Content: transmissionContent{
			From:    transmissionAddress{Email: msg.FromEmail, Name: msg.FromName},
			ReplyTo: msg.ReplyTo,
			Subject: msg.Subject,
			HTML:    msg.HTMLContent,
			Text:    msg.TextContent,
		},
		Metadata: map[string]string{
			"campaign_id": msg.CampaignID,
			"contact_id":  msg.ContactID,
			"send_id":     msg.SendID,
		},
	}
	if msg.UnsubscribeURL != "" {
		tx.Content.Headers = map[string]string{
			"List-Unsubscribe": "<" + msg.UnsubscribeURL + ">",
		}
	}

	jsonData, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return nil, &Error{
			Provider:   s.Name(),
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Retryable:  httpretry.RetryableStatus(resp.StatusCode),
		}
	}

	var parsed struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse provider response: %w", err)
	}

	logger.Debug("handed off message",
		"provider", s.Name(), "email", msg.To, "message_id", parsed.Results.ID)

	return &Result{
		MessageID: parsed.Results.ID,
		Provider:  s.Name(),
		SentAt:    time.Now(),
	}, nil
}
