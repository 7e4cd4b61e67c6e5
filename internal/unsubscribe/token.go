// Package unsubscribe mints and verifies the signed tokens embedded in
// unsubscribe links. A token pins the tenant, campaign, and contact so a
// leaked link can only ever unsubscribe the recipient it was issued for.
package unsubscribe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidToken is returned for malformed, tampered, or foreign tokens.
var ErrInvalidToken = errors.New("invalid unsubscribe token")

// Claims are the identifiers carried by a verified token.
type Claims struct {
	UserID     string
	CampaignID string
	ContactID  string
}

// Tokens signs and verifies unsubscribe tokens.
type Tokens struct {
	signingKey []byte
	baseURL    string
}

// NewTokens creates a token service. baseURL is the public host that serves
// the unsubscribe endpoints, without a trailing slash.
func NewTokens(signingKey, baseURL string) *Tokens {
	return &Tokens{
		signingKey: []byte(signingKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Generate returns an opaque token for the given identifiers.
func (t *Tokens) Generate(userID, campaignID, contactID string) string {
	data := fmt.Sprintf("%s|%s|%s", userID, campaignID, contactID)
	encoded := base64.URLEncoding.EncodeToString([]byte(data))
	return encoded + "." + t.sign(data)
}

// URL returns the full unsubscribe link for an email's List-Unsubscribe
// header and footer.
func (t *Tokens) URL(userID, campaignID, contactID string) string {
	return fmt.Sprintf("%s/unsubscribe/%s", t.baseURL, t.Generate(userID, campaignID, contactID))
}

// Verify checks the token signature and returns its claims.
func (t *Tokens) Verify(token string) (*Claims, error) {
	encoded, signature, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}

	decoded, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidToken
	}

	data := string(decoded)
	if !hmac.Equal([]byte(t.sign(data)), []byte(signature)) {
		return nil, ErrInvalidToken
	}

	parts := strings.Split(data, "|")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return nil, ErrInvalidToken
	}

	return &Claims{UserID: parts[0], CampaignID: parts[1], ContactID: parts[2]}, nil
}

func (t *Tokens) sign(data string) string {
	h := hmac.New(sha256.New, t.signingKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
