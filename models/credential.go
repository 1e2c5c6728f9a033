package models

import (
	"strings"
	"time"
)

// Credential identifies one broker login. It is supplied by the caller and
// never mutated.
type Credential struct {
	APIKey     string `yaml:"api_key"`
	Identifier string `yaml:"identifier"`
	Password   string `yaml:"password"`
	IsDemo     bool   `yaml:"demo"`
}

// Key returns the identity used to scope sessions, rate limiters and streams.
func (c Credential) Key() string {
	return c.Identifier + c.APIKey
}

// Masked returns a log-safe representation of the credential.
func (c Credential) Masked() string {
	key := c.APIKey
	if len(key) > 4 {
		key = key[len(key)-4:]
	}
	return c.Identifier + "/***" + key
}

var placeholderMarkers = []string{
	"your_", "your-", "placeholder", "changeme", "change_me", "<", "${",
}

func isPlaceholder(v string) bool {
	lower := strings.ToLower(strings.TrimSpace(v))
	if lower == "" || strings.Trim(lower, "x*") == "" {
		return true
	}
	for _, m := range placeholderMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Validate rejects missing or placeholder values before any network call.
func (c Credential) Validate() error {
	switch {
	case isPlaceholder(c.APIKey):
		return &AuthenticationError{Reason: "api key is missing or a placeholder"}
	case isPlaceholder(c.Identifier):
		return &AuthenticationError{Reason: "identifier is missing or a placeholder"}
	case isPlaceholder(c.Password):
		return &AuthenticationError{Reason: "password is missing or a placeholder"}
	}
	return nil
}

// Session is the authenticated context returned by the session endpoint.
type Session struct {
	CST           string
	SecurityToken string
	AccountID     string
	ClientID      string
	StreamingHost string
	CreatedAt     time.Time
}

// Valid reports whether the session can still be reused at now.
func (s *Session) Valid(now time.Time, ttl time.Duration) bool {
	if s == nil || s.CST == "" || s.SecurityToken == "" {
		return false
	}
	return now.Sub(s.CreatedAt) < ttl
}

// SessionResponse mirrors the body of POST /api/v1/session.
type SessionResponse struct {
	AccountType      string  `json:"accountType"`
	CurrencyIsoCode  string  `json:"currencyIsoCode"`
	CurrentAccountID string  `json:"currentAccountId"`
	ClientID         string  `json:"clientId"`
	StreamingHost    string  `json:"streamingHost"`
	TimezoneOffset   float64 `json:"timezoneOffset"`
	Accounts         []struct {
		AccountID   string `json:"accountId"`
		AccountName string `json:"accountName"`
		Preferred   bool   `json:"preferred"`
		AccountType string `json:"accountType"`
	} `json:"accounts"`
}
