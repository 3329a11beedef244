package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TokenPair is the login response.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// Token is the field name older deployments used for the access token.
	Token string `json:"token,omitempty"`
}

// Access returns the access token, preferring accessToken over token.
func (p TokenPair) Access() string {
	if p.AccessToken != "" {
		return p.AccessToken
	}
	return p.Token
}

// Room is one entry of the active rooms listing.
type Room struct {
	ID              int64     `json:"id"`
	Name            string    `json:"roomName"`
	CreatedAt       Timestamp `json:"createdAt"`
	StartTime       Timestamp `json:"startTime"`
	MaxParticipants int       `json:"maxParticipants"`
	Status          int       `json:"status"`
}

// Timestamp decodes the server's date strings. The backend emits ISO-8601
// both with and without a zone; zone-less values are taken as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("timestamp: unsupported format %q", raw)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type joinRequest struct {
	RoomID int64 `json:"roomId"`
}
