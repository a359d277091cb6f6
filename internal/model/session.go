package model

import "time"

// Session is the broker's single-day access credential. It is valid until the
// next daily cutover after IssuedAt (see markethours.SessionExpiry).
type Session struct {
	AccessToken  string    `json:"access_token"`
	APIKey       string    `json:"api_key"`
	UserID       string    `json:"user_id,omitempty"`
	IssuedAt     time.Time `json:"login_time"`
	RequestToken string    `json:"request_token,omitempty"` // token that produced this session
}

// Empty reports whether the session carries no access token.
func (s Session) Empty() bool { return s.AccessToken == "" }
