package models

import "time"

// AccessToken is the bank's token endpoint response.
type AccessToken struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	Scope        string    `json:"scope,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ObtainedAt   time.Time `json:"obtained_at"`
}

// Preview returns a truncated form of the access token safe for logs and
// status responses.
func (t AccessToken) Preview() string {
	if len(t.AccessToken) <= 20 {
		return t.AccessToken
	}
	return t.AccessToken[:20] + "..."
}
