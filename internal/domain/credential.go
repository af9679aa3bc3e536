package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// FlexInt is an integer that the token endpoint may send either as a JSON
// number or as a numeric string.
type FlexInt int64

// UnmarshalJSON accepts 3600, "3600", "" and null
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q: %w", s, err)
		}
		*f = FlexInt(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}

// TokenResponse is the token endpoint payload. The implicit flow builds one
// from redirect parameters.
type TokenResponse struct {
	AccessToken           string  `json:"access_token"`
	TokenType             string  `json:"token_type,omitempty"`
	ExpiresIn             FlexInt `json:"expires_in,omitempty"`
	ExpiresOn             FlexInt `json:"expires_on,omitempty"`
	NotBefore             FlexInt `json:"not_before,omitempty"`
	IDToken               string  `json:"id_token,omitempty"`
	IDTokenExpiresIn      FlexInt `json:"id_token_expires_in,omitempty"`
	ProfileInfo           string  `json:"profile_info,omitempty"`
	RefreshToken          string  `json:"refresh_token,omitempty"`
	RefreshTokenExpiresIn FlexInt `json:"refresh_token_expires_in,omitempty"`
	Scope                 string  `json:"scope,omitempty"`
	Resource              string  `json:"resource,omitempty"`
}

// Credential is the persisted token set. ExpiresOn is epoch seconds as sent
// by the provider; RefreshTokenExpiresOn is epoch milliseconds and is fixed
// when the refresh token is issued.
type Credential struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token,omitempty"`
	IDToken               string `json:"id_token,omitempty"`
	TokenType             string `json:"token_type,omitempty"`
	Scope                 string `json:"scope,omitempty"`
	ExpiresOn             int64  `json:"expires_on,omitempty"`
	RefreshTokenExpiresOn int64  `json:"refresh_token_expires_on,omitempty"`
}

// DeriveRefreshExpiry returns the absolute refresh-token expiry in epoch
// milliseconds. issuedAt is the moment the refresh token was received.
func DeriveRefreshExpiry(issuedAt time.Time, expiresIn int64) int64 {
	if expiresIn <= 0 {
		return 0
	}
	return issuedAt.UnixMilli() + expiresIn*1000
}

// accessExpiry prefers the absolute expires_on and falls back to expires_in.
func accessExpiry(resp *TokenResponse, issuedAt time.Time) int64 {
	if resp.ExpiresOn > 0 {
		return int64(resp.ExpiresOn)
	}
	if resp.ExpiresIn > 0 {
		return issuedAt.Unix() + int64(resp.ExpiresIn)
	}
	return 0
}

// NewCredential builds a record from a fresh token response
func NewCredential(resp *TokenResponse, issuedAt time.Time) *Credential {
	c := &Credential{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		TokenType:    resp.TokenType,
		Scope:        resp.Scope,
		ExpiresOn:    accessExpiry(resp, issuedAt),
	}
	if resp.RefreshToken != "" {
		c.RefreshTokenExpiresOn = DeriveRefreshExpiry(issuedAt, int64(resp.RefreshTokenExpiresIn))
	}
	return c
}

// Refreshed returns the record that replaces c after a refresh. A response
// without a refresh token keeps c's refresh token and its derived expiry.
func (c *Credential) Refreshed(resp *TokenResponse, issuedAt time.Time) *Credential {
	next := NewCredential(resp, issuedAt)
	if next.RefreshToken == "" {
		next.RefreshToken = c.RefreshToken
		next.RefreshTokenExpiresOn = c.RefreshTokenExpiresOn
	}
	if next.IDToken == "" {
		next.IDToken = c.IDToken
	}
	if next.Scope == "" {
		next.Scope = c.Scope
	}
	if next.TokenType == "" {
		next.TokenType = c.TokenType
	}
	return next
}

// WithAccessToken returns a copy of c where only the access token and its
// expiry are replaced. Used by the profile-edit flow. A zero expiresOn leaves
// the new token's expiry unknown; the old expiry belongs to the old token.
func (c *Credential) WithAccessToken(accessToken string, expiresOn int64) *Credential {
	next := *c
	next.AccessToken = accessToken
	next.ExpiresOn = expiresOn
	return &next
}

// Clone returns an independent copy
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	next := *c
	return &next
}

// IsAccessTokenExpired reports now >= expires_on. An unknown (zero) expiry is
// not expired.
func IsAccessTokenExpired(c *Credential, now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return true
	}
	if c.ExpiresOn == 0 {
		return false
	}
	return now.Unix() >= c.ExpiresOn
}

// IsRefreshTokenExpired reports now >= refresh_token_expires_on when a
// derived expiry exists.
func IsRefreshTokenExpired(c *Credential, now time.Time) bool {
	if c == nil || c.RefreshTokenExpiresOn == 0 {
		return false
	}
	return now.UnixMilli() >= c.RefreshTokenExpiresOn
}

// Decision is the outcome of the expiry policy for one record
type Decision int

const (
	DecisionSignInRequired Decision = iota
	DecisionReuse
	DecisionRefresh
)

func (d Decision) String() string {
	switch d {
	case DecisionReuse:
		return "reuse"
	case DecisionRefresh:
		return "refresh"
	default:
		return "sign_in_required"
	}
}

// Decide applies the expiry policy. An expired refresh token always requires
// interactive sign-in, even when the access token is still valid.
func Decide(c *Credential, now time.Time) Decision {
	if c == nil {
		return DecisionSignInRequired
	}
	if IsRefreshTokenExpired(c, now) {
		return DecisionSignInRequired
	}
	if !IsAccessTokenExpired(c, now) {
		return DecisionReuse
	}
	if c.RefreshToken == "" {
		return DecisionSignInRequired
	}
	return DecisionRefresh
}
