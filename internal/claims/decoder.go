package claims

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"b2c-session/internal/domain"
	apperrors "b2c-session/pkg/errors"
)

// tokenClaims mirrors the claim names issued by the identity provider.
// Optional claims decode to their zero value when absent.
type tokenClaims struct {
	jwt.RegisteredClaims
	IdentityProvider            string   `json:"idp,omitempty"`
	IdentityProviderAccessToken string   `json:"idp_access_token,omitempty"`
	GivenName                   string   `json:"given_name,omitempty"`
	FamilyName                  string   `json:"family_name,omitempty"`
	Name                        string   `json:"name,omitempty"`
	Emails                      []string `json:"emails,omitempty"`
	Email                       string   `json:"email,omitempty"`
	TrustFrameworkPolicy        string   `json:"tfp,omitempty"`
	ACR                         string   `json:"acr,omitempty"`
}

// Decoder projects a token's payload into a ClaimSet. Signatures are not
// checked here; the backend verifies bearer tokens before trusting them.
type Decoder struct {
	parser *jwt.Parser
}

// NewDecoder creates a claim decoder
func NewDecoder() *Decoder {
	return &Decoder{parser: jwt.NewParser()}
}

// Decode parses token and returns its normalized claims
func (d *Decoder) Decode(token string) (*domain.ClaimSet, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperrors.NewDecodeError("token is empty", nil)
	}

	var tc tokenClaims
	if _, _, err := d.parser.ParseUnverified(token, &tc); err != nil {
		return nil, apperrors.NewDecodeError("malformed token", err)
	}

	emails := tc.Emails
	if len(emails) == 0 && tc.Email != "" {
		emails = []string{tc.Email}
	}
	if emails == nil {
		emails = []string{}
	}

	policy := tc.TrustFrameworkPolicy
	if policy == "" {
		policy = tc.ACR
	}

	cs := &domain.ClaimSet{
		Subject:                     tc.Subject,
		IdentityProvider:            tc.IdentityProvider,
		IdentityProviderAccessToken: tc.IdentityProviderAccessToken,
		GivenName:                   tc.GivenName,
		FamilyName:                  tc.FamilyName,
		Name:                        tc.Name,
		Emails:                      emails,
		Issuer:                      tc.Issuer,
		Policy:                      policy,
	}
	if tc.ExpiresAt != nil {
		cs.ExpiresAt = tc.ExpiresAt.Unix()
	}
	return cs, nil
}

// Decode is a convenience wrapper around a default Decoder
func Decode(token string) (*domain.ClaimSet, error) {
	cs, err := NewDecoder().Decode(token)
	if err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return cs, nil
}
