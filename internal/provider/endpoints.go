package provider

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoints builds the identity provider's policy-scoped URLs
type Endpoints struct {
	base string
}

// NewEndpoints returns endpoints for tenant. authorityBase overrides the
// default https://{tenant}.b2clogin.com/{tenant}.onmicrosoft.com and is
// mostly useful for pointing at a fake provider.
func NewEndpoints(tenant, authorityBase string) *Endpoints {
	base := strings.TrimRight(authorityBase, "/")
	if base == "" {
		base = fmt.Sprintf("https://%s.b2clogin.com/%s.onmicrosoft.com", tenant, tenant)
	}
	return &Endpoints{base: base}
}

// Base returns the authority base URL
func (e *Endpoints) Base() string {
	return e.base
}

// AuthorizeURL is policy-agnostic; the policy travels in the p parameter
func (e *Endpoints) AuthorizeURL() string {
	return e.base + "/oauth2/v2.0/authorize"
}

func (e *Endpoints) TokenURL(policy string) string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", e.base, policy)
}

func (e *Endpoints) LogoutURL(policy, postLogoutRedirect string) string {
	u := fmt.Sprintf("%s/%s/oauth2/v2.0/logout", e.base, policy)
	if postLogoutRedirect == "" {
		return u
	}
	return u + "?" + url.Values{"post_logout_redirect_uri": {postLogoutRedirect}}.Encode()
}

// MetadataURL is the OpenID discovery document for policy
func (e *Endpoints) MetadataURL(policy string) string {
	return fmt.Sprintf("%s/%s/v2.0/.well-known/openid-configuration", e.base, policy)
}
