package flow

import (
	"context"
	"strconv"

	"b2c-session/internal/domain"
	"b2c-session/internal/provider"
	apperrors "b2c-session/pkg/errors"
)

// BrowserStrategy runs the implicit flow: the access token arrives in the
// redirect fragment and no exchange request is made.
type BrowserStrategy struct {
	client *provider.Client
}

func NewBrowserStrategy(client *provider.Client) *BrowserStrategy {
	return &BrowserStrategy{client: client}
}

func (s *BrowserStrategy) Name() string { return "browser" }

func (s *BrowserStrategy) RedirectURL() string { return s.client.Config().RedirectURL }

func (s *BrowserStrategy) AuthorizationURL(intent Intent) string {
	return s.client.AuthorizationURL(s.client.PolicyFor(intent == IntentEdit), provider.ResponseTypeToken)
}

// Resume accepts both the raw fragment form and an already-normalized query
func (s *BrowserStrategy) Resume(redirectURL string) (*Callback, error) {
	return parseCallback(fragmentToQuery(redirectURL))
}

func (s *BrowserStrategy) Exchange(_ context.Context, _ Intent, cb *Callback) (*domain.TokenResponse, error) {
	if cb == nil || cb.Params.Get("access_token") == "" {
		return nil, apperrors.NewProviderError("invalid_request", "redirect carried no access token")
	}
	p := cb.Params
	resp := &domain.TokenResponse{
		AccessToken: p.Get("access_token"),
		TokenType:   p.Get("token_type"),
		IDToken:     p.Get("id_token"),
		Scope:       p.Get("scope"),
	}
	if v := p.Get("expires_in"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, apperrors.NewDecodeError("expires_in is not a number", err)
		}
		resp.ExpiresIn = domain.FlexInt(n)
	}
	return resp, nil
}
