package flow

import (
	"context"

	"b2c-session/internal/domain"
	"b2c-session/internal/provider"
	apperrors "b2c-session/pkg/errors"
)

// NativeStrategy runs the authorization-code flow: the redirect carries a
// code that is exchanged at the token endpoint.
type NativeStrategy struct {
	client *provider.Client
}

func NewNativeStrategy(client *provider.Client) *NativeStrategy {
	return &NativeStrategy{client: client}
}

func (s *NativeStrategy) Name() string { return "native" }

func (s *NativeStrategy) RedirectURL() string { return s.client.Config().RedirectURL }

func (s *NativeStrategy) AuthorizationURL(intent Intent) string {
	return s.client.AuthorizationURL(s.client.PolicyFor(intent == IntentEdit), provider.ResponseTypeCode)
}

func (s *NativeStrategy) Resume(redirectURL string) (*Callback, error) {
	return parseCallback(redirectURL)
}

// Exchange redeems the code at the intent's own policy endpoint
func (s *NativeStrategy) Exchange(ctx context.Context, intent Intent, cb *Callback) (*domain.TokenResponse, error) {
	if cb == nil || cb.Code == "" {
		return nil, apperrors.NewProviderError("invalid_request", "redirect carried no authorization code")
	}
	return s.client.ExchangeCode(ctx, s.client.PolicyFor(intent == IntentEdit), cb.Code)
}
