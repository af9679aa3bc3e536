package flow

import (
	"context"
	"net/url"
	"strings"

	"b2c-session/internal/domain"
	apperrors "b2c-session/pkg/errors"
)

// Intent selects the policy a flow runs
type Intent int

const (
	IntentSignIn Intent = iota
	IntentEdit
)

func (i Intent) String() string {
	if i == IntentEdit {
		return "edit"
	}
	return "signin"
}

// Callback holds the parameters the provider redirected back with
type Callback struct {
	Code             string
	Error            string
	ErrorDescription string
	Params           url.Values
}

// Strategy is one platform's way of running the authorization flow
type Strategy interface {
	// Name identifies the platform in logs
	Name() string

	// RedirectURL is where the hosted UI sends the user back to
	RedirectURL() string

	// AuthorizationURL builds the hosted-UI URL for intent
	AuthorizationURL(intent Intent) string

	// Resume parses the redirect the hand-off returned. An error parameter
	// yields a provider error.
	Resume(redirectURL string) (*Callback, error)

	// Exchange turns a callback into tokens
	Exchange(ctx context.Context, intent Intent, cb *Callback) (*domain.TokenResponse, error)
}

// parseCallback reads code or error parameters from a redirect URL's query
func parseCallback(raw string) (*Callback, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperrors.NewDecodeError("redirect URL is malformed", err)
	}
	q := u.Query()

	cb := &Callback{
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		Params:           q,
	}
	if cb.Error != "" {
		return cb, apperrors.NewProviderError(cb.Error, cb.ErrorDescription)
	}
	return cb, nil
}

// fragmentToQuery rewrites "base#a=1" as "base?a=1", or "base?x=y&a=1" when
// base already has a query.
func fragmentToQuery(raw string) string {
	idx := strings.Index(raw, "#")
	if idx < 0 {
		return raw
	}
	base, frag := raw[:idx], raw[idx+1:]
	if frag == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + frag
}
