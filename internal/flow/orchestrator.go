package flow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"b2c-session/internal/domain"
	"b2c-session/internal/provider"
	"b2c-session/internal/store"
	apperrors "b2c-session/pkg/errors"
	"b2c-session/pkg/logger"
)

// ClaimDecoder decodes a token into claims
type ClaimDecoder interface {
	Decode(token string) (*domain.ClaimSet, error)
}

// Session receives the outcome of a completed flow
type Session interface {
	Establish(ctx context.Context, cred *domain.Credential, claims *domain.ClaimSet) (*domain.UserInfo, error)
	Credential() *domain.Credential
	SignOut(ctx context.Context) error
}

// Options configures an Orchestrator
type Options struct {
	Strategy Strategy
	Handoff  Handoff
	Store    store.TokenStore
	Decoder  ClaimDecoder
	Session  Session

	// Endpoints and LogoutRedirectURL enable the hosted logout on SignOut
	Endpoints         *provider.Endpoints
	LogoutPolicy      string
	LogoutRedirectURL string

	Clock  func() time.Time
	Logger *logger.Logger
}

// Orchestrator runs one authorization flow end to end: initiate, hand off,
// resume, exchange, finalize.
type Orchestrator struct {
	strategy Strategy
	handoff  Handoff
	store    store.TokenStore
	decoder  ClaimDecoder
	session  Session

	endpoints         *provider.Endpoints
	logoutPolicy      string
	logoutRedirectURL string

	now func() time.Time
	log *logger.Logger
}

func NewOrchestrator(opts Options) *Orchestrator {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Orchestrator{
		strategy:          opts.Strategy,
		handoff:           opts.Handoff,
		store:             opts.Store,
		decoder:           opts.Decoder,
		session:           opts.Session,
		endpoints:         opts.Endpoints,
		logoutPolicy:      opts.LogoutPolicy,
		logoutRedirectURL: opts.LogoutRedirectURL,
		now:               clock,
		log:               log.Named("flow"),
	}
}

// Run drives one flow for intent and returns the signed-in user
func (o *Orchestrator) Run(ctx context.Context, intent Intent) (*domain.UserInfo, error) {
	log := o.log.With(zap.String("platform", o.strategy.Name()), zap.Stringer("intent", intent))

	authURL := o.strategy.AuthorizationURL(intent)
	log.Debug("flow initiated")

	result, err := o.handoff.Open(ctx, authURL, o.strategy.RedirectURL())
	if err != nil {
		log.Error("hosted UI hand-off failed", zap.Error(err))
		return nil, apperrors.NewInternalError("hosted UI hand-off failed", err)
	}
	if result.Type != HandoffSuccess {
		log.Info("flow cancelled", zap.String("result", string(result.Type)))
		return nil, apperrors.NewUserCancelledError("sign-in was not completed")
	}

	cb, err := o.strategy.Resume(result.URL)
	if err != nil {
		if cb != nil {
			log.Warn("provider redirected with error",
				zap.String("error", cb.Error),
				zap.String("error_description", cb.ErrorDescription))
		}
		return nil, err
	}

	tokens, err := o.strategy.Exchange(ctx, intent, cb)
	if err != nil {
		log.Warn("token exchange failed", zap.Error(err))
		return nil, err
	}

	return o.finalize(ctx, intent, tokens)
}

func (o *Orchestrator) finalize(ctx context.Context, intent Intent, tokens *domain.TokenResponse) (*domain.UserInfo, error) {
	issuedAt := o.now()

	claims, err := o.decoder.Decode(tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	fresh := domain.NewCredential(tokens, issuedAt)
	if fresh.ExpiresOn == 0 && claims.ExpiresAt > 0 {
		fresh.ExpiresOn = claims.ExpiresAt
	}
	cred := fresh
	persist := true

	if intent == IntentEdit {
		stored, err := o.store.Load(ctx)
		if err != nil {
			o.log.Warn("could not load stored credential for edit", zap.Error(err))
		}
		switch {
		case stored != nil:
			cred = stored.WithAccessToken(fresh.AccessToken, fresh.ExpiresOn)
		default:
			// Nothing to merge into: show the result but persist nothing.
			persist = false
			if current := o.session.Credential(); current != nil {
				cred = current.WithAccessToken(fresh.AccessToken, fresh.ExpiresOn)
			}
			o.log.Warn("no stored credential, edit result is not persisted")
		}
	}

	if persist {
		if err := o.store.Save(ctx, cred); err != nil {
			o.log.Warn("credential not persisted, continuing in memory", zap.Error(err))
		}
	}

	return o.session.Establish(ctx, cred, claims)
}

// SignOut runs the hosted logout when configured, then clears the session.
// The logout redirect is best effort; local state is cleared regardless.
func (o *Orchestrator) SignOut(ctx context.Context) error {
	if o.endpoints != nil && o.logoutRedirectURL != "" {
		logoutURL := o.endpoints.LogoutURL(o.logoutPolicy, o.logoutRedirectURL)
		result, err := o.handoff.Open(ctx, logoutURL, o.logoutRedirectURL)
		switch {
		case err != nil:
			o.log.Warn("hosted logout failed", zap.Error(err))
		case result.Type != HandoffSuccess:
			o.log.Info("hosted logout not completed", zap.String("result", string(result.Type)))
		}
	}
	return o.session.SignOut(context.WithoutCancel(ctx))
}
