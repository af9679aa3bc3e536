package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"b2c-session/internal/service"
	apperrors "b2c-session/pkg/errors"
	"b2c-session/pkg/logger"
	"b2c-session/pkg/redis"
)

// Config holds the service credential and the directory location
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string
	BaseURL      string

	HTTPClient *http.Client
}

// Service looks users up in the directory with a client-credentials token.
// The token is shared through Redis when a client is configured and reused
// in-process otherwise.
type Service struct {
	cfg        Config
	httpClient *http.Client
	cc         *clientcredentials.Config
	cache      *service.CacheService
	logger     *logger.Logger

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

// NewService creates a new directory service. cache may be nil.
func NewService(cfg Config, cache *service.CacheService, logger *logger.Logger) *Service {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{cfg.Scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	s := &Service{
		cfg:        cfg,
		httpClient: httpClient,
		cc:         cc,
		cache:      cache,
		logger:     logger,
	}
	s.tokens = s.newTokenSource()
	return s
}

func (s *Service) newTokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, s.cc.TokenSource(s.tokenContext(context.Background())), redis.TTLServiceTokenSkew)
}

var _ service.DirectoryService = (*Service)(nil)

func (s *Service) tokenContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// LookupUser fetches the directory record for subject and returns the body
// unchanged. Every failure is an upstream proxy error carrying the upstream
// payload; nothing is retried.
func (s *Service) LookupUser(ctx context.Context, subject string) (json.RawMessage, error) {
	log := s.logger.WithField("subject", subject)

	token, err := s.serviceToken(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to obtain service token")
		return nil, apperrors.NewUpstreamProxyError("Failed to obtain service token", tokenErrorPayload(err), err)
	}

	endpoint := fmt.Sprintf("%s/v1.0/users/%s", s.cfg.BaseURL, url.PathEscape(subject))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.NewUpstreamProxyError("Failed to build directory request", nil, err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Error("Directory request failed")
		return nil, apperrors.NewUpstreamProxyError("Directory request failed", map[string]interface{}{"message": err.Error()}, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewUpstreamProxyError("Failed to read directory response", nil, err)
	}

	log = log.WithFields(map[string]interface{}{
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	})

	if resp.StatusCode == http.StatusUnauthorized {
		s.dropServiceToken(ctx)
	}
	if resp.StatusCode != http.StatusOK {
		log.Warn("Directory lookup failed")
		return nil, apperrors.NewUpstreamProxyError(
			"Directory lookup failed",
			payloadOf(body),
			fmt.Errorf("directory returned status %d", resp.StatusCode),
		)
	}
	if !json.Valid(body) {
		log.Warn("Directory returned a non-JSON body")
		return nil, apperrors.NewUpstreamProxyError("Directory returned an invalid response", payloadOf(body), nil)
	}

	log.Debug("Directory lookup succeeded")
	return json.RawMessage(body), nil
}

// serviceToken prefers the shared cache and falls back to in-process reuse
// when Redis is not configured.
func (s *Service) serviceToken(ctx context.Context) (*oauth2.Token, error) {
	if s.cache == nil {
		s.mu.Lock()
		tokens := s.tokens
		s.mu.Unlock()
		return tokens.Token()
	}
	return s.cache.GetServiceTokenWithCache(ctx, s.cfg.ClientID, func(ctx context.Context) (*oauth2.Token, error) {
		return s.cc.Token(s.tokenContext(ctx))
	})
}

// dropServiceToken forgets a token the directory rejected so the next
// request fetches a new one. The failed request is not retried.
func (s *Service) dropServiceToken(ctx context.Context) {
	s.logger.Warn("Directory rejected the service token, dropping it")
	if s.cache != nil {
		if err := s.cache.InvalidateServiceToken(ctx, s.cfg.ClientID); err != nil {
			s.logger.WithError(err).Warn("Failed to drop cached service token")
		}
		return
	}
	s.mu.Lock()
	s.tokens = s.newTokenSource()
	s.mu.Unlock()
}

// tokenErrorPayload exposes the token endpoint's error body when there is one
func tokenErrorPayload(err error) interface{} {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && len(rErr.Body) > 0 {
		return payloadOf(rErr.Body)
	}
	return map[string]interface{}{"message": err.Error()}
}

// payloadOf returns body as decoded JSON, or as a string when it is not JSON
func payloadOf(body []byte) interface{} {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return string(body)
}
