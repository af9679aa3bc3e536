package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"b2c-session/internal/service"
	apperrors "b2c-session/pkg/errors"
	"b2c-session/pkg/logger"
)

// Config describes where signing keys come from and what tokens must carry
type Config struct {
	// MetadataURL is the policy's OpenID discovery document
	MetadataURL string

	// Audience is the client id tokens must be issued for
	Audience string

	// ValidateIssuer enables the iss check. Issuers, when set, replaces the
	// issuer advertised by the metadata document.
	ValidateIssuer bool
	Issuers        []string

	HTTPClient *http.Client
}

// openIDMetadata is the subset of the discovery document we use
type openIDMetadata struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// Service validates RS256 bearer tokens against the provider's published
// keys. Keys are fetched once and then only read.
type Service struct {
	cfg        Config
	httpClient *http.Client
	logger     *logger.Logger

	mu     sync.RWMutex
	keys   map[string]*rsa.PublicKey
	issuer string
	loaded bool

	group singleflight.Group
}

// NewService creates a new bearer-token validator
func NewService(cfg Config, logger *logger.Logger) *Service {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}
	return &Service{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
	}
}

var _ service.TokenValidator = (*Service)(nil)

// Validate verifies token and returns its claims
func (s *Service) Validate(ctx context.Context, token string) (jwt.MapClaims, error) {
	if err := s.ensureKeys(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	issuer := s.issuer
	s.mu.RUnlock()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithExpirationRequired(),
	}
	if s.cfg.ValidateIssuer && len(s.cfg.Issuers) == 0 && issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, s.keyFunc)
	if err != nil || !parsed.Valid {
		s.logger.WithError(err).Debug("Bearer token rejected")
		return nil, apperrors.NewAuthenticationError("Invalid or expired token")
	}

	if s.cfg.ValidateIssuer && len(s.cfg.Issuers) > 0 {
		iss, _ := claims.GetIssuer()
		if !contains(s.cfg.Issuers, iss) {
			s.logger.WithField("issuer", iss).Debug("Bearer token from unknown issuer")
			return nil, apperrors.NewAuthenticationError("Invalid or expired token")
		}
	}

	return claims, nil
}

func (s *Service) keyFunc(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid")
	}

	s.mu.RLock()
	key, ok := s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}

// ensureKeys loads the key set on first use. Concurrent first requests share
// one fetch; a failed fetch is retried by the next request.
func (s *Service) ensureKeys(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	_, err, _ := s.group.Do("keys", func() (interface{}, error) {
		s.mu.RLock()
		done := s.loaded
		s.mu.RUnlock()
		if done {
			return nil, nil
		}
		return nil, s.loadKeys(ctx)
	})
	return err
}

func (s *Service) loadKeys(ctx context.Context) error {
	var meta openIDMetadata
	if err := s.getJSON(ctx, s.cfg.MetadataURL, &meta); err != nil {
		s.logger.WithError(err).Error("Failed to load OpenID metadata")
		return apperrors.NewExternalError("Failed to load identity provider metadata", err)
	}
	if meta.JWKSURI == "" {
		return apperrors.NewExternalError("Identity provider metadata has no jwks_uri", nil)
	}

	var set jwks
	if err := s.getJSON(ctx, meta.JWKSURI, &set); err != nil {
		s.logger.WithError(err).Error("Failed to load signing keys")
		return apperrors.NewExternalError("Failed to load identity provider signing keys", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := parseRSAKey(k)
		if err != nil {
			s.logger.WithError(err).WithField("kid", k.Kid).Warn("Skipping malformed signing key")
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return apperrors.NewExternalError("Identity provider published no usable signing keys", nil)
	}

	s.mu.Lock()
	s.keys = keys
	s.issuer = meta.Issuer
	s.loaded = true
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"issuer":    meta.Issuer,
		"key_count": len(keys),
	}).Info("Signing keys loaded")
	return nil
}

func (s *Service) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s returned status %d: %s", url, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseRSAKey(k jwk) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
