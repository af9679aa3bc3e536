package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"b2c-session/internal/domain"
	apperrors "b2c-session/pkg/errors"
	"b2c-session/pkg/logger"
)

// DefaultHTTPTimeout bounds a single token endpoint request
const DefaultHTTPTimeout = 30 * time.Second

// maxErrorBody caps how much of an unexpected response is kept for logs
const maxErrorBody = 512

// Response types for the authorization request
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// Config describes one registered client application
type Config struct {
	ClientID     string
	SignInPolicy string
	EditPolicy   string
	Nonce        string
	RedirectURL  string

	// Scope is requested on the authorization URL
	Scope string

	// TokenScope is sent to the token endpoint. Defaults to
	// "{ClientID} offline_access".
	TokenScope string

	HTTPClient *http.Client
}

// Client talks to the identity provider's authorize and token endpoints
type Client struct {
	endpoints  *Endpoints
	cfg        Config
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(endpoints *Endpoints, cfg Config, log *logger.Logger) *Client {
	if cfg.TokenScope == "" {
		cfg.TokenScope = cfg.ClientID + " offline_access"
	}
	if cfg.Nonce == "" {
		cfg.Nonce = "defaultNonce"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		endpoints:  endpoints,
		cfg:        cfg,
		httpClient: httpClient,
		log:        log.Named("provider"),
	}
}

func (c *Client) Endpoints() *Endpoints { return c.endpoints }

func (c *Client) Config() Config { return c.cfg }

// PolicyFor maps an edit flag to the configured policy name
func (c *Client) PolicyFor(edit bool) string {
	if edit {
		return c.cfg.EditPolicy
	}
	return c.cfg.SignInPolicy
}

// AuthorizationURL builds the hosted-UI URL for policy. The login prompt is
// always forced and the nonce is fixed.
func (c *Client) AuthorizationURL(policy, responseType string) string {
	oc := oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: c.cfg.RedirectURL,
		Endpoint:    oauth2.Endpoint{AuthURL: c.endpoints.AuthorizeURL()},
		Scopes:      strings.Fields(c.cfg.Scope),
	}
	return oc.AuthCodeURL("",
		oauth2.SetAuthURLParam("p", policy),
		oauth2.SetAuthURLParam("nonce", c.cfg.Nonce),
		oauth2.SetAuthURLParam("response_type", responseType),
		oauth2.SetAuthURLParam("prompt", "login"),
	)
}

// ExchangeCode redeems an authorization code at policy's token endpoint
func (c *Client) ExchangeCode(ctx context.Context, policy, code string) (*domain.TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"response_type": {"token"},
		"client_id":     {c.cfg.ClientID},
		"scope":         {c.cfg.TokenScope},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURL},
	}
	return c.postToken(ctx, policy, form)
}

// Refresh redeems a refresh token at the sign-in policy's token endpoint
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*domain.TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"scope":         {c.cfg.TokenScope},
		"refresh_token": {refreshToken},
		"redirect_uri":  {c.cfg.RedirectURL},
	}
	return c.postToken(ctx, c.cfg.SignInPolicy, form)
}

// errorPayload is the OAuth error body
type errorPayload struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *Client) postToken(ctx context.Context, policy string, form url.Values) (*domain.TokenResponse, error) {
	grant := form.Get("grant_type")
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.TokenURL(policy), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("token request failed",
			zap.String("grant_type", grant),
			zap.String("policy", policy),
			zap.Error(err))
		return nil, apperrors.NewNetworkError("token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewNetworkError("failed to read token response", err)
	}

	var payload errorPayload
	_ = json.Unmarshal(body, &payload)
	if payload.Error != "" {
		c.log.Warn("token endpoint returned error",
			zap.String("grant_type", grant),
			zap.String("policy", policy),
			zap.Int("status", resp.StatusCode),
			zap.String("error", payload.Error),
			zap.String("error_description", payload.ErrorDescription))
		return nil, apperrors.NewProviderError(payload.Error, payload.ErrorDescription)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("token endpoint returned unexpected status",
			zap.String("grant_type", grant),
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(body), maxErrorBody)))
		return nil, apperrors.NewProviderError("server_error",
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode))
	}

	var tokens domain.TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, apperrors.NewDecodeError("token response is not valid JSON", err)
	}
	if tokens.AccessToken == "" {
		return nil, apperrors.NewProviderError("invalid_response", "token response has no access_token")
	}

	c.log.Info("token request succeeded",
		zap.String("grant_type", grant),
		zap.String("policy", policy),
		zap.String("access_token", logger.TokenHint(tokens.AccessToken)),
		zap.Bool("has_refresh_token", tokens.RefreshToken != ""),
		zap.Duration("duration", time.Since(start)))
	return &tokens, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
