package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"b2c-session/internal/domain"
	apperrors "b2c-session/pkg/errors"
	"b2c-session/pkg/logger"
)

// Client fetches the directory profile through the backend's /auth endpoint
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(baseURL string, httpClient *http.Client, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		log:        log.Named("profile"),
	}
}

type envelope struct {
	Result *domain.DirectoryProfile `json:"result"`
	Error  interface{}              `json:"error"`
}

// FetchProfile calls GET /auth with accessToken as the bearer credential
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*domain.DirectoryProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth", nil)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build profile request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewNetworkError("profile service unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewNetworkError("failed to read profile response", err)
	}

	c.log.Debug("profile fetched",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, apperrors.NewAuthenticationError("profile service rejected the access token")
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, apperrors.NewUpstreamProxyError(
				fmt.Sprintf("profile service returned status %d", resp.StatusCode), nil, err)
		}
		return nil, apperrors.NewDecodeError("profile response is not valid JSON", err)
	}

	if resp.StatusCode != http.StatusOK || env.Error != nil {
		return nil, apperrors.NewUpstreamProxyError(
			fmt.Sprintf("profile lookup failed with status %d", resp.StatusCode), env.Error, nil)
	}
	if env.Result == nil {
		return nil, apperrors.NewUpstreamProxyError("profile response has no result", nil, nil)
	}
	return env.Result, nil
}
