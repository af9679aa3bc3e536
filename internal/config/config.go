package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	apperrors "b2c-session/pkg/errors"
)

// Config holds all configuration values for the backend and the CLI client
type Config struct {
	// Backend
	Port           string
	AllowedOrigins []string
	LogLevel       string
	RedisURL       string
	Environment    string
	RateLimitRPM   int

	// Identity provider
	TenantName       string
	AuthorityBaseURL string // overrides https://{tenant}.b2clogin.com/{tenant}.onmicrosoft.com
	ClientID         string
	SignInPolicy     string
	EditPolicy       string
	ValidateIssuer   bool
	Nonce            string
	APIScope         string // scope requested by the browser variant
	KnownIssuers     []string

	// Directory lookup (service credential)
	GraphClientID     string
	GraphClientSecret string
	GraphScope        string
	GraphTokenURL     string
	GraphBaseURL      string

	// Client
	ClientPlatform           string // native | browser
	NativeRedirectURL        string
	BrowserRedirectURL       string
	NativeLogoutRedirectURL  string
	BrowserLogoutRedirectURL string
	APIBaseURL               string
	TokenStore               string // file | redis | memory
	TokenStoreDir            string
	SessionKey               string
}

const (
	PlatformNative  = "native"
	PlatformBrowser = "browser"
)

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	tenant := getEnv("B2C_TENANT_NAME", "")
	clientID := getEnv("B2C_CLIENT_ID", "")

	rpm, err := getIntEnv("RATE_LIMIT_RPM", 60)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           getEnv("PORT", "5000"),
		AllowedOrigins: parseList(getEnv("ALLOWED_ORIGINS", "http://localhost:19006")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RedisURL:       getEnv("REDIS_URL", ""),
		Environment:    getEnv("ENVIRONMENT", "production"),
		RateLimitRPM:   rpm,

		TenantName:       tenant,
		AuthorityBaseURL: getEnv("B2C_AUTHORITY_BASE_URL", ""),
		ClientID:         clientID,
		SignInPolicy:     getEnv("B2C_POLICY_SIGNIN", "B2C_1_signupsignin"),
		EditPolicy:       getEnv("B2C_POLICY_EDIT", "B2C_1_edit"),
		ValidateIssuer:   getBoolEnv("B2C_VALIDATE_ISSUER", true),
		Nonce:            getEnv("B2C_NONCE", "defaultNonce"),
		APIScope:         getEnv("B2C_API_SCOPE", defaultAPIScope(tenant)),
		KnownIssuers:     parseList(getEnv("B2C_ISSUERS", "")),

		GraphClientID:     getEnv("GRAPH_CLIENT_ID", ""),
		GraphClientSecret: getEnv("GRAPH_CLIENT_SECRET", ""),
		GraphScope:        getEnv("GRAPH_SCOPE", "https://graph.microsoft.com/.default"),
		GraphTokenURL:     getEnv("GRAPH_TOKEN_URL", defaultGraphTokenURL(tenant)),
		GraphBaseURL:      strings.TrimRight(getEnv("GRAPH_BASE_URL", "https://graph.microsoft.com"), "/"),

		ClientPlatform:           strings.ToLower(getEnv("CLIENT_PLATFORM", PlatformNative)),
		NativeRedirectURL:        getEnv("NATIVE_REDIRECT_URL", "http://127.0.0.1:19000/auth"),
		BrowserRedirectURL:       getEnv("BROWSER_REDIRECT_URL", "http://localhost:19006"),
		NativeLogoutRedirectURL:  getEnv("NATIVE_LOGOUT_REDIRECT_URL", "http://127.0.0.1:19000/logout"),
		BrowserLogoutRedirectURL: getEnv("BROWSER_LOGOUT_REDIRECT_URL", "http://localhost:19006/logout"),
		APIBaseURL:               strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:5000"), "/"),
		TokenStore:               strings.ToLower(getEnv("TOKEN_STORE", "file")),
		TokenStoreDir:            getEnv("TOKEN_STORE_DIR", ""),
		SessionKey:               getEnv("SESSION_KEY", "b2c_session"),
	}

	return cfg, nil
}

// RedirectURL returns the redirect URL for the configured platform
func (c *Config) RedirectURL() string {
	if c.ClientPlatform == PlatformBrowser {
		return c.BrowserRedirectURL
	}
	return c.NativeRedirectURL
}

// LogoutRedirectURL returns the post-logout redirect for the configured platform
func (c *Config) LogoutRedirectURL() string {
	if c.ClientPlatform == PlatformBrowser {
		return c.BrowserLogoutRedirectURL
	}
	return c.NativeLogoutRedirectURL
}

// ValidateServer reports the keys the backend cannot start without
func (c *Config) ValidateServer() error {
	var missing []string
	if c.TenantName == "" && c.AuthorityBaseURL == "" {
		missing = append(missing, "B2C_TENANT_NAME")
	}
	if c.ClientID == "" {
		missing = append(missing, "B2C_CLIENT_ID")
	}
	if c.GraphClientID == "" {
		missing = append(missing, "GRAPH_CLIENT_ID")
	}
	if c.GraphClientSecret == "" {
		missing = append(missing, "GRAPH_CLIENT_SECRET")
	}
	if c.GraphTokenURL == "" {
		missing = append(missing, "GRAPH_TOKEN_URL")
	}
	if len(missing) > 0 {
		return missingConfig(missing)
	}
	return nil
}

// ValidateClient reports the keys the CLI client cannot run without
func (c *Config) ValidateClient() error {
	var missing []string
	if c.TenantName == "" && c.AuthorityBaseURL == "" {
		missing = append(missing, "B2C_TENANT_NAME")
	}
	if c.ClientID == "" {
		missing = append(missing, "B2C_CLIENT_ID")
	}
	if len(missing) > 0 {
		return missingConfig(missing)
	}

	switch c.ClientPlatform {
	case PlatformNative, PlatformBrowser:
	default:
		return apperrors.NewValidationError(
			fmt.Sprintf("CLIENT_PLATFORM must be %q or %q, got %q", PlatformNative, PlatformBrowser, c.ClientPlatform),
			map[string]interface{}{"key": "CLIENT_PLATFORM"})
	}
	switch c.TokenStore {
	case "file", "memory":
	case "redis":
		if c.RedisURL == "" {
			return apperrors.NewValidationError("TOKEN_STORE=redis requires REDIS_URL",
				map[string]interface{}{"key": "REDIS_URL"})
		}
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unknown TOKEN_STORE %q", c.TokenStore),
			map[string]interface{}{"key": "TOKEN_STORE"})
	}
	return nil
}

func missingConfig(missing []string) error {
	return apperrors.NewValidationError(
		"missing required configuration: "+strings.Join(missing, ", "),
		map[string]interface{}{"missing": missing})
}

func defaultAPIScope(tenant string) string {
	if tenant == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.onmicrosoft.com/api/read", tenant)
}

func defaultGraphTokenURL(tenant string) string {
	if tenant == "" {
		return ""
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s.onmicrosoft.com/oauth2/v2.0/token", tenant)
}

// getEnv gets an environment variable with a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parseList parses a comma-separated value into a slice
func parseList(value string) []string {
	if value == "" {
		return []string{}
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// getBoolEnv gets a boolean environment variable with a fallback value
func getBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getIntEnv(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
