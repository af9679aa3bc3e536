package container

import (
	"b2c-session/internal/config"
	"b2c-session/internal/provider"
	"b2c-session/internal/service"
	"b2c-session/internal/service/auth"
	"b2c-session/internal/service/directory"
	"b2c-session/pkg/logger"
	"b2c-session/pkg/redis"
)

// Container holds all backend dependencies
type Container struct {
	Config      *config.Config
	Logger      *logger.Logger
	RedisClient *redis.Client
	Cache       *service.CacheService
	Services    *service.Services
}

// New creates a new dependency injection container
func New(cfg *config.Config, logger *logger.Logger) (*Container, error) {
	// Redis only caches the service token, so the backend runs without it
	var redisClient *redis.Client
	var cache *service.CacheService
	if cfg.RedisURL != "" {
		client, err := redis.NewClient(cfg.RedisURL, cfg.Environment, logger.Named("redis").Logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize Redis client, proceeding without token cache")
		} else {
			redisClient = client
			cache = service.NewCacheService(client, logger.Named("cache").Logger)
			logger.WithField("key_prefix", client.KeyBuilder.GetPrefix()).Info("Redis client initialized successfully")
		}
	} else {
		logger.Info("Redis URL not configured, proceeding without token cache")
	}

	endpoints := provider.NewEndpoints(cfg.TenantName, cfg.AuthorityBaseURL)

	authService := auth.NewService(auth.Config{
		MetadataURL:    endpoints.MetadataURL(cfg.SignInPolicy),
		Audience:       cfg.ClientID,
		ValidateIssuer: cfg.ValidateIssuer,
		Issuers:        cfg.KnownIssuers,
	}, logger.Named("auth"))

	directoryService := directory.NewService(directory.Config{
		ClientID:     cfg.GraphClientID,
		ClientSecret: cfg.GraphClientSecret,
		TokenURL:     cfg.GraphTokenURL,
		Scope:        cfg.GraphScope,
		BaseURL:      cfg.GraphBaseURL,
	}, cache, logger.Named("directory"))

	services := &service.Services{
		Auth:      authService,
		Directory: directoryService,
	}

	return &Container{
		Config:      cfg,
		Logger:      logger,
		RedisClient: redisClient,
		Cache:       cache,
		Services:    services,
	}, nil
}

// GetAuthService returns the bearer-token validator
func (c *Container) GetAuthService() service.TokenValidator {
	return c.Services.Auth
}

// GetDirectoryService returns the directory service
func (c *Container) GetDirectoryService() service.DirectoryService {
	return c.Services.Directory
}

// GetLogger returns the logger
func (c *Container) GetLogger() *logger.Logger {
	return c.Logger
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.Config {
	return c.Config
}

// GetRedisClient returns the Redis client (may be nil if not configured)
func (c *Container) GetRedisClient() *redis.Client {
	return c.RedisClient
}

// GetCacheService returns the shared token cache (nil without Redis)
func (c *Container) GetCacheService() *service.CacheService {
	return c.Cache
}
