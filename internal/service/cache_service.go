package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"b2c-session/pkg/redis"
)

// CacheService shares short-lived backend state through Redis with a
// cache-aside pattern. Cache failures never fail the caller.
type CacheService struct {
	redis  *redis.Client
	logger *zap.Logger
}

// NewCacheService creates a new cache service
func NewCacheService(redisClient *redis.Client, logger *zap.Logger) *CacheService {
	return &CacheService{
		redis:  redisClient,
		logger: logger,
	}
}

// GetServiceTokenWithCache returns the cached client-credentials token for
// clientID, or calls fetch and caches its result until shortly before it
// expires.
func (c *CacheService) GetServiceTokenWithCache(ctx context.Context, clientID string, fetch func(ctx context.Context) (*oauth2.Token, error)) (*oauth2.Token, error) {
	cacheKey := c.redis.KeyBuilder.KeyServiceToken(clientID)

	cachedData, err := c.redis.Get(ctx, cacheKey)
	if err == nil && cachedData != "" {
		var tok oauth2.Token
		if unmarshalErr := json.Unmarshal([]byte(cachedData), &tok); unmarshalErr != nil {
			c.logger.Warn("Service token cache corrupted, fetching a new token",
				zap.String("client_id", clientID),
				zap.Error(unmarshalErr))
		} else if tok.Valid() {
			c.logger.Debug("Service token cache hit", zap.String("client_id", clientID))
			return &tok, nil
		}
	} else if err != nil && !redis.IsMiss(err) {
		c.logger.Warn("Service token cache error, fetching a new token",
			zap.String("client_id", clientID),
			zap.Error(err))
	}

	c.logger.Debug("Service token cache miss", zap.String("client_id", clientID))
	tok, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.cacheServiceToken(ctx, cacheKey, tok)
	return tok, nil
}

// InvalidateServiceToken drops the cached token for clientID
func (c *CacheService) InvalidateServiceToken(ctx context.Context, clientID string) error {
	return c.redis.Delete(ctx, c.redis.KeyBuilder.KeyServiceToken(clientID))
}

// HealthCheck performs a health check on the cache system
func (c *CacheService) HealthCheck(ctx context.Context) error {
	start := time.Now()
	err := c.redis.Health(ctx)
	duration := time.Since(start)

	if err != nil {
		c.logger.Error("Cache health check failed",
			zap.Duration("duration", duration),
			zap.Error(err))
		return err
	}

	c.logger.Debug("Cache health check passed", zap.Duration("duration", duration))
	return nil
}

// cacheServiceToken stores tok for its remaining lifetime minus the skew.
// Tokens without an expiry, or too close to it, are not cached.
func (c *CacheService) cacheServiceToken(ctx context.Context, cacheKey string, tok *oauth2.Token) {
	if tok.Expiry.IsZero() {
		return
	}
	ttl := time.Until(tok.Expiry) - redis.TTLServiceTokenSkew
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(tok)
	if err != nil {
		c.logger.Error("Failed to marshal service token for caching", zap.Error(err))
		return
	}

	if err := c.redis.Set(ctx, cacheKey, string(data), ttl); err != nil {
		c.logger.Warn("Failed to cache service token", zap.Error(err))
		return
	}
	c.logger.Debug("Service token cached", zap.Duration("ttl", ttl))
}
