package store

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"b2c-session/internal/domain"
	apperrors "b2c-session/pkg/errors"
	"b2c-session/pkg/logger"
	"b2c-session/pkg/redis"
)

// RedisStore keeps the credential under one environment-prefixed key
type RedisStore struct {
	client *redis.Client
	key    string
	log    *logger.Logger
}

func NewRedisStore(client *redis.Client, sessionKey string, log *logger.Logger) *RedisStore {
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisStore{
		client: client,
		key:    client.KeyBuilder.KeySession(sessionKey),
		log:    log.Named("redis_store"),
	}
}

func (s *RedisStore) Load(ctx context.Context) (*domain.Credential, error) {
	raw, err := s.client.Get(ctx, s.key)
	if redis.IsMiss(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStoreError("failed to read credential", err)
	}

	var cred domain.Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, apperrors.NewStoreError("stored credential is corrupt", err)
	}
	return &cred, nil
}

func (s *RedisStore) Save(ctx context.Context, cred *domain.Credential) error {
	if cred == nil {
		return apperrors.NewStoreError("refusing to save empty credential", nil)
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return apperrors.NewStoreError("failed to encode credential", err)
	}
	if err := s.client.Set(ctx, s.key, data, redis.TTLSession); err != nil {
		return apperrors.NewStoreError("failed to write credential", err)
	}
	s.log.Debug("credential stored", zap.Bool("has_refresh_token", cred.RefreshToken != ""))
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Delete(ctx, s.key); err != nil {
		return apperrors.NewStoreError("failed to remove credential", err)
	}
	return nil
}
