package redis

import "fmt"

// KeyBuilder provides environment-aware Redis key building functionality
type KeyBuilder struct {
	prefix string // Environment prefix (staging/prod)
}

// NewKeyBuilder creates a new key builder with environment-based prefix
func NewKeyBuilder(environment string) *KeyBuilder {
	prefix := "prod"
	switch environment {
	case "development", "staging":
		prefix = "staging"
	case "test":
		prefix = "test"
	}

	return &KeyBuilder{
		prefix: prefix,
	}
}

// BuildKey constructs a Redis key with the environment prefix
func (kb *KeyBuilder) BuildKey(key string) string {
	return fmt.Sprintf("%s:%s", kb.prefix, key)
}

// GetPrefix returns the current environment prefix
func (kb *KeyBuilder) GetPrefix() string {
	return kb.prefix
}

// KeySession is the single slot holding a serialized credential record
func (kb *KeyBuilder) KeySession(sessionKey string) string {
	return kb.BuildKey(fmt.Sprintf(KeySession, sessionKey))
}

// KeyServiceToken holds the cached client-credentials token for clientID
func (kb *KeyBuilder) KeyServiceToken(clientID string) string {
	return kb.BuildKey(fmt.Sprintf(KeyServiceToken, clientID))
}
