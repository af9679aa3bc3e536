package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	// Create a miniredis server
	mr, err := miniredis.Run()
	require.NoError(t, err)

	// Create client with test redis
	client, err := NewClient("redis://"+mr.Addr(), "test", zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	return mr, client
}

func TestNewClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	tests := []struct {
		name        string
		url         string
		expectError bool
	}{
		{
			name:        "Reachable Redis URL",
			url:         "redis://" + mr.Addr() + "/0",
			expectError: false,
		},
		{
			name:        "Invalid URL",
			url:         "invalid://url",
			expectError: true,
		},
		{
			name:        "Empty URL",
			url:         "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.url, "test", nil)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, client)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, client.KeyBuilder)
				assert.NoError(t, client.Close())
			}
		})
	}
}

func TestClient_Get(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	tests := []struct {
		name          string
		key           string
		setValue      string
		expectedValue string
		expectMiss    bool
	}{
		{
			name:          "Get existing session",
			key:           "test:session:default",
			setValue:      `{"access_token":"abc"}`,
			expectedValue: `{"access_token":"abc"}`,
		},
		{
			name:       "Get non-existing key",
			key:        "test:session:missing",
			expectMiss: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setValue != "" {
				require.NoError(t, mr.Set(tt.key, tt.setValue))
			}

			value, err := client.Get(ctx, tt.key)

			if tt.expectMiss {
				assert.Error(t, err)
				assert.True(t, IsMiss(err))
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expectedValue, value)
			}
		})
	}
}

func TestClient_Set(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		value interface{}
		ttl   time.Duration
	}{
		{
			name:  "Service token with expiry",
			key:   "test:service_token:client",
			value: `{"access_token":"svc"}`,
			ttl:   time.Minute,
		},
		{
			name:  "Session with no expiration",
			key:   "test:session:default",
			value: `{"access_token":"user"}`,
			ttl:   TTLSession,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, client.Set(ctx, tt.key, tt.value, tt.ttl))

			val, err := mr.Get(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.value, val)

			if tt.ttl > 0 {
				assert.Greater(t, mr.TTL(tt.key), time.Duration(0))
			} else {
				assert.Equal(t, time.Duration(0), mr.TTL(tt.key))
			}
		})
	}
}

func TestClient_Delete(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("test:key1", "value1"))
	require.NoError(t, mr.Set("test:key2", "value2"))
	require.NoError(t, mr.Set("test:key3", "value3"))

	tests := []struct {
		name string
		keys []string
	}{
		{name: "Delete single key", keys: []string{"test:key1"}},
		{name: "Delete multiple keys", keys: []string{"test:key2", "test:key3"}},
		{name: "Delete non-existent key", keys: []string{"test:nonexistent"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, client.Delete(ctx, tt.keys...))
			for _, key := range tt.keys {
				assert.False(t, mr.Exists(key))
			}
		})
	}
}

func TestClient_Health(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	assert.NoError(t, client.Health(ctx))

	mr.SetError("ERR server down")
	assert.Error(t, client.Health(ctx))
}

func TestPrefixForLog(t *testing.T) {
	assert.Equal(t, "prod:session:default", prefixForLog("prod:session:default"))
	assert.Equal(t, "prod:service_token:0123…", prefixForLog("prod:service_token:0123456789abcdef"))
}
