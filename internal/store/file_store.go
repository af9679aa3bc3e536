package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"b2c-session/internal/domain"
	apperrors "b2c-session/pkg/errors"
	"b2c-session/pkg/logger"
)

// DefaultStorageDir is relative to the user's home directory
const DefaultStorageDir = ".config/b2c-session"

// FileStore keeps the credential as JSON in <dir>/<sessionKey>.json.
// The directory is created 0700 and the file 0600. Token values are never
// logged.
type FileStore struct {
	mu   sync.Mutex
	path string
	log  *logger.Logger
}

// NewFileStore creates the storage directory if needed. An empty dir means
// DefaultStorageDir under the home directory.
func NewFileStore(dir, sessionKey string, log *logger.Logger) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultStorageDir)
	}
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}
	if log == nil {
		log = logger.NewNop()
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token storage directory: %w", err)
	}

	return &FileStore{
		path: filepath.Join(dir, sessionKey+".json"),
		log:  log.Named("file_store"),
	}, nil
}

// Path returns the file backing the store
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(ctx context.Context) (*domain.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStoreError("failed to read credential file", err)
	}

	var cred domain.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, apperrors.NewStoreError("credential file is corrupt", err)
	}
	return &cred, nil
}

func (s *FileStore) Save(ctx context.Context, cred *domain.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cred == nil {
		return apperrors.NewStoreError("refusing to save empty credential", nil)
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return apperrors.NewStoreError("failed to encode credential", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write-then-rename so a crash never leaves a half-written record.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credential-*")
	if err != nil {
		return apperrors.NewStoreError("failed to create temp file", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return apperrors.NewStoreError("failed to set credential file mode", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return apperrors.NewStoreError("failed to write credential file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.NewStoreError("failed to write credential file", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return apperrors.NewStoreError("failed to replace credential file", err)
	}

	s.log.Debug("credential stored",
		zap.String("path", s.path),
		zap.Bool("has_refresh_token", cred.RefreshToken != ""),
		zap.Int64("expires_on", cred.ExpiresOn))
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.NewStoreError("failed to remove credential file", err)
	}
	s.log.Debug("credential cleared", zap.String("path", s.path))
	return nil
}
