package service

import (
	"context"
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
)

// TokenValidator defines the interface for bearer-token validation
type TokenValidator interface {
	// Validate checks signature, issuer, audience and expiry and returns the
	// token's claims
	Validate(ctx context.Context, token string) (jwt.MapClaims, error)
}

// DirectoryService defines the interface for directory lookups
type DirectoryService interface {
	// LookupUser returns the raw directory record for subject
	LookupUser(ctx context.Context, subject string) (json.RawMessage, error)
}

// Services aggregates all service interfaces
type Services struct {
	Auth      TokenValidator
	Directory DirectoryService
}
