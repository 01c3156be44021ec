// Package config carries one application's configuration: its keys,
// its mount point, and the handles the engine components share.
package config

import (
	"context"

	"github.com/objstack/objstack/pkg/auth"
	"github.com/objstack/objstack/pkg/database"
	"github.com/objstack/objstack/pkg/logger"
	"github.com/objstack/objstack/pkg/triggers"
)

// PasswordHasher abstracts the password hashing primitive.
type PasswordHasher interface {
	// Hash derives a storable hash from a plaintext password.
	Hash(password string) (string, error)
	// Compare reports whether password matches hashed.
	Compare(hashed, password string) bool
}

// OAuthVerifier validates third-party auth data against its provider.
type OAuthVerifier interface {
	// Verify returns an error when authData does not belong to a real
	// account of the provider.
	Verify(ctx context.Context, authData map[string]any) error
}

// Config provides information about how a specific app is configured.
// Mount is the URL for the root of the API, including scheme and host.
type Config struct {
	AppID            string
	MasterKey        string
	ClientKey        string
	FileKey          string
	CollectionPrefix string
	Mount            string

	// FacebookAppIDs holds the app ids Facebook authData may belong
	// to; empty means Facebook auth is accepted unverified.
	FacebookAppIDs []string

	Database     *database.Controller
	Triggers     *triggers.Registry
	SessionCache *auth.SessionCache
	Hasher       PasswordHasher
	Facebook     OAuthVerifier
	Logger       logger.Logger
}

// Log returns the configured logger, defaulting to noop.
func (c *Config) Log() logger.Logger {
	if c.Logger == nil {
		return logger.NewNoopLogger()
	}
	return c.Logger
}
