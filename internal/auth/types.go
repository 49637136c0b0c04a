package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the authentication subsystem. Callers compare
// with errors.Is so wrapped variants keep their meaning.
var (
	ErrDisabled           = errors.New("authentication disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedGrant   = errors.New("unsupported grant type")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSubjectRevoked     = errors.New("subject is disabled")
)

// Permission names the API layer checks before serving a request.
const (
	PermissionTasksRead  = "tasks:read"
	PermissionTasksWrite = "tasks:write"
	PermissionStatsRead  = "stats:read"
)

// Store is the account catalogue backing the service. Implementations must
// tolerate concurrent calls.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// SeedWriter marks stores that accept bootstrap accounts at startup.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// User is a stored account record with its credential hash.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Subject is the identity attached to tokens and request contexts.
type Subject struct {
	ID          int64
	Username    string
	Roles       []string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// canonicalPermission folds a permission string for lookup.
func canonicalPermission(perm string) string {
	return strings.ToLower(strings.TrimSpace(perm))
}

func (s *Subject) permissionSet() map[string]struct{} {
	if s == nil {
		return nil
	}
	if s.permissionsSet == nil {
		set := make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			set[canonicalPermission(perm)] = struct{}{}
		}
		s.permissionsSet = set
	}
	return s.permissionsSet
}

// HasPermission reports whether the subject carries the permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	_, ok := s.permissionSet()[canonicalPermission(permission)]
	return ok
}

// Authorize verifies the subject is active and holds every listed permission.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone returns an independent copy safe to embed in issued tokens.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Username:    s.Username,
		Roles:       append([]string(nil), s.Roles...),
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.permissionSet()
	return clone
}

// TokenRequest is the body accepted by the token issuance endpoint.
type TokenRequest struct {
	GrantType string `json:"grant_type"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// TokenPair carries a freshly issued access token and its refresh companion.
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Subject          *Subject `json:"-"`
}

// Config selects the provider mode and its parameters.
type Config struct {
	Mode  Mode
	JWT   JWTOptions
	Seeds []Seed
}

// Mode names an authentication provider.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// JWTOptions tunes local token issuance.
type JWTOptions struct {
	Secret     string
	Issuer     string
	Audience   []string
	AccessTTL  int64
	RefreshTTL int64
}

// Seed describes an account created at startup when absent.
type Seed struct {
	Username    string
	Password    string
	Roles       []string
	Permissions []string
	Disabled    bool
}
