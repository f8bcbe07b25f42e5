// Package domain holds the core types shared across the realtime service:
// identities, connections, and the authentication error taxonomy.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Identity is the read-only snapshot of a user taken at authentication time.
// It is never refreshed for the lifetime of a connection; a suspension applied
// mid-session takes effect on the next reconnect.
type Identity struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName"`
	Suspended   bool      `json:"-"`
}

// Connection represents one live transport session. A single user may own any
// number of simultaneous connections (multi-device, multi-tab).
type Connection struct {
	ID        uuid.UUID
	Identity  Identity
	CreatedAt time.Time
}

// Authentication errors. All of them refuse the connection attempt before any
// registry state is created.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrIdentityNotFound  = errors.New("identity not found")
	ErrIdentitySuspended = errors.New("identity suspended")
)

// IdentityResolver looks up the broadcast-relevant projection of a user.
// Implementations: the Postgres repo and the Redis read-through cache.
type IdentityResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (Identity, error)
}
