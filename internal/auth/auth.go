// Package auth validates bearer credentials presented at connection time and
// resolves them to identity snapshots. It is the only admission gate: no
// protocol messages are processed before Authenticate succeeds.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/crowdstage/realtime/internal/domain"
	"github.com/crowdstage/realtime/internal/metrics"
)

type claims struct {
	jwt.RegisteredClaims
}

// Authenticator validates signed bearer tokens and resolves their subject
// against the identity store. Read-only; it never mutates any state.
type Authenticator struct {
	secret   []byte
	resolver domain.IdentityResolver
}

func New(secret string, resolver domain.IdentityResolver) *Authenticator {
	return &Authenticator{secret: []byte(secret), resolver: resolver}
}

// Authenticate validates the credential and returns the identity snapshot.
// Failure modes map onto the domain error taxonomy:
//   - empty credential          -> domain.ErrMissingCredential
//   - malformed/expired/forged  -> domain.ErrInvalidCredential
//   - subject no longer exists  -> domain.ErrIdentityNotFound
//   - subject is suspended      -> domain.ErrIdentitySuspended
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (domain.Identity, error) {
	if credential == "" {
		metrics.AuthFailuresTotal.WithLabelValues("missing_credential").Inc()
		return domain.Identity{}, domain.ErrMissingCredential
	}

	token, err := jwt.ParseWithClaims(credential, &claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		metrics.AuthFailuresTotal.WithLabelValues("invalid_credential").Inc()
		return domain.Identity{}, fmt.Errorf("%w: %w", domain.ErrInvalidCredential, err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || c.Subject == "" {
		metrics.AuthFailuresTotal.WithLabelValues("invalid_credential").Inc()
		return domain.Identity{}, fmt.Errorf("%w: token missing subject", domain.ErrInvalidCredential)
	}

	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("invalid_credential").Inc()
		return domain.Identity{}, fmt.Errorf("%w: subject is not a UUID: %w", domain.ErrInvalidCredential, err)
	}

	identity, err := a.resolver.Resolve(ctx, userID)
	if errors.Is(err, domain.ErrIdentityNotFound) {
		metrics.AuthFailuresTotal.WithLabelValues("identity_not_found").Inc()
		return domain.Identity{}, err
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to resolve identity: %w", err)
	}

	if identity.Suspended {
		metrics.AuthFailuresTotal.WithLabelValues("identity_suspended").Inc()
		return domain.Identity{}, domain.ErrIdentitySuspended
	}

	return identity, nil
}
