package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdstage/realtime/internal/domain"
)

const testSecret = "test-secret-key-at-least-32-bytes!"

type fakeResolver struct {
	identities map[uuid.UUID]domain.Identity
	err        error
}

func (f *fakeResolver) Resolve(_ context.Context, userID uuid.UUID) (domain.Identity, error) {
	if f.err != nil {
		return domain.Identity{}, f.err
	}
	identity, exists := f.identities[userID]
	if !exists {
		return domain.Identity{}, domain.ErrIdentityNotFound
	}
	return identity, nil
}

func signedToken(t *testing.T, secret, subject string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func testAuthenticator(identities ...domain.Identity) *Authenticator {
	resolver := &fakeResolver{identities: make(map[uuid.UUID]domain.Identity)}
	for _, identity := range identities {
		resolver.identities[identity.ID] = identity
	}
	return New(testSecret, resolver)
}

func TestAuthenticate_ValidToken(t *testing.T) {
	identity := domain.Identity{ID: uuid.New(), DisplayName: "alice"}
	a := testAuthenticator(identity)

	got, err := a.Authenticate(context.Background(), signedToken(t, testSecret, identity.ID.String(), time.Hour))

	require.NoError(t, err)
	assert.Equal(t, identity, got)
}

func TestAuthenticate_MissingCredential(t *testing.T) {
	a := testAuthenticator()

	_, err := a.Authenticate(context.Background(), "")

	assert.ErrorIs(t, err, domain.ErrMissingCredential)
}

func TestAuthenticate_InvalidCredentials(t *testing.T) {
	userID := uuid.New()
	a := testAuthenticator(domain.Identity{ID: userID, DisplayName: "alice"})

	tests := []struct {
		name       string
		credential string
	}{
		{name: "garbage", credential: "not-a-token"},
		{name: "expired", credential: signedToken(t, testSecret, userID.String(), -time.Hour)},
		{name: "wrong signature", credential: signedToken(t, "another-secret-key-32-bytes-long!!", userID.String(), time.Hour)},
		{name: "missing subject", credential: signedToken(t, testSecret, "", time.Hour)},
		{name: "non uuid subject", credential: signedToken(t, testSecret, "user-42", time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), tt.credential)
			assert.ErrorIs(t, err, domain.ErrInvalidCredential)
		})
	}
}

func TestAuthenticate_RejectsNonHMACAlgorithm(t *testing.T) {
	a := testAuthenticator()

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   uuid.New().String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), signed)
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestAuthenticate_UnknownSubject(t *testing.T) {
	a := testAuthenticator()

	_, err := a.Authenticate(context.Background(), signedToken(t, testSecret, uuid.New().String(), time.Hour))

	assert.ErrorIs(t, err, domain.ErrIdentityNotFound)
}

func TestAuthenticate_SuspendedIdentity(t *testing.T) {
	identity := domain.Identity{ID: uuid.New(), DisplayName: "mallory", Suspended: true}
	a := testAuthenticator(identity)

	_, err := a.Authenticate(context.Background(), signedToken(t, testSecret, identity.ID.String(), time.Hour))

	assert.ErrorIs(t, err, domain.ErrIdentitySuspended)
}

func TestAuthenticate_ResolverFailure(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("connection refused")}
	a := New(testSecret, resolver)

	_, err := a.Authenticate(context.Background(), signedToken(t, testSecret, uuid.New().String(), time.Hour))

	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInvalidCredential)
	assert.Contains(t, err.Error(), "failed to resolve identity")
}
