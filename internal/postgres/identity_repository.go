package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crowdstage/realtime/internal/domain"
)

// IdentityRepo implements domain.IdentityResolver backed by the users table.
type IdentityRepo struct {
	pool *pgxpool.Pool
}

func NewIdentityRepo(pool *pgxpool.Pool) *IdentityRepo {
	return &IdentityRepo{pool: pool}
}

// Resolve returns the broadcast-relevant projection of a user record.
func (r *IdentityRepo) Resolve(ctx context.Context, userID uuid.UUID) (domain.Identity, error) {
	const query = `SELECT id, display_name, is_suspended FROM users WHERE id = $1`

	var identity domain.Identity
	row := r.pool.QueryRow(ctx, query, userID)
	if err := row.Scan(&identity.ID, &identity.DisplayName, &identity.Suspended); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Identity{}, domain.ErrIdentityNotFound
		}
		return domain.Identity{}, fmt.Errorf("failed to query identity: %w", err)
	}

	return identity, nil
}
