package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lorrc/labnotify/internal/core/domain"
	"github.com/lorrc/labnotify/internal/core/ports"
)

// UserDirectory reads recipients from the users table.
type UserDirectory struct {
	pool *pgxpool.Pool
}

var _ ports.UserDirectory = (*UserDirectory)(nil)

func NewUserDirectory(pool *pgxpool.Pool) *UserDirectory {
	return &UserDirectory{pool: pool}
}

// ListActiveByRole returns the ids of every active user holding the role.
func (d *UserDirectory) ListActiveByRole(ctx context.Context, role domain.Role) ([]uuid.UUID, error) {
	const query = `SELECT id FROM users WHERE role = $1 AND is_active ORDER BY id`

	rows, err := GetDBTX(ctx, d.pool).Query(ctx, query, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id.Bytes)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
