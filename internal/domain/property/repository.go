package property

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository defines read-only property access
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Property, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates property repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Property, error) {
	query := `
		SELECT id, user_id, title, price, currency, location, characteristics, bonuses, created_at
		FROM properties
		WHERE id = $1
	`
	var p Property
	err := r.db.GetContext(ctx, &p, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}
