package property

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Property is the listing snapshot this service reads. The catalog (CRUD,
// search) is owned by another service; we only need ownership and the
// denormalized summary sent with stage calls.
type Property struct {
	ID              uuid.UUID       `db:"id"`
	UserID          uuid.UUID       `db:"user_id"`
	Title           string          `db:"title"`
	Price           float64         `db:"price"`
	Currency        string          `db:"currency"`
	Location        string          `db:"location"`
	Characteristics json.RawMessage `db:"characteristics"`
	Bonuses         json.RawMessage `db:"bonuses"`
	CreatedAt       time.Time       `db:"created_at"`
}

// OwnedBy reports whether the property belongs to the given user.
func (p *Property) OwnedBy(userID uuid.UUID) bool {
	return p.UserID == userID
}
