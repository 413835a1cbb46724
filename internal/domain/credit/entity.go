package credit

import (
	"time"

	"github.com/google/uuid"
)

// Product labels what a ledger operation paid for.
type Product string

const (
	ProductStageImages Product = "stage_images"
	ProductStageScript Product = "stage_script"
	ProductStageVideo  Product = "stage_video"
	ProductPurchase    Product = "purchase"
	ProductTimeout     Product = "timeout_refund"
)

// Account holds a user's two credit pools. free_remaining is reset monthly
// by the billing process; paid_balance is purchased. Both are only ever
// mutated through the ledger's Deduct/Refund/Grant operations.
type Account struct {
	UserID        uuid.UUID `db:"user_id"`
	FreeRemaining int       `db:"free_remaining"`
	PaidBalance   int       `db:"paid_balance"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Balance is the read model returned to callers.
type Balance struct {
	Total int `json:"total"`
	Free  int `json:"free"`
	Paid  int `json:"paid"`
}

// Transaction is an immutable ledger row. Negative amount = deduction,
// positive = refund or grant. Corrections append a reversing row; rows are
// never updated or deleted.
type Transaction struct {
	ID        uuid.UUID `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	Amount    int       `db:"amount"`
	Product   string    `db:"product"`
	FreeSpent int       `db:"free_spent"`
	PaidSpent int       `db:"paid_spent"`
	CreatedAt time.Time `db:"created_at"`
}
