package credit

import (
	"time"

	"github.com/google/uuid"
)

// TransactionResponse represents a ledger row in the API
type TransactionResponse struct {
	ID        uuid.UUID `json:"id"`
	Amount    int       `json:"amount"`
	Product   string    `json:"product"`
	FreeSpent int       `json:"free_spent"`
	PaidSpent int       `json:"paid_spent"`
	CreatedAt string    `json:"created_at"`
}

// TransactionResponseFromEntity converts a ledger row to its API shape
func TransactionResponseFromEntity(t *Transaction) *TransactionResponse {
	return &TransactionResponse{
		ID:        t.ID,
		Amount:    t.Amount,
		Product:   t.Product,
		FreeSpent: t.FreeSpent,
		PaidSpent: t.PaidSpent,
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
	}
}
