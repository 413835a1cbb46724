package credit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Service is the only surface through which any component touches credit
// balances.
type Service interface {
	// Deduct atomically deducts credits from the user's pools, free first.
	// Returns ErrInsufficientCredits if free+paid < amount (no mutation).
	Deduct(ctx context.Context, userID uuid.UUID, amount int, product Product) error

	// Refund credits the amount back to paid_balance. At-most-once semantics
	// are the caller's responsibility (the orchestrator's credits_refunded
	// guard).
	Refund(ctx context.Context, userID uuid.UUID, amount int, product Product) error

	// Grant adds purchased credits to paid_balance.
	Grant(ctx context.Context, userID uuid.UUID, amount int, product Product) error

	// GetBalance returns {total, free, paid} for the user.
	GetBalance(ctx context.Context, userID uuid.UUID) (Balance, error)

	// ListTransactions returns paginated ledger history for a user.
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error)
}

type service struct {
	repo Repository
}

// NewService creates a new credit service
func NewService(db *sqlx.DB) Service {
	return &service{repo: NewRepository(db)}
}

// NewServiceWithRepository wires an explicit repository (used by tests).
func NewServiceWithRepository(repo Repository) Service {
	return &service{repo: repo}
}

func (s *service) Deduct(ctx context.Context, userID uuid.UUID, amount int, product Product) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.repo.Deduct(ctx, userID.String(), amount, product)
}

func (s *service) Refund(ctx context.Context, userID uuid.UUID, amount int, product Product) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.repo.Refund(ctx, userID.String(), amount, product)
}

func (s *service) Grant(ctx context.Context, userID uuid.UUID, amount int, product Product) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.repo.Grant(ctx, userID.String(), amount, product)
}

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (Balance, error) {
	return s.repo.GetBalance(ctx, userID.String())
}

func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListTransactions(ctx, userID.String(), limit, offset)
}
