package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Repository provides atomic credit pool and ledger operations. Every
// mutation runs the balance read, balance write, and transaction insert as
// one database transaction with a FOR UPDATE row lock, so two concurrent
// deductions for the same user can never drive a pool negative.
type Repository interface {
	Deduct(ctx context.Context, userID string, amount int, product Product) error
	Refund(ctx context.Context, userID string, amount int, product Product) error
	Grant(ctx context.Context, userID string, amount int, product Product) error
	GetBalance(ctx context.Context, userID string) (Balance, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error)
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

// Deduct removes amount from the user's pools, free_remaining first and
// paid_balance for the remainder, and appends one negative ledger row
// recording the split actually applied.
func (r *repository) Deduct(ctx context.Context, userID string, amount int, product Product) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	var acc Account
	err = tx.QueryRowxContext(ctx2, `
		SELECT user_id, free_remaining, paid_balance, updated_at
		FROM credit_accounts
		WHERE user_id = $1
		FOR UPDATE
	`, userID).StructScan(&acc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("%w: lock account row", ErrInternal)
	}

	if acc.FreeRemaining+acc.PaidBalance < amount {
		return ErrInsufficientCredits
	}

	freeSpent := amount
	if freeSpent > acc.FreeRemaining {
		freeSpent = acc.FreeRemaining
	}
	paidSpent := amount - freeSpent

	_, err = tx.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET free_remaining = free_remaining - $2,
		    paid_balance = paid_balance - $3,
		    updated_at = NOW()
		WHERE user_id = $1
	`, userID, freeSpent, paidSpent)
	if err != nil {
		return fmt.Errorf("%w: update account", ErrInternal)
	}

	if err := insertLedger(ctx2, tx, userID, -amount, product, freeSpent, paidSpent); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return nil
}

// Refund credits amount back to the user. Refunds always land in
// paid_balance; free-pool credits are calendar-scoped and are never
// restored.
func (r *repository) Refund(ctx context.Context, userID string, amount int, product Product) error {
	return r.credit(ctx, userID, amount, product)
}

// Grant adds purchased or promotional credits to paid_balance.
func (r *repository) Grant(ctx context.Context, userID string, amount int, product Product) error {
	return r.credit(ctx, userID, amount, product)
}

func (r *repository) credit(ctx context.Context, userID string, amount int, product Product) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET paid_balance = paid_balance + $2,
		    updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("%w: update account", ErrInternal)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrAccountNotFound
	}

	if err := insertLedger(ctx2, tx, userID, amount, product, 0, 0); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return nil
}

func (r *repository) GetBalance(ctx context.Context, userID string) (Balance, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var acc Account
	err := r.db.GetContext(ctx2, &acc, `
		SELECT user_id, free_remaining, paid_balance, updated_at
		FROM credit_accounts
		WHERE user_id = $1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrAccountNotFound
		}
		return Balance{}, fmt.Errorf("%w: get balance", ErrInternal)
	}

	return Balance{
		Total: acc.FreeRemaining + acc.PaidBalance,
		Free:  acc.FreeRemaining,
		Paid:  acc.PaidBalance,
	}, nil
}

func (r *repository) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	transactions := make([]Transaction, 0)
	err := r.db.SelectContext(ctx2, &transactions, `
		SELECT id, user_id, amount, product, free_spent, paid_spent, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions", ErrInternal)
	}

	return transactions, nil
}

func insertLedger(ctx context.Context, tx *sqlx.Tx, userID string, amount int, product Product, freeSpent, paidSpent int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, amount, product, free_spent, paid_spent
		)
		VALUES (
			gen_random_uuid(), $1, $2, $3, $4, $5
		)
	`, userID, amount, string(product), freeSpent, paidSpent)
	if err != nil {
		return fmt.Errorf("%w: insert transaction", ErrInternal)
	}

	return nil
}
