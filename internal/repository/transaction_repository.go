package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/digkill/AIImageBot/internal/apperr"
	"github.com/digkill/AIImageBot/internal/models"
)

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `id, user_id, amount, currency, payment_method, external_reference, status, created_at, updated_at`

func scanTransaction(row interface{ Scan(...any) error }) (*models.Transaction, error) {
	var t models.Transaction
	if err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Currency, &t.PaymentMethod, &t.ExternalReference, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// Create relies on the unique index over external_reference; a collision
// leaves the existing row untouched and surfaces as a duplicate reference.
func (r *TransactionRepository) Create(ctx context.Context, txn *models.Transaction) (int64, error) {
	const query = `
INSERT INTO transactions (user_id, amount, currency, payment_method, external_reference, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, txn.UserID, txn.Amount, txn.Currency, txn.PaymentMethod, txn.ExternalReference, txn.Status, txn.CreatedAt, txn.UpdatedAt)
	if err != nil {
		return 0, classify("insert transaction", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("last insert id", err)
	}
	txn.ID = id
	return id, nil
}

func (r *TransactionRepository) FindByID(ctx context.Context, id int64) (*models.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`
	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("scan transaction", err)
	}
	return t, nil
}

func (r *TransactionRepository) FindByReference(ctx context.Context, ref string) (*models.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE external_reference = ? LIMIT 1`
	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("scan transaction", err)
	}
	return t, nil
}

// Transition moves a transaction forward under a row lock and returns the
// updated row.
func (r *TransactionRepository) Transition(ctx context.Context, id int64, to models.TransactionStatus, at time.Time) (*models.Transaction, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, classify("begin tx", err)
	}
	defer tx.Rollback()

	const lock = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ? FOR UPDATE`
	t, err := scanTransaction(tx.QueryRowContext(ctx, lock, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.KindNotFound, "update transaction status", "transaction %d", id)
		}
		return nil, classify("lock transaction", err)
	}
	if !t.Status.CanTransition(to) {
		return nil, apperr.Newf(apperr.KindInvalidTransition, "update transaction status", "%s -> %s", t.Status, to).
			WithUser(t.UserID).WithReference(t.ExternalReference)
	}

	const update = `UPDATE transactions SET status = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, update, to, at, id); err != nil {
		return nil, classify("update transaction status", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("commit transaction status", err)
	}
	t.Status = to
	t.UpdatedAt = at
	return t, nil
}

func (r *TransactionRepository) ListByStatus(ctx context.Context, status models.TransactionStatus, limit int) ([]models.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE status = ? ORDER BY id LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, classify("scan transaction", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate transactions", err)
	}
	return out, nil
}
