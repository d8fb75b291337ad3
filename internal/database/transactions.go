package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"yieldvault/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, transaction_hash, owner_id, position_id, type, amount, shares, status, error_message, unverified_signature, created_at, updated_at`

// RecordTransaction stores a pending transaction keyed by its hash.
// A second call with the same hash is a no-op and reports created=false.
func (d *Database) RecordTransaction(ctx context.Context, t *model.DepositTransaction) (bool, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = model.TxStatusPending
	}
	now := d.now()
	t.CreatedAt, t.UpdatedAt = now.UTC(), now.UTC()

	result, err := d.db.ExecContext(ctx, `
		INSERT INTO deposit_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_hash) DO NOTHING`,
		t.ID, t.TransactionHash, t.OwnerID, t.PositionID, string(t.Type),
		t.Amount.String(), t.Shares.String(), string(t.Status), t.ErrorMessage,
		t.UnverifiedSignature, now.UnixMilli(), now.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// GetTransaction retrieves a transaction record by hash
func (d *Database) GetTransaction(ctx context.Context, hash string) (*model.DepositTransaction, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM deposit_transactions WHERE transaction_hash = ?`, hash)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// ListTransactions returns the owner's most recent transactions first
func (d *Database) ListTransactions(ctx context.Context, ownerID string, limit int) ([]*model.DepositTransaction, error) {
	return d.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM deposit_transactions WHERE owner_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		ownerID, limit,
	)
}

// ListPendingTransactions returns pending records, oldest first
func (d *Database) ListPendingTransactions(ctx context.Context, limit int) ([]*model.DepositTransaction, error) {
	return d.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM deposit_transactions WHERE status = ? ORDER BY created_at, rowid LIMIT ?`,
		string(model.TxStatusPending), limit,
	)
}

func (d *Database) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]*model.DepositTransaction, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*model.DepositTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// FinalizeTransaction moves a pending record to confirmed or failed and, for
// confirmed deposits and withdrawals, applies the change to its position in
// the same database transaction. It reports false when the record was already
// final, so a confirmation is never applied twice.
func (d *Database) FinalizeTransaction(ctx context.Context, hash string, status model.TxStatus, amount, shares decimal.Decimal, errMsg string) (bool, error) {
	if status == model.TxStatusPending {
		return false, fmt.Errorf("finalize %s: status must be terminal", hash)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM deposit_transactions WHERE transaction_hash = ?`, hash)
	record, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get transaction: %w", err)
	}
	if record.Status != model.TxStatusPending {
		return false, nil
	}

	if amount.IsZero() {
		amount = record.Amount
	}
	now := d.now()

	if status == model.TxStatusConfirmed {
		pos, err := getPositionByID(ctx, tx, record.PositionID)
		if err != nil {
			return false, fmt.Errorf("get position %s: %w", record.PositionID, err)
		}
		at := now.UTC()
		switch record.Type {
		case model.TxTypeDeposit:
			pos.Shares = pos.Shares.Add(shares)
			pos.TotalDeposited = pos.TotalDeposited.Add(amount)
			pos.LastDepositAt = &at
		case model.TxTypeWithdraw:
			if shares.LessThanOrEqual(pos.Shares) {
				pos.Shares = pos.Shares.Sub(shares)
			} else {
				errMsg = fmt.Sprintf("redeemed %s shares exceeds recorded position %s", shares, pos.Shares)
			}
			pos.TotalWithdrawn = pos.TotalWithdrawn.Add(amount)
			pos.LastWithdrawalAt = &at
		}
		if err := savePosition(ctx, tx, pos, now.UnixMilli()); err != nil {
			return false, fmt.Errorf("save position: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE deposit_transactions
		SET status = ?, amount = ?, shares = ?, error_message = ?, updated_at = ?
		WHERE transaction_hash = ? AND status = ?`,
		string(status), amount.String(), shares.String(), errMsg, now.UnixMilli(),
		hash, string(model.TxStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("update transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func scanTransaction(row rowScanner) (*model.DepositTransaction, error) {
	var (
		t                model.DepositTransaction
		txType, status   string
		amount, shares   string
		unverified       bool
		created, updated int64
	)
	err := row.Scan(&t.ID, &t.TransactionHash, &t.OwnerID, &t.PositionID, &txType, &amount, &shares,
		&status, &t.ErrorMessage, &unverified, &created, &updated)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if t.Shares, err = decimal.NewFromString(shares); err != nil {
		return nil, fmt.Errorf("parse shares: %w", err)
	}
	t.Type = model.TxType(txType)
	t.Status = model.TxStatus(status)
	t.UnverifiedSignature = unverified
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}
