package database

import (
	"context"
	"database/sql"
	"fmt"

	"yieldvault/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InsertBalanceSnapshot appends an audit row. Snapshots are never updated.
func (d *Database) InsertBalanceSnapshot(ctx context.Context, s *model.BalanceSnapshot) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := d.now()
	s.CreatedAt = now.UTC()

	var txHash interface{}
	if s.TransactionHash != nil {
		txHash = *s.TransactionHash
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO balance_snapshots (
			id, owner_id, wallet_id, observed_balance, previous_balance, snapshot_type,
			auto_deposit_triggered, deposit_amount, transaction_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OwnerID, s.WalletID, s.ObservedBalance.String(), nullDecimal(s.PreviousBalance),
		string(s.SnapshotType), s.AutoDepositTriggered, nullDecimal(s.DepositAmount), txHash, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert balance snapshot: %w", err)
	}
	return nil
}

// ListBalanceSnapshots returns the owner's snapshots, newest first
func (d *Database) ListBalanceSnapshots(ctx context.Context, ownerID string, limit int) ([]*model.BalanceSnapshot, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, owner_id, wallet_id, observed_balance, previous_balance, snapshot_type,
		       auto_deposit_triggered, deposit_amount, transaction_hash, created_at
		FROM balance_snapshots
		WHERE owner_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list balance snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*model.BalanceSnapshot
	for rows.Next() {
		var (
			s                   model.BalanceSnapshot
			observed, snapType  string
			previous, depositAm sql.NullString
			txHash              sql.NullString
			created             int64
		)
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.WalletID, &observed, &previous, &snapType,
			&s.AutoDepositTriggered, &depositAm, &txHash, &created); err != nil {
			return nil, err
		}
		if s.ObservedBalance, err = decimal.NewFromString(observed); err != nil {
			return nil, fmt.Errorf("parse observed balance: %w", err)
		}
		if s.PreviousBalance, err = scanNullDecimal(previous); err != nil {
			return nil, fmt.Errorf("parse previous balance: %w", err)
		}
		if s.DepositAmount, err = scanNullDecimal(depositAm); err != nil {
			return nil, fmt.Errorf("parse deposit amount: %w", err)
		}
		if txHash.Valid {
			h := txHash.String
			s.TransactionHash = &h
		}
		s.SnapshotType = model.SnapshotType(snapType)
		s.CreatedAt = fromMillis(created)
		snapshots = append(snapshots, &s)
	}
	return snapshots, rows.Err()
}
