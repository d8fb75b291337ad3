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

const walletColumns = `id, owner_id, signer_key_id, public_address, network, previous_observed_balance, created_at, updated_at`

// CreateWallet inserts the wallet unless the owner already has one.
// It returns the stored wallet and whether this call created it.
func (d *Database) CreateWallet(ctx context.Context, w *model.Wallet) (*model.Wallet, bool, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := d.now().UnixMilli()

	result, err := d.db.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO NOTHING`,
		w.ID, w.OwnerID, w.SignerKeyID, w.PublicAddress, string(w.Network),
		nullDecimal(w.PreviousObservedBalance), now, now,
	)
	if err != nil && !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("insert wallet: %w", err)
	}

	created := false
	if err == nil {
		rows, err := result.RowsAffected()
		if err != nil {
			return nil, false, err
		}
		created = rows == 1
	}

	stored, err := d.GetWalletByOwner(ctx, w.OwnerID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetWalletByOwner retrieves the owner's wallet
func (d *Database) GetWalletByOwner(ctx context.Context, ownerID string) (*model.Wallet, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = ?`, ownerID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// ListWallets returns every wallet ordered by creation
func (d *Database) ListWallets(ctx context.Context) ([]*model.Wallet, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*model.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// DeleteWallet removes the owner's wallet. Audit rows are kept.
func (d *Database) DeleteWallet(ctx context.Context, ownerID string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM wallets WHERE owner_id = ?`, ownerID)
	if err != nil {
		return fmt.Errorf("delete wallet: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSetObservedBalance moves the wallet baseline from expected to next.
// It reports false when another writer changed the baseline first.
func (d *Database) CompareAndSetObservedBalance(ctx context.Context, walletID string, expected *decimal.Decimal, next decimal.Decimal) (bool, error) {
	exp := nullDecimal(expected)
	result, err := d.db.ExecContext(ctx, `
		UPDATE wallets
		SET previous_observed_balance = ?, updated_at = ?
		WHERE id = ?
		  AND ((? IS NULL AND previous_observed_balance IS NULL) OR previous_observed_balance = ?)`,
		next.String(), d.now().UnixMilli(), walletID, exp, exp,
	)
	if err != nil {
		return false, fmt.Errorf("update observed balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(row rowScanner) (*model.Wallet, error) {
	var (
		w       model.Wallet
		network string
		prev    sql.NullString
		created int64
		updated int64
	)
	if err := row.Scan(&w.ID, &w.OwnerID, &w.SignerKeyID, &w.PublicAddress, &network, &prev, &created, &updated); err != nil {
		return nil, err
	}
	balance, err := scanNullDecimal(prev)
	if err != nil {
		return nil, fmt.Errorf("parse observed balance: %w", err)
	}
	w.Network = model.Network(network)
	w.PreviousObservedBalance = balance
	w.CreatedAt = fromMillis(created)
	w.UpdatedAt = fromMillis(updated)
	return &w, nil
}
