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

const positionColumns = `id, owner_id, strategy_address, shares, total_deposited, total_withdrawn, last_deposit_at, last_withdrawal_at, created_at, updated_at`

// EnsurePosition returns the (owner, strategy) position, creating an empty one on first use
func (d *Database) EnsurePosition(ctx context.Context, ownerID, strategy string) (*model.DepositPosition, error) {
	now := d.now().UnixMilli()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO deposit_positions (id, owner_id, strategy_address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, strategy_address) DO NOTHING`,
		uuid.New().String(), ownerID, strategy, now, now,
	)
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("insert position: %w", err)
	}
	return d.GetPosition(ctx, ownerID, strategy)
}

// GetPosition retrieves the owner's position in a strategy
func (d *Database) GetPosition(ctx context.Context, ownerID, strategy string) (*model.DepositPosition, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM deposit_positions WHERE owner_id = ? AND strategy_address = ?`,
		ownerID, strategy,
	)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

func getPositionByID(ctx context.Context, tx *sql.Tx, id string) (*model.DepositPosition, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM deposit_positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func savePosition(ctx context.Context, tx *sql.Tx, p *model.DepositPosition, now int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE deposit_positions
		SET shares = ?, total_deposited = ?, total_withdrawn = ?,
		    last_deposit_at = ?, last_withdrawal_at = ?, updated_at = ?
		WHERE id = ?`,
		p.Shares.String(), p.TotalDeposited.String(), p.TotalWithdrawn.String(),
		nullTime(p.LastDepositAt), nullTime(p.LastWithdrawalAt), now, p.ID,
	)
	return err
}

func scanPosition(row rowScanner) (*model.DepositPosition, error) {
	var (
		p                            model.DepositPosition
		shares, deposited, withdrawn string
		lastDeposit, lastWithdrawal  sql.NullInt64
		created, updated             int64
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.StrategyAddress, &shares, &deposited, &withdrawn,
		&lastDeposit, &lastWithdrawal, &created, &updated)
	if err != nil {
		return nil, err
	}

	if p.Shares, err = decimal.NewFromString(shares); err != nil {
		return nil, fmt.Errorf("parse shares: %w", err)
	}
	if p.TotalDeposited, err = decimal.NewFromString(deposited); err != nil {
		return nil, fmt.Errorf("parse total deposited: %w", err)
	}
	if p.TotalWithdrawn, err = decimal.NewFromString(withdrawn); err != nil {
		return nil, fmt.Errorf("parse total withdrawn: %w", err)
	}
	p.LastDepositAt = scanNullTime(lastDeposit)
	p.LastWithdrawalAt = scanNullTime(lastWithdrawal)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}
