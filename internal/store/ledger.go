package store

import (
	"context"
	"fmt"
	"time"

	"github.com/arcfield/parley/internal/billing"
)

// SQLiteLedger implements billing.Ledger backed by SQLite. Deductions are
// atomic: the balance check and the decrement happen in one statement.
type SQLiteLedger struct {
	db *DB
}

// NewSQLiteLedger creates a ledger using the given database.
func NewSQLiteLedger(db *DB) *SQLiteLedger {
	return &SQLiteLedger{db: db}
}

// Balance returns the principal's current balance. Unknown principals
// have a zero balance.
func (l *SQLiteLedger) Balance(ctx context.Context, principal string) (int64, error) {
	var balance int64
	err := l.db.sql.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT power FROM balances WHERE principal = ?), 0)`, principal,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	return balance, nil
}

// Grant adds amount to the principal's balance, creating the row if needed.
func (l *SQLiteLedger) Grant(ctx context.Context, principal string, amount int64) error {
	_, err := l.db.sql.ExecContext(ctx,
		`INSERT INTO balances (principal, power, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(principal) DO UPDATE SET
		   power = power + excluded.power,
		   updated_at = excluded.updated_at`,
		principal, amount, time.Now().Format(time.DateTime),
	)
	if err != nil {
		return fmt.Errorf("granting balance: %w", err)
	}
	return nil
}

// Deduct removes amount from the principal's balance. The guard in the
// WHERE clause makes check-and-decrement a single atomic statement.
func (l *SQLiteLedger) Deduct(ctx context.Context, principal string, amount int64, ref string) error {
	res, err := l.db.sql.ExecContext(ctx,
		`UPDATE balances
		 SET power = power - ?, updated_at = ?
		 WHERE principal = ? AND power >= ?`,
		amount, time.Now().Format(time.DateTime), principal, amount,
	)
	if err != nil {
		return fmt.Errorf("deducting balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deducting balance: %w", err)
	}
	if n == 0 {
		balance, berr := l.Balance(ctx, principal)
		if berr != nil {
			balance = 0
		}
		return &billing.InsufficientError{Principal: principal, Required: amount, Available: balance}
	}
	l.db.log.Debug().Str("principal", principal).Int64("amount", amount).Str("ref", ref).Msg("balance deducted")
	return nil
}
