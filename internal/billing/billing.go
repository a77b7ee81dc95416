// Package billing enforces the two checkpoints bracketing generation:
// pre-generation affordability and post-generation deduction.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/arcfield/parley/internal/logging"
)

// CodeInsufficient is the business code reported when the principal's
// balance cannot cover the agent's price.
const CodeInsufficient = 40602

// InsufficientError reports a failed affordability check.
type InsufficientError struct {
	Principal string
	Required  int64
	Available int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient balance: need %d, have %d", e.Required, e.Available)
}

// Code returns the business code for this error.
func (e *InsufficientError) Code() int { return CodeInsufficient }

// IsInsufficient reports whether err is an affordability failure.
func IsInsufficient(err error) bool {
	var ie *InsufficientError
	return errors.As(err, &ie)
}

// Ledger holds principal balances in power units.
type Ledger interface {
	// Balance returns the principal's current balance.
	Balance(ctx context.Context, principal string) (int64, error)
	// Deduct atomically removes amount from the principal's balance,
	// re-checking sufficiency at deduction time. Returns an
	// InsufficientError when the balance no longer covers the amount.
	Deduct(ctx context.Context, principal string, amount int64, ref string) error
}

// Decision is the outcome of one precheck: who pays, how much, and what
// the balance was at decision time.
type Decision struct {
	Payer     string
	Unbilled  bool
	Required  int64
	Available int64
}

// Gate performs the precheck and settle checkpoints.
type Gate struct {
	ledger Ledger
	log    *logging.Logger
}

// NewGate creates a billing gate. A nil ledger disables billing entirely:
// every precheck passes unbilled.
func NewGate(ledger Ledger, log *logging.Logger) *Gate {
	return &Gate{ledger: ledger, log: log.Sub("billing")}
}

// Precheck reads the principal's balance fresh and decides whether the
// turn may start. An anonymous principal or a zero price passes unbilled.
// Insufficient balance returns an InsufficientError; the caller must not
// issue any provider call in that case.
func (g *Gate) Precheck(ctx context.Context, principal string, price int64) (Decision, error) {
	if g.ledger == nil || principal == "" || price == 0 {
		return Decision{Payer: principal, Unbilled: true}, nil
	}

	balance, err := g.ledger.Balance(ctx, principal)
	if err != nil {
		return Decision{}, fmt.Errorf("reading balance: %w", err)
	}
	if balance < price {
		g.log.Warn().
			Str("principal", principal).
			Int64("required", price).
			Int64("available", balance).
			Msg("precheck failed")
		return Decision{}, &InsufficientError{Principal: principal, Required: price, Available: balance}
	}

	return Decision{Payer: principal, Required: price, Available: balance}, nil
}

// Settle deducts the decided amount. Called at most once per turn, only
// after a finalized outcome. An unbilled decision or a zero amount is a
// valid no-op. The deduction re-checks the balance atomically; a turn
// that raced the balance to zero fails here rather than overdrawing.
func (g *Gate) Settle(ctx context.Context, d Decision, ref string) error {
	if g.ledger == nil || d.Unbilled || d.Required == 0 {
		return nil
	}

	if err := g.ledger.Deduct(ctx, d.Payer, d.Required, ref); err != nil {
		return fmt.Errorf("deducting %d from %s: %w", d.Required, d.Payer, err)
	}
	g.log.Debug().
		Str("principal", d.Payer).
		Int64("amount", d.Required).
		Str("ref", ref).
		Msg("balance deducted")
	return nil
}
