package billing

import (
	"context"
	"sync"
)

// MemoryLedger is an in-process Ledger for tests and ephemeral runs.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]int64)}
}

// Grant adds amount to the principal's balance.
func (m *MemoryLedger) Grant(principal string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[principal] += amount
}

// Balance returns the principal's current balance.
func (m *MemoryLedger) Balance(ctx context.Context, principal string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[principal], nil
}

// Deduct removes amount, re-checking sufficiency under the lock.
func (m *MemoryLedger) Deduct(ctx context.Context, principal string, amount int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance := m.balances[principal]
	if balance < amount {
		return &InsufficientError{Principal: principal, Required: amount, Available: balance}
	}
	m.balances[principal] = balance - amount
	return nil
}
