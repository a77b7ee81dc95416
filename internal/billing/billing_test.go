package billing

import (
	"context"
	"testing"

	"github.com/arcfield/parley/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecheckSufficient(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.Grant("alice", 100)
	gate := NewGate(ledger, logging.Nop())

	d, err := gate.Precheck(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, "alice", d.Payer)
	assert.Equal(t, int64(10), d.Required)
	assert.Equal(t, int64(100), d.Available)
	assert.False(t, d.Unbilled)
}

func TestPrecheckInsufficient(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.Grant("alice", 5)
	gate := NewGate(ledger, logging.Nop())

	_, err := gate.Precheck(context.Background(), "alice", 10)
	require.Error(t, err)
	assert.True(t, IsInsufficient(err))

	var ie *InsufficientError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, CodeInsufficient, ie.Code())
	assert.Equal(t, int64(10), ie.Required)
	assert.Equal(t, int64(5), ie.Available)
}

func TestPrecheckAnonymousUnbilled(t *testing.T) {
	gate := NewGate(NewMemoryLedger(), logging.Nop())

	d, err := gate.Precheck(context.Background(), "", 10)
	require.NoError(t, err)
	assert.True(t, d.Unbilled)
}

func TestPrecheckFreeAgentUnbilled(t *testing.T) {
	gate := NewGate(NewMemoryLedger(), logging.Nop())

	d, err := gate.Precheck(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.True(t, d.Unbilled)
}

func TestPrecheckNilLedgerDisablesBilling(t *testing.T) {
	gate := NewGate(nil, logging.Nop())

	d, err := gate.Precheck(context.Background(), "alice", 1000)
	require.NoError(t, err)
	assert.True(t, d.Unbilled)
	assert.NoError(t, gate.Settle(context.Background(), d, "turn-1"))
}

func TestSettleDeducts(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.Grant("alice", 100)
	gate := NewGate(ledger, logging.Nop())

	d, err := gate.Precheck(context.Background(), "alice", 30)
	require.NoError(t, err)
	require.NoError(t, gate.Settle(context.Background(), d, "turn-1"))

	balance, _ := ledger.Balance(context.Background(), "alice")
	assert.Equal(t, int64(70), balance)
}

func TestSettleUnbilledIsNoop(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.Grant("alice", 100)
	gate := NewGate(ledger, logging.Nop())

	require.NoError(t, gate.Settle(context.Background(), Decision{Payer: "alice", Unbilled: true}, "turn-1"))
	balance, _ := ledger.Balance(context.Background(), "alice")
	assert.Equal(t, int64(100), balance)
}

func TestSettleRechecksBalance(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.Grant("alice", 30)
	gate := NewGate(ledger, logging.Nop())

	d, err := gate.Precheck(context.Background(), "alice", 30)
	require.NoError(t, err)

	// Concurrent turn drained the balance between precheck and settle.
	require.NoError(t, ledger.Deduct(context.Background(), "alice", 30, "other-turn"))

	err = gate.Settle(context.Background(), d, "turn-1")
	require.Error(t, err)
	assert.True(t, IsInsufficient(err))
}
