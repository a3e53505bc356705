package entities

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithdrawalTransitionsAreForwardOnly(t *testing.T) {
	assert.True(t, WithdrawalPending.CanTransitionTo(WithdrawalProcessing))
	assert.True(t, WithdrawalPending.CanTransitionTo(WithdrawalFailed))
	assert.True(t, WithdrawalProcessing.CanTransitionTo(WithdrawalCompleted))
	assert.True(t, WithdrawalProcessing.CanTransitionTo(WithdrawalFailed))

	// Terminal states never move
	for _, terminal := range []WithdrawalStatus{WithdrawalCompleted, WithdrawalFailed} {
		for _, next := range []WithdrawalStatus{WithdrawalPending, WithdrawalProcessing, WithdrawalCompleted, WithdrawalFailed} {
			assert.False(t, terminal.CanTransitionTo(next), "%s -> %s must be rejected", terminal, next)
		}
	}

	// No backward transitions
	assert.False(t, WithdrawalProcessing.CanTransitionTo(WithdrawalPending))
	assert.False(t, WithdrawalPending.CanTransitionTo(WithdrawalCompleted))
}

func TestWithdrawalStale(t *testing.T) {
	now := time.Now()
	hash := "0x1"

	w := &WithdrawalRequest{Status: WithdrawalProcessing, UpdatedAt: now.Add(-time.Hour)}
	assert.True(t, w.Stale(now, 30*time.Minute))

	// A hash means the broadcast step completed; not stuck
	w.TxHash = &hash
	assert.False(t, w.Stale(now, 30*time.Minute))

	fresh := &WithdrawalRequest{Status: WithdrawalProcessing, UpdatedAt: now.Add(-time.Minute)}
	assert.False(t, fresh.Stale(now, 30*time.Minute))
}

func TestDepositEventConfirmed(t *testing.T) {
	ev := &ChainDepositEvent{BlockNum: 100}
	assert.True(t, ev.Confirmed(112, 12))
	assert.False(t, ev.Confirmed(111, 12))

	// Webhook events may arrive without a block number yet
	unknown := &ChainDepositEvent{BlockNum: 0}
	assert.False(t, unknown.Confirmed(1000, 12))
}

func TestDepositRequestExpired(t *testing.T) {
	now := time.Now()
	hash := "0x1"

	r := &DepositRequest{Status: DepositRequestPending, CreatedAt: now.Add(-48 * time.Hour)}
	assert.True(t, r.Expired(now, 24*time.Hour))

	// Holding a hash shields a request from expiry
	r.TxHash = &hash
	assert.False(t, r.Expired(now, 24*time.Hour))

	approved := &DepositRequest{Status: DepositRequestApproved, CreatedAt: now.Add(-48 * time.Hour)}
	assert.False(t, approved.Expired(now, 24*time.Hour))
}
