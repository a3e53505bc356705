package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chainledger/chainledger/pkg/clock"
)

func TestGateAllowsFirstCall(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	gate := NewGate(30*time.Second, clk)

	assert.True(t, gate.Allow("0xabc"))
	assert.False(t, gate.Allow("0xabc"))
	assert.True(t, gate.Allow("0xdef"), "independent keys have independent windows")
}

func TestGateReopensAfterInterval(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	gate := NewGate(30*time.Second, clk)

	assert.True(t, gate.Allow("0xabc"))

	clk.Advance(29 * time.Second)
	assert.False(t, gate.Allow("0xabc"))

	clk.Advance(1 * time.Second)
	assert.True(t, gate.Allow("0xabc"))
}

func TestGateDeniedCallDoesNotExtendWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	gate := NewGate(10*time.Second, clk)

	assert.True(t, gate.Allow("0xabc"))
	clk.Advance(9 * time.Second)
	assert.False(t, gate.Allow("0xabc"))
	clk.Advance(1 * time.Second)
	assert.True(t, gate.Allow("0xabc"), "denied attempt must not reset the window")
}

func TestGateReset(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	gate := NewGate(time.Minute, clk)

	assert.True(t, gate.Allow("0xabc"))
	gate.Reset("0xabc")
	assert.True(t, gate.Allow("0xabc"))
}
