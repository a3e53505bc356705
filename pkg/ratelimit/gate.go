package ratelimit

import (
	"sync"
	"time"

	"github.com/chainledger/chainledger/pkg/clock"
)

// Gate enforces a minimum interval between operations per key. It replaces
// the ad-hoc in-memory maps the worker processes previously kept, so tests
// can drive it with a fake clock.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	lastSeen map[string]time.Time
	clock    clock.Clock
}

// NewGate creates a gate allowing one operation per key per interval.
func NewGate(interval time.Duration, clk clock.Clock) *Gate {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Gate{
		interval: interval,
		lastSeen: make(map[string]time.Time),
		clock:    clk,
	}
}

// Allow reports whether the key may proceed now, recording the attempt
// if so. A denied call does not reset the window.
func (g *Gate) Allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if last, ok := g.lastSeen[key]; ok && now.Sub(last) < g.interval {
		return false
	}
	g.lastSeen[key] = now
	return true
}

// Reset clears the window for a key, letting the next call through.
func (g *Gate) Reset(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastSeen, key)
}

// Len returns the number of tracked keys.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lastSeen)
}
