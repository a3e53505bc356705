package chain

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ProviderCapabilities tracks what the RPC provider will accept for log
// queries. The block-range ceiling starts at the configured value and
// only shrinks: providers reject oversized ranges but never complain
// about small ones. Discovered once per process; a restart re-probes.
type ProviderCapabilities struct {
	mu       sync.Mutex
	maxRange int64
}

// NewProviderCapabilities starts with the configured ceiling
func NewProviderCapabilities(initialRange int64) *ProviderCapabilities {
	if initialRange <= 0 {
		initialRange = 10000
	}
	return &ProviderCapabilities{maxRange: initialRange}
}

// MaxBlockRange returns the current ceiling
func (c *ProviderCapabilities) MaxBlockRange() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxRange
}

var numberPattern = regexp.MustCompile(`\d[\d,]*`)

// ShrinkFromError inspects a provider rejection and lowers the ceiling.
// If the message names a limit (any number smaller than the current
// ceiling), that becomes the new ceiling; otherwise the ceiling is
// halved so differently worded providers still converge instead of
// failing forever. Returns the new ceiling and whether it changed.
func (c *ProviderCapabilities) ShrinkFromError(err error) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil || c.maxRange <= 1 {
		return c.maxRange, false
	}

	best := int64(0)
	for _, match := range numberPattern.FindAllString(err.Error(), -1) {
		n, parseErr := strconv.ParseInt(strings.ReplaceAll(match, ",", ""), 10, 64)
		if parseErr != nil {
			continue
		}
		if n > 0 && n < c.maxRange && n > best {
			best = n
		}
	}

	if best > 0 {
		c.maxRange = best
	} else {
		c.maxRange = c.maxRange / 2
		if c.maxRange < 1 {
			c.maxRange = 1
		}
	}
	return c.maxRange, true
}

// IsRangeError reports whether a getLogs failure looks like a block-range
// rejection rather than a transient fault.
func IsRangeError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"block range", "range is too", "too many", "limited to", "exceed", "more than"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
