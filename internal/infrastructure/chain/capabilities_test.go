package chain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShrinkFromErrorParsesProviderLimit(t *testing.T) {
	caps := NewProviderCapabilities(10000)

	newRange, changed := caps.ShrinkFromError(errors.New("eth_getLogs is limited to a 5000 block range"))
	assert.True(t, changed)
	assert.Equal(t, int64(5000), newRange)
	assert.Equal(t, int64(5000), caps.MaxBlockRange())
}

func TestShrinkFromErrorParsesNumbersWithCommas(t *testing.T) {
	caps := NewProviderCapabilities(50000)

	newRange, changed := caps.ShrinkFromError(errors.New("block range exceeds maximum of 2,000"))
	assert.True(t, changed)
	assert.Equal(t, int64(2000), newRange)
}

func TestShrinkFromErrorHalvesWhenUnparseable(t *testing.T) {
	caps := NewProviderCapabilities(8000)

	newRange, changed := caps.ShrinkFromError(errors.New("query timeout, try a smaller window"))
	assert.True(t, changed)
	assert.Equal(t, int64(4000), newRange)

	// A second unrecognized rejection keeps converging
	newRange, changed = caps.ShrinkFromError(errors.New("query timeout, try a smaller window"))
	assert.True(t, changed)
	assert.Equal(t, int64(2000), newRange)
}

func TestShrinkFromErrorIgnoresNumbersAboveCeiling(t *testing.T) {
	caps := NewProviderCapabilities(1000)

	// 50000 is not a limit we can use; fall back to halving
	newRange, _ := caps.ShrinkFromError(errors.New("returned 50000 results"))
	assert.Equal(t, int64(500), newRange)
}

func TestShrinkFromErrorStopsAtOne(t *testing.T) {
	caps := NewProviderCapabilities(2)

	newRange, changed := caps.ShrinkFromError(errors.New("no"))
	assert.True(t, changed)
	assert.Equal(t, int64(1), newRange)

	_, changed = caps.ShrinkFromError(errors.New("no"))
	assert.False(t, changed, "ceiling of one cannot shrink further")
}

func TestIsRangeError(t *testing.T) {
	assert.True(t, IsRangeError(errors.New("requested block range is too wide")))
	assert.True(t, IsRangeError(errors.New("query returned more than 10000 results")))
	assert.False(t, IsRangeError(errors.New("connection refused")))
	assert.False(t, IsRangeError(nil))
}
