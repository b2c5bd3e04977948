package database

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushIDShape(t *testing.T) {
	p := newPushIDs()
	id := p.next(time.UnixMilli(1700000000000))
	assert.Len(t, id, 20)
	for _, c := range id {
		assert.Contains(t, pushAlphabet, string(c))
	}
}

func TestPushIDTimestampPrefixOrders(t *testing.T) {
	p := newPushIDs()
	early := p.next(time.UnixMilli(1700000000000))
	late := p.next(time.UnixMilli(1700000000001))
	assert.Less(t, early[:8], late[:8])
}

func TestPushIDSameMillisecondStillIncreases(t *testing.T) {
	p := newPushIDs()
	now := time.UnixMilli(1700000000000)
	prev := p.next(now)
	for i := 0; i < 1000; i++ {
		id := p.next(now)
		require.Less(t, prev, id)
		assert.Equal(t, prev[:8], id[:8], "timestamp prefix must not change within one millisecond")
		prev = id
	}
}

func TestPushIDSuffixWrapCarriesIntoTimestamp(t *testing.T) {
	p := newPushIDs()
	now := time.UnixMilli(1700000000000)
	prev := p.next(now)

	// Force the degenerate case: a suffix of all-maximum characters
	// wraps on the next bump.
	p.lastRand = [12]int{63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63, 63}
	top := p.next(now)
	require.Less(t, prev, top)
	assert.Less(t, prev[:8], top[:8], "a full suffix wrap must advance the timestamp")
	assert.Equal(t, strings.Repeat("-", 12), top[8:])

	id := p.next(now)
	assert.Less(t, top, id, "ordering holds after the carry")
	assert.Equal(t, top[:8], id[:8])
}

func TestPushIDAlphabetIsSorted(t *testing.T) {
	require.Len(t, pushAlphabet, 64)
	for i := 1; i < len(pushAlphabet); i++ {
		assert.Less(t, pushAlphabet[i-1], pushAlphabet[i])
	}
	// Lexicographic id comparison only works because the alphabet is
	// in byte order.
	assert.True(t, strings.HasPrefix(pushAlphabet, "-0"))
}
