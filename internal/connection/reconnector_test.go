package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectorCountsConsecutiveAttempts(t *testing.T) {
	r := newReconnector(10*time.Millisecond, time.Second)

	for i := 1; i <= 5; i++ {
		r.nextDelay()
		assert.Equal(t, i, r.attempts())
	}

	r.reset()
	assert.Zero(t, r.attempts())
}

func TestReconnectorDelayGrowsAndCaps(t *testing.T) {
	base := 10 * time.Millisecond
	max := 50 * time.Millisecond
	r := newReconnector(base, max)

	first := r.nextDelay()
	assert.GreaterOrEqual(t, first, base)

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = r.nextDelay()
		assert.LessOrEqual(t, last, max)
	}
	assert.Equal(t, max, last)
}
