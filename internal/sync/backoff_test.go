package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay_GrowsAndCaps(t *testing.T) {
	t.Parallel()

	// Jitter is ±20%, so check against the widened bounds.
	within := func(attempt int, nominal time.Duration) {
		d := backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(nominal)*0.8),
			"attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(nominal)*1.2),
			"attempt %d", attempt)
	}

	within(1, 1*time.Second)
	within(2, 2*time.Second)
	within(3, 4*time.Second)
	within(10, 5*time.Minute) // capped
	within(30, 5*time.Minute) // stays capped

	// Defensive floor for a zero attempt count.
	within(0, 1*time.Second)
}
