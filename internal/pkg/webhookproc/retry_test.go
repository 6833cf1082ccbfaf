package webhookproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsExponentiallyWithinJitterBounds(t *testing.T) {
	s := NewRetryScheduler(30 * time.Second)

	for attempt := 1; attempt <= 4; attempt++ {
		expected := time.Duration(30*time.Second) << (attempt - 1)
		lower := time.Duration(float64(expected) * 0.8)
		upper := time.Duration(float64(expected) * 1.2)

		for i := 0; i < 20; i++ {
			d := s.backoff(attempt)
			assert.GreaterOrEqual(t, d, lower, "attempt %d", attempt)
			assert.LessOrEqual(t, d, upper, "attempt %d", attempt)
		}
	}
}

func TestBackoffIsCapped(t *testing.T) {
	s := NewRetryScheduler(30 * time.Second)

	d := s.backoff(20)
	assert.LessOrEqual(t, d, time.Duration(float64(maxBackoff)*1.2))
}

func TestBackoffTreatsZeroAttemptAsFirst(t *testing.T) {
	s := NewRetryScheduler(30 * time.Second)

	d := s.backoff(0)
	assert.GreaterOrEqual(t, d, time.Duration(float64(30*time.Second)*0.8))
	assert.LessOrEqual(t, d, time.Duration(float64(30*time.Second)*1.2))
}

func TestScheduleAndDue(t *testing.T) {
	setupRedis(t)
	s := NewRetryScheduler(30 * time.Second)

	delay := s.Schedule("evt_1", 1)
	require.Greater(t, delay, time.Duration(0))

	assert.Empty(t, s.Due(time.Now()), "the backoff timer has not expired yet")

	due := s.Due(time.Now().Add(2 * time.Hour))
	require.Equal(t, []string{"evt_1"}, due)

	assert.Empty(t, s.Due(time.Now().Add(2*time.Hour)), "due entries are popped exactly once")
}

func TestDueReturnsAllExpiredEntries(t *testing.T) {
	setupRedis(t)
	s := NewRetryScheduler(time.Second)

	s.Schedule("evt_1", 1)
	s.Schedule("evt_2", 2)
	s.Schedule("evt_3", 3)

	due := s.Due(time.Now().Add(time.Hour))
	assert.ElementsMatch(t, []string{"evt_1", "evt_2", "evt_3"}, due)
}
