package counter

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haruworks/subsync/internal/pkg/cache"
)

func TestCountersAccumulatePerEventType(t *testing.T) {
	mr := miniredis.RunT(t)
	cache.SetClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	AddProcessed("product.updated")
	AddProcessed("product.updated")
	AddFailed("invoice.payment_failed")
	AddDeadLetter("charge.succeeded")

	snap, err := Collect()
	require.NoError(t, err)

	assert.EqualValues(t, 2, snap.Processed["product.updated"])
	assert.EqualValues(t, 1, snap.Failed["invoice.payment_failed"])
	assert.EqualValues(t, 1, snap.DeadLetter["charge.succeeded"])
}

func TestIncrementSwallowsRedisFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	cache.SetClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	mr.Close()

	// Counters are best-effort; a dead redis must not fail event processing.
	assert.NotPanics(t, func() { AddProcessed("product.updated") })
}
