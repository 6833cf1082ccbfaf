package counter

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2/log"

	"github.com/haruworks/subsync/internal/pkg/cache"
)

const (
	processedKey  = "webhook:counters:processed"
	failedKey     = "webhook:counters:failed"
	deadLetterKey = "webhook:counters:dead_letter"
)

// AddProcessed increments the processed counter for an event type in Redis
func AddProcessed(eventType string) {
	increment(processedKey, eventType)
}

// AddFailed increments the failed-attempt counter for an event type in Redis
func AddFailed(eventType string) {
	increment(failedKey, eventType)
}

// AddDeadLetter increments the dead-letter counter for an event type in Redis
func AddDeadLetter(eventType string) {
	increment(deadLetterKey, eventType)
}

// Counters are best-effort bookkeeping; a failed increment is logged and
// never fails the event it describes.
func increment(key, eventType string) {
	if err := cache.GetClient().HIncrBy(context.Background(), key, eventType, 1).Err(); err != nil {
		log.Errorf("[Metrics] Could not increment %s for %s: %v", key, eventType, err)
	}
}

// Snapshot holds the per-event-type counters for each outcome bucket.
type Snapshot struct {
	Processed  map[string]int64 `json:"processed"`
	Failed     map[string]int64 `json:"failed"`
	DeadLetter map[string]int64 `json:"dead_letter"`
}

// Collect reads all webhook processing counters from Redis.
func Collect() (*Snapshot, error) {
	ctx := context.Background()

	snap := &Snapshot{}
	var err error
	if snap.Processed, err = readHash(ctx, processedKey); err != nil {
		return nil, err
	}
	if snap.Failed, err = readHash(ctx, failedKey); err != nil {
		return nil, err
	}
	if snap.DeadLetter, err = readHash(ctx, deadLetterKey); err != nil {
		return nil, err
	}
	return snap, nil
}

func readHash(ctx context.Context, key string) (map[string]int64, error) {
	data, err := cache.GetClient().HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(data))
	for field, raw := range data {
		if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			out[field] = n
		}
	}
	return out, nil
}
