package webhookproc

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/haruworks/subsync/internal/pkg/cache"
)

const (
	retryScheduleKey = "webhook:retry_schedule"
	maxBackoff       = time.Hour
	jitterFraction   = 0.2
)

// RetryScheduler keeps the backoff schedule for failed events in a Redis
// sorted set scored by due time, so any instance can pick up due retries.
type RetryScheduler struct {
	base time.Duration
}

func NewRetryScheduler(base time.Duration) *RetryScheduler {
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	return &RetryScheduler{base: base}
}

// Schedule enqueues a retry for the event and returns the chosen delay.
func (s *RetryScheduler) Schedule(externalID string, attempt int) time.Duration {
	delay := s.backoff(attempt)
	due := time.Now().Add(delay)
	err := cache.GetClient().ZAdd(context.Background(), retryScheduleKey, redis.Z{
		Score:  float64(due.Unix()),
		Member: externalID,
	}).Err()
	if err != nil {
		log.Errorf("[Webhook] Could not schedule retry for %s: %v", externalID, err)
	}
	return delay
}

// Due pops every event whose backoff timer has expired.
func (s *RetryScheduler) Due(now time.Time) []string {
	ctx := context.Background()
	client := cache.GetClient()

	ids, err := client.ZRangeByScore(ctx, retryScheduleKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: formatUnix(now),
	}).Result()
	if err != nil {
		log.Errorf("[Webhook] Could not read retry schedule: %v", err)
		return nil
	}
	if len(ids) == 0 {
		return nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := client.ZRem(ctx, retryScheduleKey, members...).Err(); err != nil {
		log.Errorf("[Webhook] Could not remove due retries: %v", err)
	}
	return ids
}

// backoff computes base * 2^(attempt-1) with ±20% jitter, capped at an hour.
func (s *RetryScheduler) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(s.base) * math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// StartRetrySweeper runs the due-retry sweep every 30 seconds and the
// stuck-event recovery sweep every minute. The returned cron is already
// started; callers stop it on shutdown.
func StartRetrySweeper(p *Processor) *cron.Cron {
	c := cron.New()
	c.AddFunc("@every 30s", func() {
		for _, externalID := range p.Scheduler().Due(time.Now()) {
			if _, err := p.RunRetry(context.Background(), externalID); err != nil {
				log.Errorf("[Webhook] Retry of %s failed: %v", externalID, err)
			}
		}
	})
	c.AddFunc("@every 1m", func() {
		p.RecoverStuck(context.Background(), time.Now().Add(-stuckAfter))
	})
	c.Start()
	return c
}
