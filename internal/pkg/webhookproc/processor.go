package webhookproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/haruworks/subsync/app/models"
	"github.com/haruworks/subsync/internal/pkg/billing"
	"github.com/haruworks/subsync/internal/pkg/env"
	"github.com/haruworks/subsync/internal/pkg/metrics/counter"
)

const (
	// Retry tuning. The provider retries deliveries itself, so five local
	// attempts with base 30s exponential backoff covers transient outages
	// without retry storms.
	DefaultMaxRetries  = 5
	DefaultBaseBackoff = 30 * time.Second

	// An event still pending/processing after this long has no live attempt
	// behind it (a crash or a failed status write stranded it) and may be
	// re-dispatched.
	stuckAfter      = 10 * time.Minute
	stuckSweepBatch = 100
)

// Handler processes one event type. Handlers must be idempotent: they are
// re-run on retry and must only use the synchronizer's upsert operations.
type Handler func(ctx context.Context, rec *StageRecorder, ev *models.WebhookEvent) error

// Processor ingests provider webhook events exactly once per external id,
// dispatches them to per-type handlers and schedules retries for transient
// failures.
type Processor struct {
	repo       billing.Repository
	handlers   map[string]Handler
	scheduler  *RetryScheduler
	maxRetries int
}

// NewProcessor wires a processor with the default handler table.
func NewProcessor(repo billing.Repository, svc *billing.Service) *Processor {
	p := &Processor{
		repo:       repo,
		scheduler:  NewRetryScheduler(baseBackoffFromEnv()),
		maxRetries: maxRetriesFromEnv(),
	}
	p.handlers = defaultHandlers(repo, svc)
	return p
}

func maxRetriesFromEnv() int {
	if v, err := strconv.Atoi(env.GetEnv("WEBHOOK_MAX_RETRIES", "")); err == nil && v >= 0 {
		return v
	}
	return DefaultMaxRetries
}

func baseBackoffFromEnv() time.Duration {
	if v, err := strconv.Atoi(env.GetEnv("WEBHOOK_RETRY_BASE_SECONDS", "")); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return DefaultBaseBackoff
}

// Ingest processes one delivery. Calling it again with the same external id
// returns the recorded outcome without re-running handler side effects.
func (p *Processor) Ingest(ctx context.Context, in InboundEvent) (*ProcessingResult, error) {
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.Type) == "" {
		return nil, &billing.ValidationError{Msg: "event id and type are required"}
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, &billing.ValidationError{Msg: "event payload is not serializable: " + err.Error()}
	}

	claimed, stored, err := p.repo.ClaimWebhookEvent(&models.WebhookEvent{
		ExternalID:  in.ID,
		EventType:   in.Type,
		PayloadJSON: string(payload),
		Status:      models.WebhookStatusPending,
		Livemode:    in.Livemode,
	})
	if err != nil {
		return nil, fmt.Errorf("claim webhook event %s: %w", in.ID, err)
	}

	if !claimed {
		// A pending/processing row with no recent activity means an earlier
		// attempt died before it could schedule a retry; the provider's
		// redelivery is the recovery path, so re-dispatch instead of echoing
		// the stranded state. Failed events keep their backoff timer.
		if isStuck(stored, time.Now()) {
			log.Warnf("[Webhook] Redelivery of stranded event %s (status=%s), re-dispatching",
				stored.ExternalID, stored.Status)
			return p.process(ctx, stored)
		}
		// Duplicate delivery: report the recorded state, run nothing.
		log.Infof("[Webhook] Duplicate delivery %s (status=%s)", stored.ExternalID, stored.Status)
		return resultFromEvent(stored, true), nil
	}

	return p.process(ctx, stored)
}

// Replay re-runs a dead-letter event once, on operator request.
func (p *Processor) Replay(ctx context.Context, externalID string) (*ProcessingResult, error) {
	event, err := p.repo.GetWebhookEventByExternalID(externalID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &billing.NotFoundError{Resource: "webhook event", Key: externalID}
	}
	if err != nil {
		return nil, err
	}
	if event.Status != models.WebhookStatusDeadLetter {
		return nil, &billing.ValidationError{Msg: "only dead_letter events can be replayed"}
	}

	// Replay gets a fresh retry budget.
	event.RetryCount = 0
	log.Infof("[Webhook] Replaying dead-letter event %s", externalID)
	return p.process(ctx, event)
}

// RunRetry re-dispatches an event whose backoff timer expired.
func (p *Processor) RunRetry(ctx context.Context, externalID string) (*ProcessingResult, error) {
	event, err := p.repo.GetWebhookEventByExternalID(externalID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &billing.NotFoundError{Resource: "webhook event", Key: externalID}
	}
	if err != nil {
		return nil, err
	}
	if event.IsTerminal() {
		return resultFromEvent(event, false), nil
	}
	return p.process(ctx, event)
}

// Scheduler exposes the retry scheduler for the cron sweeper.
func (p *Processor) Scheduler() *RetryScheduler {
	return p.scheduler
}

func isStuck(event *models.WebhookEvent, now time.Time) bool {
	if event.Status != models.WebhookStatusPending && event.Status != models.WebhookStatusProcessing {
		return false
	}
	return now.Sub(event.UpdatedAt) >= stuckAfter
}

// RecoverStuck re-dispatches events stranded in pending/processing by a crash
// or a failed status write. Redelivery also recovers such events, but the
// provider eventually stops redelivering; the sweep is the backstop.
func (p *Processor) RecoverStuck(ctx context.Context, olderThan time.Time) {
	events, err := p.repo.ListStuckWebhookEvents(olderThan, stuckSweepBatch)
	if err != nil {
		log.Errorf("[Webhook] Could not list stuck events: %v", err)
		return
	}
	for i := range events {
		ev := &events[i]
		log.Warnf("[Webhook] Recovering stuck event %s (status=%s, age=%s)",
			ev.ExternalID, ev.Status, time.Since(ev.UpdatedAt).Round(time.Second))
		if _, err := p.RunRetry(ctx, ev.ExternalID); err != nil {
			log.Errorf("[Webhook] Recovery of %s failed: %v", ev.ExternalID, err)
		}
	}
}

func (p *Processor) process(ctx context.Context, event *models.WebhookEvent) (*ProcessingResult, error) {
	if err := p.repo.UpdateWebhookEventStatus(event.ID, models.WebhookStatusProcessing, event.RetryCount, event.LastError); err != nil {
		return nil, err
	}
	event.Status = models.WebhookStatusProcessing

	handler, ok := p.handlers[event.EventType]
	if !ok {
		// Unknown types can never succeed later; no retry.
		log.Warnf("[Webhook] No handler for event type %s, dead-lettering %s", event.EventType, event.ExternalID)
		return p.deadLetter(event, fmt.Sprintf("no handler for event type %s", event.EventType))
	}

	handlerErr := p.runStage(ctx, event, handler)
	if handlerErr == nil {
		if err := p.repo.MarkWebhookProcessed(event.ID); err != nil {
			return nil, err
		}
		event.Status = models.WebhookStatusProcessed
		counter.AddProcessed(event.EventType)
		log.Infof("[Webhook] Processed %s (%s)", event.ExternalID, event.EventType)
		return resultFromEvent(event, false), nil
	}

	var provErr *billing.ProviderError
	if billing.IsPermanentFailure(handlerErr) || errors.As(handlerErr, &provErr) {
		// Malformed payloads and explicit provider rejections cannot succeed
		// on a later attempt.
		return p.deadLetter(event, handlerErr.Error())
	}

	event.RetryCount++
	event.LastError = handlerErr.Error()
	if event.RetryCount >= p.maxRetries {
		return p.deadLetter(event, handlerErr.Error())
	}

	if err := p.repo.UpdateWebhookEventStatus(event.ID, models.WebhookStatusFailed, event.RetryCount, event.LastError); err != nil {
		return nil, err
	}
	event.Status = models.WebhookStatusFailed
	counter.AddFailed(event.EventType)

	delay := p.scheduler.Schedule(event.ExternalID, event.RetryCount)
	log.Warnf("[Webhook] Event %s failed (attempt %d/%d), retry in %s: %v",
		event.ExternalID, event.RetryCount, p.maxRetries, delay, handlerErr)
	return resultFromEvent(event, false), nil
}

// runStage wraps one handler attempt as an append-only stage row.
func (p *Processor) runStage(ctx context.Context, event *models.WebhookEvent, handler Handler) error {
	rec := &StageRecorder{startedAt: time.Now()}
	stage := &models.WebhookEventStage{
		WebhookEventID: event.ID,
		StageName:      fmt.Sprintf("attempt_%d", event.RetryCount+1),
		HandlerName:    event.EventType,
		Status:         models.StageStatusStarted,
		StartedAt:      rec.startedAt,
	}
	if err := p.repo.AppendStage(stage); err != nil {
		return fmt.Errorf("append stage: %w", err)
	}

	handlerErr := handler(ctx, rec, event)

	finished := time.Now()
	stage.FinishedAt = &finished
	stage.ExecutionTimeMs = finished.Sub(rec.startedAt).Milliseconds()
	stage.DBQueries = rec.dbQueries
	stage.APICalls = rec.apiCalls
	if handlerErr != nil {
		stage.Status = models.StageStatusFailed
		stage.ErrorMessage = handlerErr.Error()
	} else {
		stage.Status = models.StageStatusCompleted
	}
	if err := p.repo.FinishStage(stage); err != nil {
		// The stage outcome is best-effort bookkeeping; the event status below
		// remains authoritative.
		log.Errorf("[Webhook] Could not finish stage for %s: %v", event.ExternalID, err)
	}
	return handlerErr
}

func (p *Processor) deadLetter(event *models.WebhookEvent, reason string) (*ProcessingResult, error) {
	if err := p.repo.UpdateWebhookEventStatus(event.ID, models.WebhookStatusDeadLetter, event.RetryCount, reason); err != nil {
		return nil, err
	}
	event.Status = models.WebhookStatusDeadLetter
	event.LastError = reason
	counter.AddDeadLetter(event.EventType)
	log.Errorf("[Webhook] Dead-lettered %s (%s): %s", event.ExternalID, event.EventType, reason)
	return resultFromEvent(event, false), nil
}

func resultFromEvent(event *models.WebhookEvent, duplicate bool) *ProcessingResult {
	return &ProcessingResult{
		ExternalID: event.ExternalID,
		EventType:  event.EventType,
		Status:     event.Status,
		RetryCount: event.RetryCount,
		Duplicate:  duplicate,
		Error:      event.LastError,
	}
}
