package webhookproc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/haruworks/subsync/app/models"
	"github.com/haruworks/subsync/internal/pkg/billing"
	"github.com/haruworks/subsync/internal/pkg/cache"
)

type fakeRepo struct {
	events   map[string]*models.WebhookEvent
	subs     map[string]*models.Subscription
	prices   map[string]*models.Price
	products map[string]*models.Product
	stages   []*models.WebhookEventStage

	productUpserts int
	nextID         uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		events:   map[string]*models.WebhookEvent{},
		subs:     map[string]*models.Subscription{},
		prices:   map[string]*models.Price{},
		products: map[string]*models.Product{},
	}
}

func (r *fakeRepo) UpsertSubscription(sub *models.Subscription) error {
	copied := *sub
	r.subs[sub.ExternalSubscriptionID] = &copied
	return nil
}

func (r *fakeRepo) SaveSubscriptionWithAudit(sub *models.Subscription, _ *models.SubscriptionChangeAudit) error {
	return r.UpsertSubscription(sub)
}

func (r *fakeRepo) GetCurrentSubscription(userID uint) (*models.Subscription, error) {
	for _, sub := range r.subs {
		if sub.UserID == userID && sub.IsCurrent() {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetSubscriptionByExternalID(id string) (*models.Subscription, error) {
	if sub, ok := r.subs[id]; ok {
		copied := *sub
		return &copied, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ListAuditsByUser(uint) ([]models.SubscriptionChangeAudit, error) {
	return nil, nil
}

func (r *fakeRepo) UpsertPrice(price *models.Price) error {
	copied := *price
	r.prices[price.ExternalPriceID] = &copied
	return nil
}

func (r *fakeRepo) UpsertProduct(product *models.Product) error {
	r.productUpserts++
	copied := *product
	r.products[product.ExternalProductID] = &copied
	return nil
}

func (r *fakeRepo) GetPriceByExternalID(id string) (*models.Price, error) {
	if price, ok := r.prices[id]; ok {
		copied := *price
		return &copied, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ClaimWebhookEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	if stored, ok := r.events[event.ExternalID]; ok {
		copied := *stored
		return false, &copied, nil
	}
	r.nextID++
	event.ID = r.nextID
	copied := *event
	r.events[event.ExternalID] = &copied
	result := *event
	return true, &result, nil
}

func (r *fakeRepo) GetWebhookEventByExternalID(externalID string) (*models.WebhookEvent, error) {
	if stored, ok := r.events[externalID]; ok {
		copied := *stored
		return &copied, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) UpdateWebhookEventStatus(id uint, status string, retryCount int, lastError string) error {
	for _, event := range r.events {
		if event.ID == id {
			event.Status = status
			event.RetryCount = retryCount
			event.LastError = lastError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *fakeRepo) MarkWebhookProcessed(id uint) error {
	return r.UpdateWebhookEventStatus(id, models.WebhookStatusProcessed, r.retryCountFor(id), "")
}

func (r *fakeRepo) retryCountFor(id uint) int {
	for _, event := range r.events {
		if event.ID == id {
			return event.RetryCount
		}
	}
	return 0
}

func (r *fakeRepo) AppendStage(stage *models.WebhookEventStage) error {
	stage.ID = uint(len(r.stages) + 1)
	copied := *stage
	r.stages = append(r.stages, &copied)
	return nil
}

func (r *fakeRepo) FinishStage(stage *models.WebhookEventStage) error {
	for i, stored := range r.stages {
		if stored.ID == stage.ID {
			copied := *stage
			r.stages[i] = &copied
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *fakeRepo) ListStuckWebhookEvents(olderThan time.Time, _ int) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	for _, event := range r.events {
		working := event.Status == models.WebhookStatusPending || event.Status == models.WebhookStatusProcessing
		if working && event.UpdatedAt.Before(olderThan) {
			out = append(out, *event)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListWebhookEventsByStatus(status string, _ int) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	for _, event := range r.events {
		if event.Status == status {
			out = append(out, *event)
		}
	}
	return out, nil
}

type fakePriceProvider struct {
	priceErr   error
	priceCalls int
}

func (f *fakePriceProvider) RetrieveSubscription(_ context.Context, id string) (*billing.ProviderSubscription, error) {
	return &billing.ProviderSubscription{ExternalSubscriptionID: id, Status: models.SubscriptionStatusActive}, nil
}

func (f *fakePriceProvider) UpdateSubscriptionPlan(_ context.Context, _ billing.PlanChangeParams) (*billing.ProviderSubscription, error) {
	return nil, errors.New("not used")
}

func (f *fakePriceProvider) SetCancelAtPeriodEnd(_ context.Context, _ string, _ bool) (*billing.ProviderSubscription, error) {
	return nil, errors.New("not used")
}

func (f *fakePriceProvider) CancelSubscriptionNow(_ context.Context, _ string) (*billing.ProviderSubscription, error) {
	return nil, errors.New("not used")
}

func (f *fakePriceProvider) RetrievePriceWithProduct(_ context.Context, id string) (*billing.ProviderPrice, error) {
	f.priceCalls++
	if f.priceErr != nil {
		return nil, f.priceErr
	}
	return &billing.ProviderPrice{ExternalPriceID: id, Active: true}, nil
}

func (f *fakePriceProvider) SetDefaultPaymentMethod(_ context.Context, _, _ string) error {
	return nil
}

func (f *fakePriceProvider) ListPaymentMethods(_ context.Context, _ string) ([]billing.ProviderPaymentMethod, error) {
	return nil, nil
}

func (f *fakePriceProvider) DetachPaymentMethod(_ context.Context, _ string) error {
	return nil
}

func setupRedis(t *testing.T) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache.SetClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func newTestProcessor(t *testing.T, provider billing.Provider) (*Processor, *fakeRepo) {
	t.Helper()
	setupRedis(t)
	repo := newFakeRepo()
	svc := billing.NewService(repo, provider)
	return NewProcessor(repo, svc), repo
}

func objectData(t *testing.T, object string) json.RawMessage {
	t.Helper()
	return json.RawMessage(`{"object":` + object + `}`)
}

func TestIngestProcessesProductEvent(t *testing.T) {
	p, repo := newTestProcessor(t, &fakePriceProvider{})

	result, err := p.Ingest(context.Background(), InboundEvent{
		ID:   "evt_1",
		Type: "product.updated",
		Data: objectData(t, `{"id":"prod_1","name":"Pro","active":true}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.WebhookStatusProcessed, result.Status)
	assert.False(t, result.Duplicate)
	assert.Contains(t, repo.products, "prod_1")
	require.Len(t, repo.stages, 1)
	assert.Equal(t, models.StageStatusCompleted, repo.stages[0].Status)
	assert.Equal(t, "attempt_1", repo.stages[0].StageName)
}

func TestIngestDuplicateDeliveryRunsNothing(t *testing.T) {
	p, repo := newTestProcessor(t, &fakePriceProvider{})
	event := InboundEvent{
		ID:   "evt_1",
		Type: "product.updated",
		Data: objectData(t, `{"id":"prod_1","name":"Pro","active":true}`),
	}

	first, err := p.Ingest(context.Background(), event)
	require.NoError(t, err)
	second, err := p.Ingest(context.Background(), event)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, models.WebhookStatusProcessed, second.Status)
	assert.Equal(t, 1, repo.productUpserts, "the duplicate must not re-run the handler")
	assert.Len(t, repo.stages, 1)
}

func TestIngestRejectsEmptyEnvelope(t *testing.T) {
	p, _ := newTestProcessor(t, &fakePriceProvider{})

	_, err := p.Ingest(context.Background(), InboundEvent{ID: "", Type: "product.updated"})

	var ve *billing.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestUnknownEventTypeDeadLetters(t *testing.T) {
	p, _ := newTestProcessor(t, &fakePriceProvider{})

	result, err := p.Ingest(context.Background(), InboundEvent{
		ID:   "evt_1",
		Type: "charge.succeeded",
		Data: objectData(t, `{}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.WebhookStatusDeadLetter, result.Status)
	assert.Zero(t, result.RetryCount, "unknown types never retry")
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	provider := &fakePriceProvider{priceErr: &billing.TransientError{Err: errors.New("gateway timeout")}}
	p, repo := newTestProcessor(t, provider)

	result, err := p.Ingest(context.Background(), InboundEvent{
		ID:   "evt_1",
		Type: "price.created",
		Data: objectData(t, `{"id":"pro_monthly"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.WebhookStatusFailed, result.Status)
	assert.Equal(t, 1, result.RetryCount)
	require.Len(t, repo.stages, 1)
	assert.Equal(t, models.StageStatusFailed, repo.stages[0].Status)
	assert.NotEmpty(t, repo.stages[0].ErrorMessage)
}

func TestMalformedPayloadDeadLettersImmediately(t *testing.T) {
	p, _ := newTestProcessor(t, &fakePriceProvider{})

	// A price event without a price id can never succeed on retry.
	result, err := p.Ingest(context.Background(), InboundEvent{
		ID:   "evt_1",
		Type: "price.created",
		Data: objectData(t, `{}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.WebhookStatusDeadLetter, result.Status)
}

func TestDeadLetterAfterMaxRetries(t *testing.T) {
	provider := &fakePriceProvider{priceErr: &billing.TransientError{Err: errors.New("still down")}}
	p, repo := newTestProcessor(t, provider)

	result, err := p.Ingest(context.Background(), InboundEvent{
		ID:   "evt_1",
		Type: "price.created",
		Data: objectData(t, `{"id":"pro_monthly"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, result.Status)

	for result.Status == models.WebhookStatusFailed {
		result, err = p.RunRetry(context.Background(), "evt_1")
		require.NoError(t, err)
	}

	assert.Equal(t, models.WebhookStatusDeadLetter, result.Status)
	assert.Equal(t, DefaultMaxRetries, result.RetryCount)
	assert.Equal(t, DefaultMaxRetries, provider.priceCalls)
	assert.Len(t, repo.stages, DefaultMaxRetries)

	// Terminal events receive no further automatic processing.
	result, err = p.RunRetry(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusDeadLetter, result.Status)
	assert.Equal(t, DefaultMaxRetries, provider.priceCalls)
}

func TestReplayDeadLetterEvent(t *testing.T) {
	provider := &fakePriceProvider{priceErr: &billing.TransientError{Err: errors.New("down")}}
	p, repo := newTestProcessor(t, provider)

	result, err := p.Ingest(context.Background(), InboundEvent{
		ID:   "evt_1",
		Type: "price.created",
		Data: objectData(t, `{"id":"pro_monthly"}`),
	})
	require.NoError(t, err)

	for result.Status == models.WebhookStatusFailed {
		result, err = p.RunRetry(context.Background(), "evt_1")
		require.NoError(t, err)
	}
	require.Equal(t, models.WebhookStatusDeadLetter, result.Status)

	// Provider recovers; the operator replays the event.
	provider.priceErr = nil
	replayed, err := p.Replay(context.Background(), "evt_1")
	require.NoError(t, err)

	assert.Equal(t, models.WebhookStatusProcessed, replayed.Status)
	assert.Contains(t, repo.prices, "pro_monthly")
}

func TestReplayRejectsNonDeadLetterEvents(t *testing.T) {
	p, _ := newTestProcessor(t, &fakePriceProvider{})

	_, err := p.Ingest(context.Background(), InboundEvent{
		ID:   "evt_1",
		Type: "product.updated",
		Data: objectData(t, `{"id":"prod_1"}`),
	})
	require.NoError(t, err)

	_, err = p.Replay(context.Background(), "evt_1")
	var ve *billing.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = p.Replay(context.Background(), "evt_missing")
	var nfe *billing.NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestSubscriptionEventResolvesUserFromMetadata(t *testing.T) {
	p, repo := newTestProcessor(t, &fakePriceProvider{})

	result, err := p.Ingest(context.Background(), InboundEvent{
		ID:   "evt_1",
		Type: "customer.subscription.created",
		Data: objectData(t, `{
			"id":"sub_500","customer":"cus_5","status":"active",
			"metadata":{"user_id":"12"},
			"items":{"data":[{"id":"si_1","quantity":1,"price":{"id":"pro_monthly"}}]}
		}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.WebhookStatusProcessed, result.Status)
	sub, err := repo.GetSubscriptionByExternalID("sub_500")
	require.NoError(t, err)
	assert.Equal(t, uint(12), sub.UserID)
	assert.Equal(t, "pro_monthly", sub.ExternalPriceID)
}

func TestSubscriptionEventWithoutUserDeadLetters(t *testing.T) {
	p, _ := newTestProcessor(t, &fakePriceProvider{})

	result, err := p.Ingest(context.Background(), InboundEvent{
		ID:   "evt_1",
		Type: "customer.subscription.created",
		Data: objectData(t, `{"id":"sub_500","customer":"cus_5","status":"active"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.WebhookStatusDeadLetter, result.Status)
}

func TestSubscriptionDeletedForcesCanceledStatus(t *testing.T) {
	p, repo := newTestProcessor(t, &fakePriceProvider{})
	repo.subs["sub_500"] = &models.Subscription{
		UserID:                 12,
		ExternalSubscriptionID: "sub_500",
		Status:                 models.SubscriptionStatusActive,
	}

	result, err := p.Ingest(context.Background(), InboundEvent{
		ID:   "evt_2",
		Type: "customer.subscription.deleted",
		Data: objectData(t, `{"id":"sub_500","customer":"cus_5","status":"active"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.WebhookStatusProcessed, result.Status)
	sub, err := repo.GetSubscriptionByExternalID("sub_500")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
	assert.NotNil(t, sub.CanceledAt)
}

func TestInvoiceForUnmirroredSubscriptionRetries(t *testing.T) {
	p, _ := newTestProcessor(t, &fakePriceProvider{})

	// The creation event is still in flight; the invoice must wait for it.
	result, err := p.Ingest(context.Background(), InboundEvent{
		ID:   "evt_1",
		Type: "invoice.payment_succeeded",
		Data: objectData(t, `{"id":"in_1","subscription":"sub_ghost","paid":true}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.WebhookStatusFailed, result.Status)
	assert.Equal(t, 1, result.RetryCount)
}

func TestInvoiceWithoutSubscriptionIsIgnored(t *testing.T) {
	p, _ := newTestProcessor(t, &fakePriceProvider{})

	result, err := p.Ingest(context.Background(), InboundEvent{
		ID:   "evt_1",
		Type: "invoice.payment_succeeded",
		Data: objectData(t, `{"id":"in_1","paid":true}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.WebhookStatusProcessed, result.Status)
}

func strandEvent(t *testing.T, repo *fakeRepo, in InboundEvent, status string, age time.Duration) {
	t.Helper()
	payload, err := json.Marshal(in)
	require.NoError(t, err)
	repo.nextID++
	repo.events[in.ID] = &models.WebhookEvent{
		ID:          repo.nextID,
		ExternalID:  in.ID,
		EventType:   in.Type,
		PayloadJSON: string(payload),
		Status:      status,
		UpdatedAt:   time.Now().Add(-age),
	}
}

func TestRedeliveryRedispatchesStrandedEvent(t *testing.T) {
	p, repo := newTestProcessor(t, &fakePriceProvider{})
	event := InboundEvent{
		ID:   "evt_1",
		Type: "product.updated",
		Data: objectData(t, `{"id":"prod_1","name":"Pro","active":true}`),
	}
	// A crash between the claim and the retry scheduling leaves the row
	// pending with no retry entry; only redelivery or the sweep can save it.
	strandEvent(t, repo, event, models.WebhookStatusPending, 15*time.Minute)

	result, err := p.Ingest(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, models.WebhookStatusProcessed, result.Status)
	assert.Equal(t, 1, repo.productUpserts, "the redelivery must run the handler")
}

func TestRedeliveryLeavesFreshPendingEventAlone(t *testing.T) {
	p, repo := newTestProcessor(t, &fakePriceProvider{})
	event := InboundEvent{
		ID:   "evt_1",
		Type: "product.updated",
		Data: objectData(t, `{"id":"prod_1","name":"Pro","active":true}`),
	}
	// Fresh pending rows belong to an attempt that is still running.
	strandEvent(t, repo, event, models.WebhookStatusPending, time.Minute)

	result, err := p.Ingest(context.Background(), event)
	require.NoError(t, err)

	assert.True(t, result.Duplicate)
	assert.Equal(t, models.WebhookStatusPending, result.Status)
	assert.Zero(t, repo.productUpserts)
}

func TestRecoverStuckReprocessesOldWorkingEvents(t *testing.T) {
	p, repo := newTestProcessor(t, &fakePriceProvider{})
	old := InboundEvent{
		ID:   "evt_old",
		Type: "product.updated",
		Data: objectData(t, `{"id":"prod_1","name":"Pro","active":true}`),
	}
	fresh := InboundEvent{
		ID:   "evt_new",
		Type: "product.updated",
		Data: objectData(t, `{"id":"prod_2","name":"Premium","active":true}`),
	}
	strandEvent(t, repo, old, models.WebhookStatusProcessing, 15*time.Minute)
	strandEvent(t, repo, fresh, models.WebhookStatusPending, time.Minute)

	p.RecoverStuck(context.Background(), time.Now().Add(-10*time.Minute))

	assert.Equal(t, models.WebhookStatusProcessed, repo.events["evt_old"].Status)
	assert.Equal(t, models.WebhookStatusPending, repo.events["evt_new"].Status)
	assert.Contains(t, repo.products, "prod_1")
	assert.NotContains(t, repo.products, "prod_2")
}
