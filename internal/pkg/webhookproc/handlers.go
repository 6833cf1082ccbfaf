package webhookproc

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/haruworks/subsync/app/models"
	"github.com/haruworks/subsync/internal/pkg/billing"
)

// defaultHandlers maps provider event types to their handlers. Every handler
// goes through the synchronizer's idempotent upserts, so re-running one on
// retry never double-applies a write.
func defaultHandlers(repo billing.Repository, svc *billing.Service) map[string]Handler {
	h := &handlerSet{repo: repo, svc: svc}
	return map[string]Handler{
		"customer.subscription.created": h.subscriptionChanged,
		"customer.subscription.updated": h.subscriptionChanged,
		"customer.subscription.deleted": h.subscriptionDeleted,
		"invoice.payment_succeeded":     h.invoiceSettled,
		"invoice.payment_failed":        h.invoiceSettled,
		"price.created":                 h.priceChanged,
		"price.updated":                 h.priceChanged,
		"product.updated":               h.productChanged,
	}
}

type handlerSet struct {
	repo billing.Repository
	svc  *billing.Service
}

func (h *handlerSet) subscriptionChanged(ctx context.Context, rec *StageRecorder, ev *models.WebhookEvent) error {
	payload, err := decodeSubscription(ev)
	if err != nil {
		return err
	}

	userID, err := h.resolveUser(rec, payload)
	if err != nil {
		return err
	}

	rec.CountQuery()
	_, err = h.svc.SyncFromProviderObject(ctx, userID, providerSubscriptionFromPayload(payload))
	return err
}

func (h *handlerSet) subscriptionDeleted(ctx context.Context, rec *StageRecorder, ev *models.WebhookEvent) error {
	payload, err := decodeSubscription(ev)
	if err != nil {
		return err
	}

	userID, err := h.resolveUser(rec, payload)
	if err != nil {
		return err
	}

	ps := providerSubscriptionFromPayload(payload)
	// Deleted events can arrive with a stale status field; the deletion wins.
	ps.Status = models.SubscriptionStatusCanceled
	if ps.CanceledAt == nil {
		now := time.Now().UTC()
		ps.CanceledAt = &now
	}

	rec.CountQuery()
	_, err = h.svc.SyncFromProviderObject(ctx, userID, ps)
	return err
}

// invoiceSettled handles both payment outcomes the same way: re-read the
// canonical subscription from the provider and mirror whatever it says now.
func (h *handlerSet) invoiceSettled(ctx context.Context, rec *StageRecorder, ev *models.WebhookEvent) error {
	var payload invoicePayload
	if err := decodeObject(ev, &payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.Subscription) == "" {
		// One-off invoices carry no subscription; nothing to mirror.
		return nil
	}

	rec.CountAPICall()
	rec.CountQuery()
	_, err := h.svc.RefreshSubscription(ctx, payload.Subscription)
	if err != nil {
		var nfe *billing.NotFoundError
		if errors.As(err, &nfe) {
			// An invoice for a subscription this system never mirrored means
			// the creation event is still in flight; let the retry pick it up.
			return &billing.TransientError{Err: err}
		}
		return err
	}
	return nil
}

func (h *handlerSet) priceChanged(ctx context.Context, rec *StageRecorder, ev *models.WebhookEvent) error {
	var payload pricePayload
	if err := decodeObject(ev, &payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return &billing.ValidationError{Msg: "price event without price id"}
	}

	rec.CountAPICall()
	rec.CountQuery()
	return h.svc.EnsurePriceMirrored(ctx, payload.ID)
}

func (h *handlerSet) productChanged(_ context.Context, rec *StageRecorder, ev *models.WebhookEvent) error {
	var payload productPayload
	if err := decodeObject(ev, &payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return &billing.ValidationError{Msg: "product event without product id"}
	}

	rec.CountQuery()
	return h.repo.UpsertProduct(&models.Product{
		ExternalProductID: payload.ID,
		Name:              payload.Name,
		Description:       payload.Description,
		Active:            payload.Active,
	})
}

// resolveUser maps a provider subscription to a local user: an existing
// mirror row wins, otherwise the user_id the checkout flow stamped into the
// subscription metadata.
func (h *handlerSet) resolveUser(rec *StageRecorder, payload *subscriptionPayload) (uint, error) {
	rec.CountQuery()
	local, err := h.repo.GetSubscriptionByExternalID(payload.ID)
	if err == nil {
		return local.UserID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	if raw, ok := payload.Metadata["user_id"]; ok {
		id, perr := strconv.ParseUint(raw, 10, 64)
		if perr == nil && id > 0 {
			return uint(id), nil
		}
	}
	return 0, &billing.ValidationError{Msg: "subscription " + payload.ID + " has no resolvable user"}
}

func decodeSubscription(ev *models.WebhookEvent) (*subscriptionPayload, error) {
	var payload subscriptionPayload
	if err := decodeObject(ev, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return nil, &billing.ValidationError{Msg: "subscription event without subscription id"}
	}
	return &payload, nil
}

// decodeObject unwraps the stored envelope and decodes data.object into out.
func decodeObject(ev *models.WebhookEvent, out interface{}) error {
	var envelope InboundEvent
	if err := json.Unmarshal([]byte(ev.PayloadJSON), &envelope); err != nil {
		return &billing.ValidationError{Msg: "stored payload is not valid JSON: " + err.Error()}
	}
	var data eventPayload
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return &billing.ValidationError{Msg: "event data is not valid JSON: " + err.Error()}
	}
	if err := json.Unmarshal(data.Object, out); err != nil {
		return &billing.ValidationError{Msg: "event object does not match schema: " + err.Error()}
	}
	return nil
}

func providerSubscriptionFromPayload(p *subscriptionPayload) *billing.ProviderSubscription {
	ps := &billing.ProviderSubscription{
		ExternalSubscriptionID: p.ID,
		ExternalCustomerID:     p.Customer,
		Status:                 p.Status,
		CancelAtPeriodEnd:      p.CancelAtPeriodEnd,
		Quantity:               1,
	}
	if len(p.Items.Data) > 0 {
		item := p.Items.Data[0]
		ps.ItemID = item.ID
		ps.ExternalPriceID = item.Price.ID
		if item.Quantity > 0 {
			ps.Quantity = item.Quantity
		}
	}
	if p.CurrentPeriodStart > 0 {
		t := time.Unix(p.CurrentPeriodStart, 0).UTC()
		ps.CurrentPeriodStart = &t
	}
	if p.CurrentPeriodEnd > 0 {
		t := time.Unix(p.CurrentPeriodEnd, 0).UTC()
		ps.CurrentPeriodEnd = &t
	}
	if p.CanceledAt > 0 {
		t := time.Unix(p.CanceledAt, 0).UTC()
		ps.CanceledAt = &t
	}
	if p.Created > 0 {
		t := time.Unix(p.Created, 0).UTC()
		ps.ProviderCreatedAt = &t
	}
	return ps
}
