package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/haruworks/subsync/app/models"
)

// Service synchronizes local subscription state with the billing provider.
// Every mutation is provider-first: the provider call happens before any
// local write, and the local row is derived from the provider's returned
// canonical object.
type Service struct {
	repo     Repository
	provider Provider
	locks    *keyLock
}

// NewService creates a billing service from an injected repository and
// provider client.
func NewService(repo Repository, provider Provider) *Service {
	return &Service{repo: repo, provider: provider, locks: newKeyLock()}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, provider Provider) *Service {
	return NewService(NewRepository(db), provider)
}

// ChangePlan moves the user's current subscription to newPriceID. Upgrades
// prorate and invoice immediately; downgrades carry no proration and take
// effect at the period end.
func (s *Service) ChangePlan(ctx context.Context, userID uint, newPriceID string, isUpgrade bool) (*models.Subscription, error) {
	newPriceID = strings.TrimSpace(newPriceID)
	if userID == 0 || newPriceID == "" {
		return nil, &ValidationError{Msg: "user_id and new_price_id are required"}
	}

	current, err := s.currentSubscription(userID)
	if err != nil {
		return nil, err
	}

	s.locks.Lock(current.ExternalSubscriptionID)
	defer s.locks.Unlock(current.ExternalSubscriptionID)

	// Re-read under the lock; a concurrent event may have moved the record.
	current, err = s.currentSubscription(userID)
	if err != nil {
		return nil, err
	}
	oldPriceID := current.ExternalPriceID

	remote, err := s.provider.RetrieveSubscription(ctx, current.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}

	updated, err := s.provider.UpdateSubscriptionPlan(ctx, PlanChangeParams{
		ExternalSubscriptionID: current.ExternalSubscriptionID,
		ItemID:                 remote.ItemID,
		NewPriceID:             newPriceID,
		AlwaysInvoice:          isUpgrade,
	})
	if err != nil {
		return nil, err
	}

	changeType := models.ChangeTypeDowngrade
	effective := time.Now()
	if isUpgrade {
		changeType = models.ChangeTypeUpgrade
	} else if updated.CurrentPeriodEnd != nil {
		effective = *updated.CurrentPeriodEnd
	}

	sub := subscriptionFromProvider(userID, updated)
	audit := &models.SubscriptionChangeAudit{
		UserID:        userID,
		OldPriceID:    oldPriceID,
		NewPriceID:    newPriceID,
		ChangeType:    changeType,
		EffectiveDate: effective,
	}
	if err := s.repo.SaveSubscriptionWithAudit(sub, audit); err != nil {
		return nil, s.reconciliationFailure("ChangePlan", current.ExternalSubscriptionID, err)
	}

	if err := s.EnsurePriceMirrored(ctx, newPriceID); err != nil {
		log.Warnf("[Billing] Could not backfill price %s after plan change: %v", newPriceID, err)
	}

	log.Infof("[Billing] Plan change user=%d %s -> %s (%s)", userID, oldPriceID, newPriceID, changeType)
	return sub, nil
}

// CancelSubscription cancels the user's current subscription, either at the
// period end or immediately.
func (s *Service) CancelSubscription(ctx context.Context, userID uint, atPeriodEnd bool) (*models.Subscription, error) {
	if userID == 0 {
		return nil, &ValidationError{Msg: "user_id is required"}
	}

	current, err := s.currentSubscription(userID)
	if err != nil {
		return nil, err
	}

	s.locks.Lock(current.ExternalSubscriptionID)
	defer s.locks.Unlock(current.ExternalSubscriptionID)

	current, err = s.currentSubscription(userID)
	if err != nil {
		return nil, err
	}

	var updated *ProviderSubscription
	if atPeriodEnd {
		updated, err = s.provider.SetCancelAtPeriodEnd(ctx, current.ExternalSubscriptionID, true)
	} else {
		updated, err = s.provider.CancelSubscriptionNow(ctx, current.ExternalSubscriptionID)
	}
	if err != nil {
		return nil, err
	}

	effective := time.Now()
	if atPeriodEnd && updated.CurrentPeriodEnd != nil {
		effective = *updated.CurrentPeriodEnd
	}

	sub := subscriptionFromProvider(userID, updated)
	audit := &models.SubscriptionChangeAudit{
		UserID:        userID,
		OldPriceID:    current.ExternalPriceID,
		NewPriceID:    current.ExternalPriceID,
		ChangeType:    models.ChangeTypeCancellation,
		EffectiveDate: effective,
	}
	if err := s.repo.SaveSubscriptionWithAudit(sub, audit); err != nil {
		return nil, s.reconciliationFailure("CancelSubscription", current.ExternalSubscriptionID, err)
	}

	log.Infof("[Billing] Cancellation user=%d sub=%s at_period_end=%t", userID, sub.ExternalSubscriptionID, atPeriodEnd)
	return sub, nil
}

// ReactivateSubscription clears a pending cancel-at-period-end on the user's
// current subscription.
func (s *Service) ReactivateSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	if userID == 0 {
		return nil, &ValidationError{Msg: "user_id is required"}
	}

	current, err := s.currentSubscription(userID)
	if err != nil {
		return nil, err
	}

	s.locks.Lock(current.ExternalSubscriptionID)
	defer s.locks.Unlock(current.ExternalSubscriptionID)

	current, err = s.currentSubscription(userID)
	if err != nil {
		return nil, err
	}

	updated, err := s.provider.SetCancelAtPeriodEnd(ctx, current.ExternalSubscriptionID, false)
	if err != nil {
		return nil, err
	}

	sub := subscriptionFromProvider(userID, updated)
	audit := &models.SubscriptionChangeAudit{
		UserID:        userID,
		OldPriceID:    current.ExternalPriceID,
		NewPriceID:    current.ExternalPriceID,
		ChangeType:    models.ChangeTypeReactivation,
		EffectiveDate: time.Now(),
	}
	if err := s.repo.SaveSubscriptionWithAudit(sub, audit); err != nil {
		return nil, s.reconciliationFailure("ReactivateSubscription", current.ExternalSubscriptionID, err)
	}

	log.Infof("[Billing] Reactivation user=%d sub=%s", userID, sub.ExternalSubscriptionID)
	return sub, nil
}

// GetSubscription returns the user's current subscription. A missing local
// price row is backfilled synchronously from the provider instead of failing
// the read.
func (s *Service) GetSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, err := s.currentSubscription(userID)
	if err != nil {
		return nil, err
	}

	if sub.ExternalPriceID != "" {
		if _, err := s.repo.GetPriceByExternalID(sub.ExternalPriceID); errors.Is(err, gorm.ErrRecordNotFound) {
			if berr := s.EnsurePriceMirrored(ctx, sub.ExternalPriceID); berr != nil {
				log.Warnf("[Billing] Price backfill failed for %s: %v", sub.ExternalPriceID, berr)
			}
		}
	}
	return sub, nil
}

// SyncFromProviderObject upserts the local mirror from a provider
// subscription object. Used by webhook handlers; repeated calls with the same
// object converge on the same row.
func (s *Service) SyncFromProviderObject(ctx context.Context, userID uint, ps *ProviderSubscription) (*models.Subscription, error) {
	if ps == nil || strings.TrimSpace(ps.ExternalSubscriptionID) == "" {
		return nil, &ValidationError{Msg: "provider subscription with external id is required"}
	}

	s.locks.Lock(ps.ExternalSubscriptionID)
	defer s.locks.Unlock(ps.ExternalSubscriptionID)

	sub := subscriptionFromProvider(userID, ps)
	if err := s.repo.UpsertSubscription(sub); err != nil {
		return nil, err
	}

	if ps.ExternalPriceID != "" {
		if _, err := s.repo.GetPriceByExternalID(ps.ExternalPriceID); errors.Is(err, gorm.ErrRecordNotFound) {
			if berr := s.EnsurePriceMirrored(ctx, ps.ExternalPriceID); berr != nil {
				log.Warnf("[Billing] Price backfill failed for %s: %v", ps.ExternalPriceID, berr)
			}
		}
	}
	return sub, nil
}

// RefreshSubscription re-reads a known subscription from the provider and
// upserts the local mirror from the canonical object.
func (s *Service) RefreshSubscription(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error) {
	local, err := s.repo.GetSubscriptionByExternalID(externalSubscriptionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Resource: "subscription", Key: externalSubscriptionID}
	}
	if err != nil {
		return nil, err
	}

	remote, err := s.provider.RetrieveSubscription(ctx, externalSubscriptionID)
	if err != nil {
		return nil, err
	}
	return s.SyncFromProviderObject(ctx, local.UserID, remote)
}

// EnsurePriceMirrored fetches a price (with its product expanded) from the
// provider and upserts both mirrors.
func (s *Service) EnsurePriceMirrored(ctx context.Context, externalPriceID string) error {
	externalPriceID = strings.TrimSpace(externalPriceID)
	if externalPriceID == "" {
		return &ValidationError{Msg: "external_price_id is required"}
	}

	pp, err := s.provider.RetrievePriceWithProduct(ctx, externalPriceID)
	if err != nil {
		return err
	}

	if pp.ExternalProductID != "" {
		if err := s.repo.UpsertProduct(&models.Product{
			ExternalProductID: pp.ExternalProductID,
			Name:              pp.ProductName,
			Description:       pp.ProductDesc,
			Active:            pp.ProductActive,
		}); err != nil {
			return fmt.Errorf("upsert product %s: %w", pp.ExternalProductID, err)
		}
	}

	if err := s.repo.UpsertPrice(&models.Price{
		ExternalPriceID:   pp.ExternalPriceID,
		ExternalProductID: pp.ExternalProductID,
		UnitAmount:        pp.UnitAmount,
		Currency:          pp.Currency,
		RecurringInterval: pp.RecurringInterval,
		Active:            pp.Active,
	}); err != nil {
		return fmt.Errorf("upsert price %s: %w", pp.ExternalPriceID, err)
	}
	return nil
}

// UpdateDefaultPaymentMethod sets the customer's default payment method at
// the provider. No local state is kept for payment methods.
func (s *Service) UpdateDefaultPaymentMethod(ctx context.Context, userID uint, paymentMethodID string) error {
	if userID == 0 || strings.TrimSpace(paymentMethodID) == "" {
		return &ValidationError{Msg: "user_id and payment_method_id are required"}
	}
	sub, err := s.currentSubscription(userID)
	if err != nil {
		return err
	}
	return s.provider.SetDefaultPaymentMethod(ctx, sub.ExternalCustomerID, paymentMethodID)
}

// ListPaymentMethods returns the provider's stored payment methods for the
// user's billing customer.
func (s *Service) ListPaymentMethods(ctx context.Context, userID uint) ([]ProviderPaymentMethod, error) {
	sub, err := s.currentSubscription(userID)
	if err != nil {
		return nil, err
	}
	return s.provider.ListPaymentMethods(ctx, sub.ExternalCustomerID)
}

// RemovePaymentMethod detaches a stored payment method at the provider.
func (s *Service) RemovePaymentMethod(ctx context.Context, paymentMethodID string) error {
	if strings.TrimSpace(paymentMethodID) == "" {
		return &ValidationError{Msg: "payment_method_id is required"}
	}
	return s.provider.DetachPaymentMethod(ctx, paymentMethodID)
}

// TierForUser derives the user's subscription tier for gating decisions.
// Missing or errored lookups count as free.
func (s *Service) TierForUser(userID uint) Tier {
	if userID == 0 {
		return TierFree
	}
	sub, err := s.repo.GetCurrentSubscription(userID)
	if err != nil {
		return TierFree
	}
	return TierForPriceID(sub.ExternalPriceID)
}

// ListAudits returns the append-only change history for a user.
func (s *Service) ListAudits(userID uint) ([]models.SubscriptionChangeAudit, error) {
	return s.repo.ListAuditsByUser(userID)
}

func (s *Service) currentSubscription(userID uint) (*models.Subscription, error) {
	sub, err := s.repo.GetCurrentSubscription(userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Resource: "subscription", Key: "user:" + strconv.FormatUint(uint64(userID), 10)}
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) reconciliationFailure(op, externalSubscriptionID string, err error) error {
	rerr := &ReconciliationError{Op: op, ExternalSubscriptionID: externalSubscriptionID, Err: err}
	log.Errorf("[Billing] RECONCILE %v", rerr)
	return rerr
}

func subscriptionFromProvider(userID uint, ps *ProviderSubscription) *models.Subscription {
	return &models.Subscription{
		UserID:                 userID,
		ExternalSubscriptionID: ps.ExternalSubscriptionID,
		ExternalCustomerID:     ps.ExternalCustomerID,
		ExternalPriceID:        ps.ExternalPriceID,
		Status:                 ps.Status,
		CurrentPeriodStart:     ps.CurrentPeriodStart,
		CurrentPeriodEnd:       ps.CurrentPeriodEnd,
		CancelAtPeriodEnd:      ps.CancelAtPeriodEnd,
		CanceledAt:             ps.CanceledAt,
		Quantity:               ps.Quantity,
		ProviderCreatedAt:      ps.ProviderCreatedAt,
	}
}
