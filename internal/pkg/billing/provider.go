package billing

import "context"

// Provider is the outbound billing provider surface this core orchestrates.
// The provider is treated as an opaque authority: every mutation returns the
// canonical object the provider now holds, and local state is derived from
// that return value only.
type Provider interface {
	RetrieveSubscription(ctx context.Context, externalSubscriptionID string) (*ProviderSubscription, error)
	UpdateSubscriptionPlan(ctx context.Context, params PlanChangeParams) (*ProviderSubscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string, cancel bool) (*ProviderSubscription, error)
	CancelSubscriptionNow(ctx context.Context, externalSubscriptionID string) (*ProviderSubscription, error)
	RetrievePriceWithProduct(ctx context.Context, externalPriceID string) (*ProviderPrice, error)
	SetDefaultPaymentMethod(ctx context.Context, externalCustomerID, paymentMethodID string) error
	ListPaymentMethods(ctx context.Context, externalCustomerID string) ([]ProviderPaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error
}
