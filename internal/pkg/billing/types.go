package billing

import "time"

// ProviderSubscription is the provider-agnostic shape of a subscription
// object as returned by the provider. Local rows are always derived from one
// of these, never asserted independently.
type ProviderSubscription struct {
	ExternalSubscriptionID string
	ExternalCustomerID     string
	ExternalPriceID        string
	ItemID                 string
	Status                 string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	Quantity               int64
	ProviderCreatedAt      *time.Time
}

// ProviderPrice is a provider price plus its expanded product.
type ProviderPrice struct {
	ExternalPriceID   string
	ExternalProductID string
	UnitAmount        int64
	Currency          string
	RecurringInterval string
	Active            bool
	ProductName       string
	ProductDesc       string
	ProductActive     bool
}

// ProviderPaymentMethod is the subset of a stored payment method this core
// exposes to callers.
type ProviderPaymentMethod struct {
	ID       string
	Brand    string
	Last4    string
	ExpMonth int64
	ExpYear  int64
}

// PlanChangeParams controls how a plan change is applied at the provider.
type PlanChangeParams struct {
	ExternalSubscriptionID string
	ItemID                 string
	NewPriceID             string
	// AlwaysInvoice prorates and invoices immediately (upgrade). When false the
	// change carries no proration and keeps the billing cycle anchor unchanged
	// (downgrade, effective at period end).
	AlwaysInvoice bool
}
