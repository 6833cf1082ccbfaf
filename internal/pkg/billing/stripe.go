package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/paymentmethod"
	"github.com/stripe/stripe-go/v76/price"
	"github.com/stripe/stripe-go/v76/subscription"

	"github.com/haruworks/subsync/internal/pkg/env"
)

const (
	prorationAlwaysInvoice = "always_invoice"
	prorationNone          = "none"
)

// StripeProvider implements Provider against the Stripe API.
type StripeProvider struct {
	apiKey string
}

// NewStripeProviderFromEnv builds a Stripe provider from STRIPE_SECRET_KEY.
func NewStripeProviderFromEnv() *StripeProvider {
	key := strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	if key != "" {
		stripe.Key = key
	}
	return &StripeProvider{apiKey: key}
}

func (p *StripeProvider) checkConfigured() error {
	if p.apiKey == "" {
		return &ConfigurationError{Msg: "STRIPE_SECRET_KEY is not configured"}
	}
	return nil
}

func (p *StripeProvider) RetrieveSubscription(ctx context.Context, externalSubscriptionID string) (*ProviderSubscription, error) {
	if err := p.checkConfigured(); err != nil {
		return nil, err
	}
	params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	sub, err := subscription.Get(externalSubscriptionID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return fromStripeSubscription(sub), nil
}

func (p *StripeProvider) UpdateSubscriptionPlan(ctx context.Context, in PlanChangeParams) (*ProviderSubscription, error) {
	if err := p.checkConfigured(); err != nil {
		return nil, err
	}
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(in.ItemID),
				Price: stripe.String(in.NewPriceID),
			},
		},
	}
	if in.AlwaysInvoice {
		params.ProrationBehavior = stripe.String(prorationAlwaysInvoice)
	} else {
		// Downgrades take effect at period end: no proration, anchor untouched.
		params.ProrationBehavior = stripe.String(prorationNone)
		params.BillingCycleAnchorUnchanged = stripe.Bool(true)
	}
	sub, err := subscription.Update(in.ExternalSubscriptionID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return fromStripeSubscription(sub), nil
}

func (p *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string, cancel bool) (*ProviderSubscription, error) {
	if err := p.checkConfigured(); err != nil {
		return nil, err
	}
	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	sub, err := subscription.Update(externalSubscriptionID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return fromStripeSubscription(sub), nil
}

func (p *StripeProvider) CancelSubscriptionNow(ctx context.Context, externalSubscriptionID string) (*ProviderSubscription, error) {
	if err := p.checkConfigured(); err != nil {
		return nil, err
	}
	params := &stripe.SubscriptionCancelParams{Params: stripe.Params{Context: ctx}}
	sub, err := subscription.Cancel(externalSubscriptionID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return fromStripeSubscription(sub), nil
}

func (p *StripeProvider) RetrievePriceWithProduct(ctx context.Context, externalPriceID string) (*ProviderPrice, error) {
	if err := p.checkConfigured(); err != nil {
		return nil, err
	}
	params := &stripe.PriceParams{Params: stripe.Params{Context: ctx}}
	params.AddExpand("product")
	pr, err := price.Get(externalPriceID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return fromStripePrice(pr), nil
}

func (p *StripeProvider) SetDefaultPaymentMethod(ctx context.Context, externalCustomerID, paymentMethodID string) error {
	if err := p.checkConfigured(); err != nil {
		return err
	}
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	if _, err := customer.Update(externalCustomerID, params); err != nil {
		return classifyStripeError(err)
	}
	return nil
}

func (p *StripeProvider) ListPaymentMethods(ctx context.Context, externalCustomerID string) ([]ProviderPaymentMethod, error) {
	if err := p.checkConfigured(); err != nil {
		return nil, err
	}
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(externalCustomerID),
		Type:     stripe.String("card"),
	}
	params.Context = ctx

	var methods []ProviderPaymentMethod
	iter := paymentmethod.List(params)
	for iter.Next() {
		pm := iter.PaymentMethod()
		m := ProviderPaymentMethod{ID: pm.ID}
		if pm.Card != nil {
			m.Brand = string(pm.Card.Brand)
			m.Last4 = pm.Card.Last4
			m.ExpMonth = pm.Card.ExpMonth
			m.ExpYear = pm.Card.ExpYear
		}
		methods = append(methods, m)
	}
	if err := iter.Err(); err != nil {
		return nil, classifyStripeError(err)
	}
	return methods, nil
}

func (p *StripeProvider) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	if err := p.checkConfigured(); err != nil {
		return err
	}
	params := &stripe.PaymentMethodDetachParams{Params: stripe.Params{Context: ctx}}
	if _, err := paymentmethod.Detach(paymentMethodID, params); err != nil {
		return classifyStripeError(err)
	}
	return nil
}

// fromStripeSubscription maps a Stripe subscription object to the
// provider-agnostic shape. The first item carries the price; multi-item
// subscriptions are not used by this system.
func fromStripeSubscription(sub *stripe.Subscription) *ProviderSubscription {
	out := &ProviderSubscription{
		ExternalSubscriptionID: sub.ID,
		Status:                 string(sub.Status),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		Quantity:               1,
	}
	if sub.Customer != nil {
		out.ExternalCustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.ItemID = item.ID
		if item.Price != nil {
			out.ExternalPriceID = item.Price.ID
		}
		if item.Quantity > 0 {
			out.Quantity = item.Quantity
		}
	}
	if sub.CurrentPeriodStart > 0 {
		t := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		out.CurrentPeriodStart = &t
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		out.CurrentPeriodEnd = &t
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		out.CanceledAt = &t
	}
	if sub.Created > 0 {
		t := time.Unix(sub.Created, 0).UTC()
		out.ProviderCreatedAt = &t
	}
	return out
}

func fromStripePrice(pr *stripe.Price) *ProviderPrice {
	out := &ProviderPrice{
		ExternalPriceID: pr.ID,
		UnitAmount:      pr.UnitAmount,
		Currency:        string(pr.Currency),
		Active:          pr.Active,
	}
	if pr.Recurring != nil {
		out.RecurringInterval = string(pr.Recurring.Interval)
	}
	if pr.Product != nil {
		out.ExternalProductID = pr.Product.ID
		out.ProductName = pr.Product.Name
		out.ProductDesc = pr.Product.Description
		out.ProductActive = pr.Product.Active
	}
	return out
}

// classifyStripeError folds Stripe API errors into the local taxonomy:
// 5xx and rate limits retry, everything the provider explicitly rejected
// surfaces verbatim as a ProviderError.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429 {
			return &TransientError{Err: err}
		}
		return &ProviderError{
			Code: string(stripeErr.Code),
			Msg:  stripeErr.Msg,
			Err:  err,
		}
	}
	// Network-level failures (timeouts, connection resets) have no Stripe
	// error envelope.
	return &TransientError{Err: err}
}
