package stripeprovider

import (
	"context"
	"errors"
	"net/http"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"fathom/internal/billing"
	"fathom/internal/config"
	"fathom/internal/services"
	"fathom/internal/store"
)

// Provider implements billing.Provider on the Stripe API.
type Provider struct {
	api             *client.API
	accessToken     string
	webhookSecret   string
	successURL      string
	portalReturnURL string
}

// Option adjusts the provider, mostly for tests.
type Option func(*Provider)

// WithBackends points the Stripe client at alternate backends.
func WithBackends(backends *stripe.Backends) Option {
	return func(p *Provider) {
		p.api = client.New(p.accessToken, backends)
	}
}

// New builds a Stripe provider from the billing configuration. The access
// token is the account's secret key and the webhook secret is the signing
// secret of the configured endpoint.
func New(cfg *config.Config, opts ...Option) *Provider {
	p := &Provider{
		accessToken:     cfg.Billing.AccessToken,
		webhookSecret:   cfg.Billing.WebhookSecret,
		successURL:      cfg.Billing.SuccessURL,
		portalReturnURL: cfg.Billing.PortalReturnURL,
	}
	p.api = client.New(p.accessToken, nil)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string {
	return "stripe"
}

// CreateCheckoutSession opens a hosted payment page for the plan. Packs
// check out in payment mode and subscriptions in subscription mode, with
// the account id planted in the session metadata and on the object the
// session creates so webhook events map back without an external id.
func (p *Provider) CreateCheckoutSession(ctx context.Context, params billing.CheckoutParams) (*billing.CheckoutSession, error) {
	if p.accessToken == "" {
		return nil, services.Wrap(services.ErrConfiguration, "stripe", "checkout", "Stripe secret key is not configured", nil)
	}
	if params.Plan == nil || params.Plan.ProviderProductID == "" {
		return nil, services.Wrap(services.ErrConfiguration, "stripe", "checkout", "Plan has no Stripe price configured", nil)
	}
	successURL := params.SuccessURL
	if successURL == "" {
		successURL = p.successURL
	}
	if successURL == "" {
		return nil, services.Wrap(services.ErrConfiguration, "stripe", "checkout", "No success URL is configured for checkout", nil)
	}

	mode := stripe.CheckoutSessionModePayment
	if params.Plan.Kind == store.PlanSubscription {
		mode = stripe.CheckoutSessionModeSubscription
	}
	sessionParams := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(mode)),
		SuccessURL:        stripe.String(successURL),
		ClientReferenceID: stripe.String(params.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(params.Plan.ProviderProductID),
			Quantity: stripe.Int64(1),
		}},
	}
	sessionParams.Context = ctx
	meta := map[string]string{
		"user_id":   params.UserID,
		"plan_code": params.Plan.Code,
		"price_id":  params.Plan.ProviderProductID,
	}
	for key, value := range meta {
		sessionParams.AddMetadata(key, value)
	}
	if mode == stripe.CheckoutSessionModeSubscription {
		sessionParams.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: meta}
	} else {
		sessionParams.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: meta}
	}

	session, err := p.api.CheckoutSessions.New(sessionParams)
	if err != nil {
		return nil, wrapStripeErr("checkout", "Stripe checkout session could not be created", err)
	}
	if session.URL == "" {
		return nil, services.Wrap(services.ErrTransient, "stripe", "checkout", "Stripe returned a session without a payment URL", nil)
	}
	return &billing.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession opens the Stripe billing portal. The customer ref is
// the Stripe customer id recorded from earlier webhook events.
func (p *Provider) CreatePortalSession(ctx context.Context, params billing.PortalParams) (*billing.PortalSession, error) {
	if p.accessToken == "" {
		return nil, services.Wrap(services.ErrConfiguration, "stripe", "portal", "Stripe secret key is not configured", nil)
	}
	if params.CustomerRef == "" {
		return nil, services.Wrap(services.ErrValidation, "stripe", "portal", "No billing profile exists for this account yet", nil)
	}
	portalParams := &stripe.BillingPortalSessionParams{
		Customer: stripe.String(params.CustomerRef),
	}
	portalParams.Context = ctx
	returnURL := params.ReturnURL
	if returnURL == "" {
		returnURL = p.portalReturnURL
	}
	if returnURL != "" {
		portalParams.ReturnURL = stripe.String(returnURL)
	}

	session, err := p.api.BillingPortalSessions.New(portalParams)
	if err != nil {
		return nil, wrapStripeErr("portal", "Stripe portal session could not be created", err)
	}
	return &billing.PortalSession{URL: session.URL}, nil
}

// CreateRefund issues a partial refund against the payment intent recorded
// as the order reference. A charge that Stripe reports as already refunded
// maps to a conflict so redelivered requests settle quietly.
func (p *Provider) CreateRefund(ctx context.Context, params billing.RefundParams) error {
	if p.accessToken == "" {
		return services.Wrap(services.ErrConfiguration, "stripe", "refund", "Stripe secret key is not configured", nil)
	}
	if params.ProviderOrderID == "" {
		return services.Wrap(services.ErrValidation, "stripe", "refund", "Refund request carries no order reference", nil)
	}
	if params.AmountCents <= 0 {
		return services.Wrap(services.ErrValidation, "stripe", "refund", "Refund amount must be positive", nil)
	}
	refundParams := &stripe.RefundParams{
		Amount: stripe.Int64(params.AmountCents),
		Reason: stripe.String(refundReason(params.Reason)),
	}
	refundParams.Context = ctx
	if strings.HasPrefix(params.ProviderOrderID, "ch_") || strings.HasPrefix(params.ProviderOrderID, "py_") {
		refundParams.Charge = stripe.String(params.ProviderOrderID)
	} else {
		refundParams.PaymentIntent = stripe.String(params.ProviderOrderID)
	}

	if _, err := p.api.Refunds.New(refundParams); err != nil {
		return wrapStripeErr("refund", "Stripe refund could not be created", err)
	}
	return nil
}

// refundReason maps the service's reason onto Stripe's closed enum.
func refundReason(reason string) string {
	switch reason {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	default:
		return string(stripe.RefundReasonRequestedByCustomer)
	}
}

func wrapStripeErr(operation, message string, err error) error {
	marker := services.ErrTransient
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded:
			marker = services.ErrConflict
		case stripeErr.HTTPStatusCode == http.StatusConflict:
			marker = services.ErrConflict
		case stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.HTTPStatusCode == http.StatusForbidden:
			marker = services.ErrUnauthorized
		case stripeErr.Type == stripe.ErrorTypeInvalidRequest:
			marker = services.ErrValidation
		}
	}
	return services.Wrap(marker, "stripe", operation, message, err)
}
