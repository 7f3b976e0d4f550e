package billing

import (
	"context"
	"net/http"
	"time"

	"fathom/internal/store"
)

// EventType classifies a webhook delivery independently of the provider.
// Adapters normalize their native event names onto these and the service
// dispatches on them alone.
type EventType string

const (
	EventOrderPaid            EventType = "order.paid"
	EventOrderRefunded        EventType = "order.refunded"
	EventSubscriptionCycle    EventType = "subscription.cycle"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventCustomerUpdated      EventType = "customer.updated"
	EventIgnored              EventType = "ignored"
)

// Event is a normalized webhook event. Only the section matching the type
// is populated.
type Event struct {
	ID           string
	Type         EventType
	Order        *OrderEvent
	Refund       *RefundEvent
	Subscription *SubscriptionEvent
	Customer     *CustomerEvent
}

// OrderEvent reports a completed purchase.
type OrderEvent struct {
	ProviderOrderID string
	UserID          string
	ProductID       string
	AmountCents     int64
	Currency        string
}

// RefundEvent reports a confirmed refund on an earlier order.
type RefundEvent struct {
	ProviderOrderID string
	RefundedCents   int64
	Reason          string
}

// SubscriptionEvent reports a subscription lifecycle change.
type SubscriptionEvent struct {
	SubscriptionID string
	UserID         string
	ProductID      string
	Status         string
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
}

// CustomerEvent reports a provider-side customer change.
type CustomerEvent struct {
	UserID     string
	CustomerID string
	Email      string
}

// CheckoutParams describe the purchase a checkout session is opened for.
// The provider adapter embeds UserID in the session so later webhook events
// map back to the account.
type CheckoutParams struct {
	UserID     string
	Plan       *store.Plan
	SuccessURL string
}

// CheckoutSession is the provider-hosted payment page.
type CheckoutSession struct {
	ID  string
	URL string
}

// PortalParams identify the customer for a self-service session.
type PortalParams struct {
	UserID      string
	CustomerRef string
	ReturnURL   string
}

// PortalSession is the provider-hosted management page.
type PortalSession struct {
	URL string
}

// RefundParams describe a partial or full refund request.
type RefundParams struct {
	ProviderOrderID string
	AmountCents     int64
	Reason          string
}

// Provider is the narrow payment-provider surface the service depends on.
//
// ParseWebhook verifies the delivery signature and normalizes the payload;
// ParseEvent normalizes an already-verified payload, which the ledger
// recovery sweep uses because signature headers are not retained.
type Provider interface {
	Name() string
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params PortalParams) (*PortalSession, error)
	CreateRefund(ctx context.Context, params RefundParams) error
	ParseWebhook(payload []byte, header http.Header) (*Event, error)
	ParseEvent(payload []byte) (*Event, error)
}
