package stripeprovider

import (
	"encoding/json"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"fathom/internal/billing"
	"fathom/internal/services"
)

// ParseWebhook verifies the Stripe-Signature header and normalizes the
// event. The endpoint's API version is pinned in the Stripe dashboard, so
// version mismatches against the client library are not treated as errors.
func (p *Provider) ParseWebhook(payload []byte, header http.Header) (*billing.Event, error) {
	if p.webhookSecret == "" {
		return nil, services.Wrap(services.ErrConfiguration, "stripe", "webhook", "Stripe webhook secret is not configured", nil)
	}
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrUnauthorized, "stripe", "webhook", "Webhook signature verification failed", err)
	}
	return normalizeEvent(&event)
}

// ParseEvent normalizes a payload that was verified when it was first
// received. The webhook ledger recovery sweep uses it because signature
// headers are not retained.
func (p *Provider) ParseEvent(payload []byte) (*billing.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, services.Wrap(services.ErrValidation, "stripe", "webhook", "Event payload is not valid JSON", err)
	}
	return normalizeEvent(&event)
}

func normalizeEvent(event *stripe.Event) (*billing.Event, error) {
	if event.ID == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, services.Wrap(services.ErrValidation, "stripe", "webhook", "Event payload is missing its envelope", nil)
	}
	normalized := &billing.Event{ID: event.ID, Type: billing.EventIgnored}
	switch string(event.Type) {
	case "checkout.session.completed":
		return normalizeCheckoutSession(normalized, event.Data.Raw)
	case "charge.refunded":
		return normalizeCharge(normalized, event.Data.Raw)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		return normalizeSubscription(normalized, string(event.Type), event.Data.Raw)
	case "invoice.paid":
		return normalizeInvoice(normalized, event.Data.Raw)
	default:
		return normalized, nil
	}
}

// objectRef decodes Stripe's expandable fields, which arrive as a bare id
// or as a full object depending on the endpoint's expansion settings.
type objectRef string

func (r *objectRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*r = objectRef(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = objectRef(obj.ID)
	return nil
}

type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	PaymentIntent     objectRef         `json:"payment_intent"`
	Subscription      objectRef         `json:"subscription"`
	Customer          objectRef         `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

func normalizeCheckoutSession(normalized *billing.Event, raw json.RawMessage) (*billing.Event, error) {
	var session checkoutSessionPayload
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, services.Wrap(services.ErrValidation, "stripe", "webhook", "Checkout session payload has an invalid shape", err)
	}
	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["user_id"]
	}
	normalized.Customer = attachedCustomer(userID, string(session.Customer))
	if session.Mode == "subscription" {
		// The subscription lifecycle events carry the grant; the session
		// only contributes the customer mapping.
		if normalized.Customer != nil {
			normalized.Type = billing.EventCustomerUpdated
		}
		return normalized, nil
	}
	if session.PaymentStatus != "" && session.PaymentStatus != "paid" && session.PaymentStatus != "no_payment_required" {
		// Delayed payment methods finish through a later delivery.
		return normalized, nil
	}
	orderID := string(session.PaymentIntent)
	if orderID == "" {
		orderID = session.ID
	}
	if orderID == "" {
		return nil, services.Wrap(services.ErrValidation, "stripe", "webhook", "Checkout session payload is missing its id", nil)
	}
	normalized.Type = billing.EventOrderPaid
	normalized.Order = &billing.OrderEvent{
		ProviderOrderID: orderID,
		UserID:          userID,
		ProductID:       session.Metadata["price_id"],
		AmountCents:     session.AmountTotal,
		Currency:        session.Currency,
	}
	return normalized, nil
}

type chargePayload struct {
	ID             string    `json:"id"`
	PaymentIntent  objectRef `json:"payment_intent"`
	AmountRefunded int64     `json:"amount_refunded"`
}

func normalizeCharge(normalized *billing.Event, raw json.RawMessage) (*billing.Event, error) {
	var charge chargePayload
	if err := json.Unmarshal(raw, &charge); err != nil {
		return nil, services.Wrap(services.ErrValidation, "stripe", "webhook", "Charge payload has an invalid shape", err)
	}
	orderID := string(charge.PaymentIntent)
	if orderID == "" {
		orderID = charge.ID
	}
	if orderID == "" {
		return nil, services.Wrap(services.ErrValidation, "stripe", "webhook", "Charge payload is missing its id", nil)
	}
	normalized.Type = billing.EventOrderRefunded
	normalized.Refund = &billing.RefundEvent{
		ProviderOrderID: orderID,
		// amount_refunded is the running total, which is what the order
		// ledger records.
		RefundedCents: charge.AmountRefunded,
	}
	return normalized, nil
}

type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Customer           objectRef         `json:"customer"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []subscriptionItemPayload `json:"data"`
	} `json:"items"`
}

type subscriptionItemPayload struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Price              struct {
		ID string `json:"id"`
	} `json:"price"`
}

func normalizeSubscription(normalized *billing.Event, eventType string, raw json.RawMessage) (*billing.Event, error) {
	var sub subscriptionPayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, services.Wrap(services.ErrValidation, "stripe", "webhook", "Subscription payload has an invalid shape", err)
	}
	if sub.ID == "" {
		return nil, services.Wrap(services.ErrValidation, "stripe", "webhook", "Subscription payload is missing its id", nil)
	}
	periodStart, periodEnd := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	priceID := ""
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		priceID = item.Price.ID
		// Newer API versions report the billing period per item instead of
		// on the subscription itself.
		if periodStart == 0 && periodEnd == 0 {
			periodStart, periodEnd = item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
	}
	userID := sub.Metadata["user_id"]
	event := &billing.SubscriptionEvent{
		SubscriptionID: sub.ID,
		UserID:         userID,
		ProductID:      priceID,
		Status:         sub.Status,
		PeriodStart:    unixTime(periodStart),
		PeriodEnd:      unixTime(periodEnd),
	}
	kind := billing.EventSubscriptionUpdated
	switch {
	case eventType == "customer.subscription.deleted" || terminalStatus(sub.Status):
		kind = billing.EventSubscriptionCanceled
	case event.PeriodStart != nil && event.PeriodEnd != nil:
		// Every event carrying period bounds is a cycle grant; the
		// entitlement engine absorbs repeats by cycle key. A subscription
		// set to cancel at period end keeps its credit until then.
		kind = billing.EventSubscriptionCycle
	}
	normalized.Type = kind
	normalized.Subscription = event
	normalized.Customer = attachedCustomer(userID, string(sub.Customer))
	return normalized, nil
}

type invoicePayload struct {
	Subscription        objectRef `json:"subscription"`
	Customer            objectRef `json:"customer"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription objectRef         `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []invoiceLinePayload `json:"data"`
	} `json:"lines"`
}

type invoiceLinePayload struct {
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

// normalizeInvoice turns a paid subscription invoice into a cycle grant.
// The invoice shape moved around across Stripe API versions, so both the
// flat and the parent-nested subscription references are read. An invoice
// missing any required piece is dropped rather than failed because the
// subscription lifecycle events carry the same grant.
func normalizeInvoice(normalized *billing.Event, raw json.RawMessage) (*billing.Event, error) {
	var inv invoicePayload
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, services.Wrap(services.ErrValidation, "stripe", "webhook", "Invoice payload has an invalid shape", err)
	}
	subID := string(inv.Subscription)
	var meta map[string]string
	if inv.SubscriptionDetails != nil {
		meta = inv.SubscriptionDetails.Metadata
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if subID == "" {
			subID = string(inv.Parent.SubscriptionDetails.Subscription)
		}
		if len(meta) == 0 {
			meta = inv.Parent.SubscriptionDetails.Metadata
		}
	}
	userID := meta["user_id"]
	var priceID string
	var start, end int64
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		start, end = line.Period.Start, line.Period.End
		if line.Price != nil {
			priceID = line.Price.ID
		}
		if priceID == "" && line.Pricing != nil && line.Pricing.PriceDetails != nil {
			priceID = line.Pricing.PriceDetails.Price
		}
	}
	normalized.Customer = attachedCustomer(userID, string(inv.Customer))
	if subID == "" || userID == "" || start == 0 || end == 0 {
		return normalized, nil
	}
	normalized.Type = billing.EventSubscriptionCycle
	normalized.Subscription = &billing.SubscriptionEvent{
		SubscriptionID: subID,
		UserID:         userID,
		ProductID:      priceID,
		Status:         "active",
		PeriodStart:    unixTime(start),
		PeriodEnd:      unixTime(end),
	}
	return normalized, nil
}

// terminalStatus reports whether a subscription no longer entitles the
// account to its credit.
func terminalStatus(status string) bool {
	switch status {
	case "canceled", "incomplete_expired", "unpaid":
		return true
	default:
		return false
	}
}

func unixTime(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// attachedCustomer maps the Stripe customer id carried on session,
// subscription and invoice payloads. Both halves are required for the
// mapping to be worth recording.
func attachedCustomer(userID, customerID string) *billing.CustomerEvent {
	if userID == "" || customerID == "" {
		return nil
	}
	return &billing.CustomerEvent{UserID: userID, CustomerID: customerID}
}
