package polar

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fathom/internal/billing"
	"fathom/internal/services"
)

// webhookTolerance bounds the accepted skew between the delivery timestamp
// header and local time.
const webhookTolerance = 5 * time.Minute

// ParseWebhook verifies a delivery per the standard-webhooks scheme and
// normalizes the payload. The webhook-id header wins over the envelope id
// because it is stable across provider redeliveries.
func (p *Provider) ParseWebhook(payload []byte, header http.Header) (*billing.Event, error) {
	webhookID := strings.TrimSpace(header.Get("webhook-id"))
	timestamp := strings.TrimSpace(header.Get("webhook-timestamp"))
	signature := strings.TrimSpace(header.Get("webhook-signature"))
	if webhookID == "" || timestamp == "" || signature == "" {
		return nil, services.Wrap(services.ErrUnauthorized, "polar", "webhook", "Missing required webhook headers", nil)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, services.Wrap(services.ErrUnauthorized, "polar", "webhook", "Invalid webhook timestamp", err)
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > webhookTolerance {
		return nil, services.Wrap(services.ErrUnauthorized, "polar", "webhook", "Webhook timestamp outside allowed tolerance", nil)
	}

	secret, err := decodeWebhookSecret(p.webhookSecret)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(webhookID))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	if !anySignatureMatches(signature, mac.Sum(nil)) {
		return nil, services.Wrap(services.ErrUnauthorized, "polar", "webhook", "Webhook signature verification failed", nil)
	}

	event, err := p.ParseEvent(payload)
	if err != nil {
		return nil, err
	}
	event.ID = webhookID
	return event, nil
}

// ParseEvent normalizes a payload without signature verification. The
// webhook ledger recovery sweep uses it because headers are not retained.
func (p *Provider) ParseEvent(payload []byte) (*billing.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, services.Wrap(services.ErrValidation, "polar", "webhook", "Webhook payload is not valid JSON", err)
	}
	if env.Type == "" || len(env.Data) == 0 {
		return nil, services.Wrap(services.ErrValidation, "polar", "webhook", "Webhook payload has no event type or data", nil)
	}

	event := &billing.Event{ID: env.ID, Type: billing.EventIgnored}
	switch {
	case env.Type == "order.paid":
		order, customer, err := normalizeOrder(env.Data)
		if err != nil {
			return nil, err
		}
		event.Type = billing.EventOrderPaid
		event.Order = order
		event.Customer = customer
	case env.Type == "order.refunded":
		refund, err := normalizeRefund(env.Data)
		if err != nil {
			return nil, err
		}
		event.Type = billing.EventOrderRefunded
		event.Refund = refund
	case strings.HasPrefix(env.Type, "subscription."):
		sub, customer, kind, err := normalizeSubscription(env.Type, env.Data)
		if err != nil {
			return nil, err
		}
		event.Type = kind
		event.Subscription = sub
		event.Customer = customer
	case env.Type == "customer.created" || env.Type == "customer.updated" || env.Type == "customer.state_changed":
		customer, err := normalizeCustomer(env.Data)
		if err != nil {
			return nil, err
		}
		event.Type = billing.EventCustomerUpdated
		event.Customer = customer
	}
	return event, nil
}

func decodeWebhookSecret(secret string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(secret), "whsec_")
	if trimmed == "" {
		return nil, services.Wrap(services.ErrConfiguration, "polar", "webhook", "No webhook secret configured", nil)
	}
	if rem := len(trimmed) % 4; rem != 0 {
		trimmed += strings.Repeat("=", 4-rem)
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(trimmed)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "polar", "webhook", "Webhook secret is not valid base64", err)
	}
	return decoded, nil
}

// anySignatureMatches checks the space-separated signature header, where
// each entry is "v1,<base64 hmac>". Secret rotation sends several.
func anySignatureMatches(header string, expected []byte) bool {
	for _, token := range strings.Fields(header) {
		version, value, found := strings.Cut(token, ",")
		if !found || version != "v1" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}

type envelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type productPayload struct {
	ID string `json:"id"`
}

type customerPayload struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
}

type orderPayload struct {
	ID                 string           `json:"id"`
	CustomerID         string           `json:"customer_id"`
	CustomerExternalID string           `json:"customer_external_id"`
	Customer           *customerPayload `json:"customer"`
	Metadata           map[string]any   `json:"metadata"`
	ProductID          string           `json:"product_id"`
	Product            *productPayload  `json:"product"`
	TotalAmount        *int64           `json:"total_amount"`
	NetAmount          *int64           `json:"net_amount"`
	Amount             *int64           `json:"amount"`
	Currency           string           `json:"currency"`
}

type refundPayload struct {
	ID                  string        `json:"id"`
	OrderID             string        `json:"order_id"`
	Order               *orderPayload `json:"order"`
	RefundedAmount      *int64        `json:"refunded_amount"`
	TotalRefundedAmount *int64        `json:"total_refunded_amount"`
	RefundAmount        *int64        `json:"refund_amount"`
	Amount              *int64        `json:"amount"`
	Reason              string        `json:"reason"`
}

type subscriptionPayload struct {
	ID                 string           `json:"id"`
	SubscriptionID     string           `json:"subscription_id"`
	CustomerID         string           `json:"customer_id"`
	CustomerExternalID string           `json:"customer_external_id"`
	Customer           *customerPayload `json:"customer"`
	Metadata           map[string]any   `json:"metadata"`
	ProductID          string           `json:"product_id"`
	Product            *productPayload  `json:"product"`
	Status             string           `json:"status"`
	CurrentPeriodStart string           `json:"current_period_start"`
	CurrentPeriodEnd   string           `json:"current_period_end"`
}

func normalizeOrder(data json.RawMessage) (*billing.OrderEvent, *billing.CustomerEvent, error) {
	var order orderPayload
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, nil, services.Wrap(services.ErrValidation, "polar", "webhook", "Order payload has an invalid shape", err)
	}
	if order.ID == "" {
		return nil, nil, services.Wrap(services.ErrValidation, "polar", "webhook", "Order payload is missing its id", nil)
	}
	userID := order.CustomerExternalID
	if userID == "" && order.Customer != nil {
		userID = order.Customer.ExternalID
	}
	if userID == "" {
		userID = metadataString(order.Metadata, "user_id")
	}
	productID := order.ProductID
	if productID == "" && order.Product != nil {
		productID = order.Product.ID
	}
	normalized := &billing.OrderEvent{
		ProviderOrderID: order.ID,
		UserID:          userID,
		ProductID:       productID,
		AmountCents:     firstAmount(order.TotalAmount, order.NetAmount, order.Amount),
		Currency:        order.Currency,
	}
	customerID := order.CustomerID
	if customerID == "" && order.Customer != nil {
		customerID = order.Customer.ID
	}
	return normalized, attachedCustomer(userID, customerID), nil
}

func normalizeRefund(data json.RawMessage) (*billing.RefundEvent, error) {
	var refund refundPayload
	if err := json.Unmarshal(data, &refund); err != nil {
		return nil, services.Wrap(services.ErrValidation, "polar", "webhook", "Refund payload has an invalid shape", err)
	}
	orderID := refund.OrderID
	if orderID == "" && refund.Order != nil {
		orderID = refund.Order.ID
	}
	if orderID == "" {
		orderID = refund.ID
	}
	if orderID == "" {
		return nil, services.Wrap(services.ErrValidation, "polar", "webhook", "Refund payload is missing an order id", nil)
	}
	return &billing.RefundEvent{
		ProviderOrderID: orderID,
		RefundedCents:   firstAmount(refund.RefundedAmount, refund.TotalRefundedAmount, refund.RefundAmount, refund.Amount),
		Reason:          refund.Reason,
	}, nil
}

func normalizeSubscription(eventType string, data json.RawMessage) (*billing.SubscriptionEvent, *billing.CustomerEvent, billing.EventType, error) {
	var sub subscriptionPayload
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, nil, "", services.Wrap(services.ErrValidation, "polar", "webhook", "Subscription payload has an invalid shape", err)
	}
	subID := sub.ID
	if subID == "" {
		subID = sub.SubscriptionID
	}
	userID := sub.CustomerExternalID
	if userID == "" && sub.Customer != nil {
		userID = sub.Customer.ExternalID
	}
	if userID == "" {
		userID = metadataString(sub.Metadata, "user_id")
	}
	productID := sub.ProductID
	if productID == "" && sub.Product != nil {
		productID = sub.Product.ID
	}
	event := &billing.SubscriptionEvent{
		SubscriptionID: subID,
		UserID:         userID,
		ProductID:      productID,
		Status:         sub.Status,
		PeriodStart:    parseTimestamp(sub.CurrentPeriodStart),
		PeriodEnd:      parseTimestamp(sub.CurrentPeriodEnd),
	}
	kind := billing.EventSubscriptionUpdated
	switch {
	case eventType == "subscription.revoked" || terminalStatus(sub.Status):
		kind = billing.EventSubscriptionCanceled
	case event.PeriodStart != nil && event.PeriodEnd != nil:
		// Every event carrying period bounds is a cycle grant; the
		// entitlement engine absorbs repeats by cycle key. A scheduled
		// cancellation keeps its credit until the period ends.
		kind = billing.EventSubscriptionCycle
	}
	customerID := sub.CustomerID
	if customerID == "" && sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	return event, attachedCustomer(userID, customerID), kind, nil
}

// attachedCustomer maps the provider customer id carried on order and
// subscription payloads. Both halves are required for the mapping to be
// worth recording.
func attachedCustomer(userID, customerID string) *billing.CustomerEvent {
	if userID == "" || customerID == "" {
		return nil
	}
	return &billing.CustomerEvent{UserID: userID, CustomerID: customerID}
}

func normalizeCustomer(data json.RawMessage) (*billing.CustomerEvent, error) {
	var customer customerPayload
	if err := json.Unmarshal(data, &customer); err != nil {
		return nil, services.Wrap(services.ErrValidation, "polar", "webhook", "Customer payload has an invalid shape", err)
	}
	return &billing.CustomerEvent{
		UserID:     customer.ExternalID,
		CustomerID: customer.ID,
		Email:      customer.Email,
	}, nil
}

func terminalStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "revoked", "ended", "inactive":
		return true
	}
	return false
}

func parseTimestamp(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	parsed = parsed.UTC()
	return &parsed
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if value, ok := metadata[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func firstAmount(candidates ...*int64) int64 {
	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		if *candidate < 0 {
			return 0
		}
		return *candidate
	}
	return 0
}
