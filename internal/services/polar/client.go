package polar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fathom/internal/billing"
	"fathom/internal/config"
	"fathom/internal/services"
)

const (
	sandboxBaseURL     = "https://sandbox-api.polar.sh"
	productionBaseURL  = "https://api.polar.sh"
	defaultHTTPTimeout = 30 * time.Second
)

// Provider talks to the Polar API and verifies its webhook deliveries.
type Provider struct {
	accessToken     string
	webhookSecret   string
	baseURL         string
	successURL      string
	portalReturnURL string
	httpClient      *http.Client
}

// Option customizes the Polar provider.
type Option func(*Provider)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithBaseURL overrides the resolved API base (useful for tests/mocks).
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		base = strings.TrimSpace(base)
		if base != "" {
			p.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// New constructs a Polar provider from the billing configuration.
func New(cfg *config.Config, opts ...Option) (*Provider, error) {
	baseURL, err := resolveBaseURL(cfg.Billing.Server)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		accessToken:     strings.TrimSpace(cfg.Billing.AccessToken),
		webhookSecret:   strings.TrimSpace(cfg.Billing.WebhookSecret),
		baseURL:         baseURL,
		successURL:      strings.TrimSpace(cfg.Billing.SuccessURL),
		portalReturnURL: strings.TrimSpace(cfg.Billing.PortalReturnURL),
		httpClient:      &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func resolveBaseURL(server string) (string, error) {
	server = strings.ToLower(strings.TrimSpace(server))
	switch {
	case server == "" || server == "sandbox":
		return sandboxBaseURL, nil
	case server == "production":
		return productionBaseURL, nil
	case strings.HasPrefix(server, "http://"), strings.HasPrefix(server, "https://"):
		return strings.TrimRight(server, "/"), nil
	}
	return "", services.Wrap(services.ErrConfiguration, "polar", "init", fmt.Sprintf("Billing server %q must be sandbox, production, or an absolute URL", server), nil)
}

// Name identifies the provider in orders, plans, and the webhook ledger.
func (p *Provider) Name() string { return "polar" }

// CreateCheckoutSession opens a Polar checkout for the plan's product. The
// user id rides along as the external customer id and in metadata so paid
// orders map back without a customer lookup.
func (p *Provider) CreateCheckoutSession(ctx context.Context, params billing.CheckoutParams) (*billing.CheckoutSession, error) {
	if params.Plan == nil || params.Plan.ProviderProductID == "" {
		return nil, services.Wrap(services.ErrConfiguration, "polar", "checkout", "Plan has no Polar product id", nil)
	}
	successURL := strings.TrimSpace(params.SuccessURL)
	if successURL == "" {
		successURL = p.successURL
	}
	if successURL == "" {
		return nil, services.Wrap(services.ErrConfiguration, "polar", "checkout", "No checkout success URL configured", nil)
	}
	var resp checkoutResponse
	err := p.do(ctx, http.MethodPost, "/v1/checkouts/", checkoutRequest{
		Products:           []string{params.Plan.ProviderProductID},
		SuccessURL:         successURL,
		ExternalCustomerID: params.UserID,
		Metadata: map[string]string{
			"user_id":   params.UserID,
			"plan_code": params.Plan.Code,
		},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.URL == "" {
		return nil, services.Wrap(services.ErrTransient, "polar", "checkout", "Polar returned no checkout URL", nil)
	}
	return &billing.CheckoutSession{ID: resp.ID, URL: resp.URL}, nil
}

// CreatePortalSession opens Polar's customer portal keyed by the external
// customer id, which is our user id.
func (p *Provider) CreatePortalSession(ctx context.Context, params billing.PortalParams) (*billing.PortalSession, error) {
	if params.UserID == "" {
		return nil, services.Wrap(services.ErrValidation, "polar", "portal", "Portal session needs a user", nil)
	}
	returnURL := strings.TrimSpace(params.ReturnURL)
	if returnURL == "" {
		returnURL = p.portalReturnURL
	}
	var resp portalResponse
	err := p.do(ctx, http.MethodPost, "/v1/customer-sessions/", portalRequest{
		ExternalCustomerID: params.UserID,
		ReturnURL:          returnURL,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.CustomerPortalURL == "" {
		return nil, services.Wrap(services.ErrTransient, "polar", "portal", "Polar returned no portal URL", nil)
	}
	return &billing.PortalSession{URL: resp.CustomerPortalURL}, nil
}

// CreateRefund asks Polar to refund part of an order. Polar reports
// duplicate refunds as client errors with varying wording, so those are
// reclassified as conflicts for the caller to absorb.
func (p *Provider) CreateRefund(ctx context.Context, params billing.RefundParams) error {
	if params.ProviderOrderID == "" || params.AmountCents <= 0 {
		return services.Wrap(services.ErrValidation, "polar", "refund", "Refund needs an order id and a positive amount", nil)
	}
	reason := strings.TrimSpace(params.Reason)
	if reason == "" {
		reason = "customer_request"
	}
	err := p.do(ctx, http.MethodPost, "/v1/refunds", refundRequest{
		OrderID: params.ProviderOrderID,
		Amount:  params.AmountCents,
		Reason:  reason,
	}, nil)
	if err != nil && !errors.Is(err, services.ErrConflict) && isDuplicateRefundMessage(err.Error()) {
		return services.Wrap(services.ErrConflict, "polar", "refund", "Polar already holds a refund for this order", err)
	}
	return err
}

func isDuplicateRefundMessage(detail string) bool {
	detail = strings.ToLower(detail)
	for _, marker := range []string{
		"already refunded",
		"already been refunded",
		"already has a refund",
		"refund already",
		"duplicate refund",
		"refund exists",
		"already exists",
	} {
		if strings.Contains(detail, marker) {
			return true
		}
	}
	return false
}

func (p *Provider) do(ctx context.Context, method, path string, payload, out any) error {
	if p.accessToken == "" {
		return services.Wrap(services.ErrConfiguration, "polar", "request", "No Polar access token configured", nil)
	}
	endpoint, err := url.JoinPath(p.baseURL, path)
	if err != nil {
		return fmt.Errorf("polar request: build url: %w", err)
	}
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("polar request: encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("polar request: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "polar", "request", "Polar API is unreachable", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polar request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return apiError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return services.Wrap(services.ErrTransient, "polar", "request", "Polar returned a malformed response", err)
	}
	return nil
}

// apiError classifies a non-2xx Polar response. Client errors never
// recover on retry; everything else is transient.
func apiError(status int, raw []byte) error {
	message := extractErrorMessage(raw)
	switch {
	case status == http.StatusConflict:
		return services.Wrap(services.ErrConflict, "polar", "request", message, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return services.Wrap(services.ErrUnauthorized, "polar", "request", message, nil)
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return services.Wrap(services.ErrValidation, "polar", "request", message, nil)
	}
	return services.Wrap(services.ErrTransient, "polar", "request", message, nil)
}

func extractErrorMessage(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "Polar API error"
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		for _, key := range []string{"detail", "message", "error", "title"} {
			if value, ok := payload[key].(string); ok && strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value)
			}
		}
	}
	if len(trimmed) > 300 {
		trimmed = trimmed[:300]
	}
	return trimmed
}

type checkoutRequest struct {
	Products           []string          `json:"products"`
	SuccessURL         string            `json:"success_url"`
	ExternalCustomerID string            `json:"external_customer_id"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type checkoutResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type portalRequest struct {
	ExternalCustomerID string `json:"external_customer_id"`
	ReturnURL          string `json:"return_url,omitempty"`
}

type portalResponse struct {
	CustomerPortalURL string `json:"customer_portal_url"`
}

type refundRequest struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason"`
}
