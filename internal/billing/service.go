package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"fathom/internal/config"
	"fathom/internal/entitlement"
	"fathom/internal/logging"
	"fathom/internal/services"
	"fathom/internal/store"
)

// RefundPendingConfirmation is the status returned to refund requesters
// while the provider's webhook confirmation is outstanding.
const RefundPendingConfirmation = "pending_webhook_confirmation"

// Service ties plans, orders, credit grants, and webhook processing to one
// payment provider.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	engine   *entitlement.Engine
	provider Provider
	logger   *slog.Logger
}

// NewService constructs the billing service.
func NewService(cfg *config.Config, st *store.Store, engine *entitlement.Engine, provider Provider, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		provider: provider,
		logger:   logging.NewComponentLogger(logger, "billing"),
	}
}

// SeedPlans writes the configured catalog plus the free tier into the plans
// table, deactivating anything no longer listed.
func (s *Service) SeedPlans(ctx context.Context) error {
	plans := []store.Plan{{
		Code:           "free",
		Name:           "Free",
		Kind:           store.PlanFreeTier,
		SecondsGranted: s.cfg.Billing.FreeTierSeconds,
		Active:         true,
	}}
	for _, p := range s.cfg.Billing.Plans {
		plans = append(plans, store.Plan{
			Code:              p.Code,
			Name:              p.Name,
			Kind:              store.PlanKind(p.Kind),
			Provider:          s.provider.Name(),
			ProviderProductID: p.ProviderProductID,
			PriceCents:        p.PriceCents,
			Currency:          p.Currency,
			SecondsGranted:    p.SecondsGranted,
			Active:            true,
		})
	}
	return s.store.SeedPlans(ctx, plans)
}

// Checkout opens a provider checkout for a purchasable plan.
func (s *Service) Checkout(ctx context.Context, userID, planCode string) (*CheckoutSession, error) {
	plan, err := s.store.GetPlan(ctx, planCode)
	if err != nil {
		return nil, err
	}
	if plan == nil || !plan.Active {
		return nil, services.Wrap(services.ErrNotFound, "billing", "checkout", fmt.Sprintf("No purchasable plan %q", planCode), nil)
	}
	if plan.Kind == store.PlanFreeTier || plan.PriceCents <= 0 {
		return nil, services.Wrap(services.ErrValidation, "billing", "checkout", "The free tier needs no checkout", nil)
	}
	if plan.Provider != "" && plan.Provider != s.provider.Name() {
		return nil, services.Wrap(services.ErrConfiguration, "billing", "checkout", fmt.Sprintf("Plan %q belongs to provider %q", planCode, plan.Provider), nil)
	}
	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutParams{
		UserID:     userID,
		Plan:       plan,
		SuccessURL: s.cfg.Billing.SuccessURL,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("opened checkout",
		logging.String(logging.FieldUserID, userID),
		logging.String("plan_code", planCode),
		logging.String("checkout_id", session.ID))
	return session, nil
}

// Portal opens the provider's self-service management page for the user.
func (s *Service) Portal(ctx context.Context, userID string) (*PortalSession, error) {
	ent, err := s.store.GetEntitlement(ctx, userID)
	if err != nil {
		return nil, err
	}
	var customerRef string
	if ent != nil {
		customerRef = ent.ProviderCustomerID
	}
	return s.provider.CreatePortalSession(ctx, PortalParams{
		UserID:      userID,
		CustomerRef: customerRef,
		ReturnURL:   s.cfg.Billing.PortalReturnURL,
	})
}

// RefundResult reports an accepted refund request. Confirmation arrives
// asynchronously over the provider webhook.
type RefundResult struct {
	ProviderOrderID string
	RefundableCents int64
	Currency        string
	Status          string
}

// RequestPackRefund refunds the unused share of a paid pack, once. The
// order moves paid to refund_pending and the lot freezes before the
// provider call, so no further seconds can drain while the refund settles.
// The webhook confirmation finishes the flow; a provider rejection reopens
// the order and thaws the credit.
func (s *Service) RequestPackRefund(ctx context.Context, userID, providerOrderID string) (*RefundResult, error) {
	order, err := s.store.GetOrderByProviderRef(ctx, s.provider.Name(), providerOrderID)
	if err != nil {
		return nil, err
	}
	if order == nil || order.UserID != userID {
		return nil, services.Wrap(services.ErrNotFound, "billing", "refund", "No such order", nil)
	}
	if order.Kind != store.OrderPack {
		return nil, services.Wrap(services.ErrValidation, "billing", "refund", "Only pack purchases are refundable", nil)
	}
	switch order.Status {
	case store.OrderPaid:
	case store.OrderRefundPending:
		return nil, services.Wrap(services.ErrConflict, "billing", "refund", "A refund is already pending on this order", nil)
	case store.OrderRefunded:
		return nil, services.Wrap(services.ErrConflict, "billing", "refund", "This order was already refunded", nil)
	default:
		return nil, services.Wrap(services.ErrValidation, "billing", "refund", fmt.Sprintf("An order in state %q is not refundable", order.Status), nil)
	}

	lot, err := s.store.GetCreditLotByExternalRef(ctx, providerOrderID)
	if err != nil {
		return nil, err
	}
	if lot == nil {
		return nil, services.Wrap(services.ErrConflict, "billing", "refund", "The credit for this order has not landed yet", nil)
	}
	refundable := refundableCents(order.AmountCents, lot.RemainingSeconds, lot.Seconds)
	if refundable <= 0 {
		return nil, services.Wrap(services.ErrValidation, "billing", "refund", "No unused credit remains on this order", nil)
	}

	moved, err := s.store.TransitionOrderStatus(ctx, order.Provider, order.ProviderOrderID, store.OrderPaid, store.OrderRefundPending)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, services.Wrap(services.ErrConflict, "billing", "refund", "The order changed state while the refund was being prepared", nil)
	}
	if _, err := s.store.SetLotFrozenByExternalRef(ctx, providerOrderID, true); err != nil {
		return nil, err
	}

	err = s.provider.CreateRefund(ctx, RefundParams{
		ProviderOrderID: providerOrderID,
		AmountCents:     refundable,
		Reason:          "customer_request",
	})
	if err != nil && !errors.Is(err, services.ErrConflict) {
		if _, thawErr := s.store.SetLotFrozenByExternalRef(ctx, providerOrderID, false); thawErr != nil {
			s.logger.Error("failed to thaw lot after refund rejection",
				logging.String("order_id", providerOrderID), logging.Error(thawErr))
		}
		if _, casErr := s.store.TransitionOrderStatus(ctx, order.Provider, order.ProviderOrderID, store.OrderRefundPending, store.OrderPaid); casErr != nil {
			s.logger.Error("failed to reopen order after refund rejection",
				logging.String("order_id", providerOrderID), logging.Error(casErr))
		}
		return nil, err
	}
	// A conflict means the provider already holds this refund; the webhook
	// confirmation settles it either way.
	s.logger.Info("refund requested",
		logging.String(logging.FieldUserID, userID),
		logging.String("order_id", providerOrderID),
		logging.Int64("refundable_cents", refundable))
	return &RefundResult{
		ProviderOrderID: providerOrderID,
		RefundableCents: refundable,
		Currency:        order.Currency,
		Status:          RefundPendingConfirmation,
	}, nil
}

// refundableCents prorates the paid amount by the unused share of the lot.
func refundableCents(amountCents, remainingSeconds, grantedSeconds int64) int64 {
	if grantedSeconds <= 0 || remainingSeconds <= 0 {
		return 0
	}
	if remainingSeconds >= grantedSeconds {
		return amountCents
	}
	return amountCents * remainingSeconds / grantedSeconds
}

// HandleWebhook verifies, records, and processes one provider delivery.
// Replays and concurrent deliveries of the same event are absorbed by the
// ledger claim; a processing failure leaves the event reclaimable so the
// provider's retry or the recovery sweep can finish it.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, header http.Header) error {
	event, err := s.provider.ParseWebhook(payload, header)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-s.webhookStaleAfter())
	record, claimed, err := s.store.ClaimWebhookEvent(ctx, s.provider.Name(), event.ID, string(event.Type), string(payload), cutoff)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Debug("webhook event already handled",
			logging.String("event_id", event.ID),
			logging.String("event_type", string(event.Type)))
		return nil
	}

	procErr := s.dispatch(ctx, event)
	if finishErr := s.store.FinishWebhookEvent(ctx, record.ID, procErr); finishErr != nil {
		return finishErr
	}
	if procErr != nil {
		s.logger.Error("webhook event failed",
			logging.String("event_id", event.ID),
			logging.String("event_type", string(event.Type)),
			logging.Error(procErr))
		return procErr
	}
	s.logger.Info("webhook event processed",
		logging.String("event_id", event.ID),
		logging.String("event_type", string(event.Type)))
	return nil
}

// RetryUnfinishedWebhooks re-runs failed or abandoned ledger events. The
// daemon calls this periodically so a crash between claim and finish cannot
// lose a grant.
func (s *Service) RetryUnfinishedWebhooks(ctx context.Context, limit int) (int, error) {
	cutoff := time.Now().UTC().Add(-s.webhookStaleAfter())
	events, err := s.store.UnfinishedWebhookEvents(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, record := range events {
		if record.Provider != s.provider.Name() {
			continue
		}
		event, err := s.provider.ParseEvent([]byte(record.Payload))
		if err != nil {
			if finishErr := s.store.FinishWebhookEvent(ctx, record.ID, err); finishErr != nil {
				return recovered, finishErr
			}
			continue
		}
		_, claimed, err := s.store.ClaimWebhookEvent(ctx, record.Provider, record.EventID, record.EventType, record.Payload, cutoff)
		if err != nil {
			return recovered, err
		}
		if !claimed {
			continue
		}
		procErr := s.dispatch(ctx, event)
		if err := s.store.FinishWebhookEvent(ctx, record.ID, procErr); err != nil {
			return recovered, err
		}
		if procErr == nil {
			recovered++
		} else {
			s.logger.Warn("webhook event failed again",
				logging.String("event_id", record.EventID),
				logging.Int("attempts", record.Attempts+1),
				logging.Error(procErr))
		}
	}
	return recovered, nil
}

func (s *Service) webhookStaleAfter() time.Duration {
	if secs := s.cfg.Billing.WebhookStaleSeconds; secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 5 * time.Minute
}

func (s *Service) dispatch(ctx context.Context, event *Event) error {
	// Order and subscription payloads carry the provider's customer id
	// alongside their own data; recording it here keeps the portal mapping
	// fresh without a dedicated customer event.
	if event.Customer != nil && event.Type != EventCustomerUpdated {
		if err := s.applyCustomerUpdated(ctx, event.Customer); err != nil {
			return err
		}
	}
	switch event.Type {
	case EventOrderPaid:
		return s.applyOrderPaid(ctx, event.Order)
	case EventOrderRefunded:
		return s.applyOrderRefunded(ctx, event.Refund)
	case EventSubscriptionCycle:
		return s.applySubscriptionCycle(ctx, event.Subscription)
	case EventSubscriptionUpdated:
		return s.applySubscriptionState(ctx, event.Subscription)
	case EventSubscriptionCanceled:
		return s.applySubscriptionCanceled(ctx, event.Subscription)
	case EventCustomerUpdated:
		return s.applyCustomerUpdated(ctx, event.Customer)
	default:
		s.logger.Debug("ignoring webhook event",
			logging.String("event_id", event.ID),
			logging.String("event_type", string(event.Type)))
		return nil
	}
}

func (s *Service) applyOrderPaid(ctx context.Context, order *OrderEvent) error {
	if order == nil || order.ProviderOrderID == "" {
		return services.Wrap(services.ErrValidation, "billing", "order.paid", "Event carries no order", nil)
	}
	if order.UserID == "" {
		return services.Wrap(services.ErrValidation, "billing", "order.paid", "Order has no user mapping", nil)
	}
	plan, err := s.store.GetPlanByProviderProduct(ctx, s.provider.Name(), order.ProductID)
	if err != nil {
		return err
	}
	if plan == nil {
		return services.Wrap(services.ErrConfiguration, "billing", "order.paid", fmt.Sprintf("No plan maps to product %q", order.ProductID), nil)
	}
	kind := store.OrderPack
	if plan.Kind == store.PlanSubscription {
		kind = store.OrderSubscription
	}
	if _, err := s.store.UpsertOrder(ctx, &store.Order{
		UserID:          order.UserID,
		Provider:        s.provider.Name(),
		ProviderOrderID: order.ProviderOrderID,
		PlanCode:        plan.Code,
		Kind:            kind,
		Status:          store.OrderPaid,
		AmountCents:     order.AmountCents,
		Currency:        order.Currency,
		SecondsGranted:  plan.SecondsGranted,
	}); err != nil {
		return err
	}
	if kind != store.OrderPack {
		// Subscription invoices grant through the cycle event.
		return nil
	}
	_, _, err = s.engine.GrantPackLot(ctx, order.UserID, order.ProviderOrderID, plan.SecondsGranted, plan.Name)
	return err
}

func (s *Service) applyOrderRefunded(ctx context.Context, refund *RefundEvent) error {
	if refund == nil || refund.ProviderOrderID == "" {
		return services.Wrap(services.ErrValidation, "billing", "order.refunded", "Event carries no order", nil)
	}
	applied, err := s.store.ApplyOrderRefund(ctx, s.provider.Name(), refund.ProviderOrderID, refund.RefundedCents, store.OrderRefunded)
	if err != nil {
		return err
	}
	if !applied {
		s.logger.Warn("refund reported for unknown order",
			logging.String("order_id", refund.ProviderOrderID))
	}
	clawed, err := s.store.RevokeLotByExternalRef(ctx, refund.ProviderOrderID, "refund confirmed")
	if err != nil {
		return err
	}
	if clawed > 0 {
		s.logger.Info("revoked refunded credit",
			logging.String("order_id", refund.ProviderOrderID),
			logging.Int64("seconds", clawed))
	}
	return nil
}

func (s *Service) applySubscriptionCycle(ctx context.Context, sub *SubscriptionEvent) error {
	if err := validateSubscriptionEvent(sub); err != nil {
		return err
	}
	plan, err := s.store.GetPlanByProviderProduct(ctx, s.provider.Name(), sub.ProductID)
	if err != nil {
		return err
	}
	if plan == nil {
		return services.Wrap(services.ErrConfiguration, "billing", "subscription.cycle", fmt.Sprintf("No plan maps to product %q", sub.ProductID), nil)
	}
	if err := s.store.UpsertSubscriptionState(ctx, store.SubscriptionState{
		UserID:             sub.UserID,
		PlanCode:           plan.Code,
		SubscriptionID:     sub.SubscriptionID,
		SubscriptionStatus: sub.Status,
		CurrentPeriodStart: sub.PeriodStart,
		CurrentPeriodEnd:   sub.PeriodEnd,
	}); err != nil {
		return err
	}
	if sub.PeriodStart == nil || sub.PeriodEnd == nil {
		return services.Wrap(services.ErrValidation, "billing", "subscription.cycle", "Cycle event without period bounds", nil)
	}
	_, _, err = s.engine.GrantSubscriptionCycle(ctx, sub.UserID, sub.SubscriptionID, *sub.PeriodStart, *sub.PeriodEnd, plan.SecondsGranted, plan.SecondsGranted)
	return err
}

func (s *Service) applySubscriptionState(ctx context.Context, sub *SubscriptionEvent) error {
	if err := validateSubscriptionEvent(sub); err != nil {
		return err
	}
	planCode, err := s.resolvePlanCode(ctx, sub)
	if err != nil {
		return err
	}
	return s.store.UpsertSubscriptionState(ctx, store.SubscriptionState{
		UserID:             sub.UserID,
		PlanCode:           planCode,
		SubscriptionID:     sub.SubscriptionID,
		SubscriptionStatus: sub.Status,
		CurrentPeriodStart: sub.PeriodStart,
		CurrentPeriodEnd:   sub.PeriodEnd,
	})
}

func (s *Service) applySubscriptionCanceled(ctx context.Context, sub *SubscriptionEvent) error {
	if err := s.applySubscriptionState(ctx, sub); err != nil {
		return err
	}
	drained, err := s.store.DrainActiveLots(ctx, sub.UserID, store.LotSubscription, "subscription ended")
	if err != nil {
		return err
	}
	if drained > 0 {
		s.logger.Info("drained subscription credit",
			logging.String(logging.FieldUserID, sub.UserID),
			logging.Int64("seconds", drained))
	}
	return nil
}

func (s *Service) applyCustomerUpdated(ctx context.Context, customer *CustomerEvent) error {
	if customer == nil || customer.UserID == "" || customer.CustomerID == "" {
		// Without both sides of the mapping there is nothing to record.
		return nil
	}
	return s.store.UpsertCustomerRef(ctx, customer.UserID, customer.CustomerID)
}

func (s *Service) resolvePlanCode(ctx context.Context, sub *SubscriptionEvent) (string, error) {
	if sub.ProductID != "" {
		plan, err := s.store.GetPlanByProviderProduct(ctx, s.provider.Name(), sub.ProductID)
		if err != nil {
			return "", err
		}
		if plan != nil {
			return plan.Code, nil
		}
	}
	ent, err := s.store.GetEntitlement(ctx, sub.UserID)
	if err != nil {
		return "", err
	}
	if ent != nil {
		return ent.PlanCode, nil
	}
	return "", nil
}

func validateSubscriptionEvent(sub *SubscriptionEvent) error {
	if sub == nil || sub.SubscriptionID == "" {
		return services.Wrap(services.ErrValidation, "billing", "subscription", "Event carries no subscription", nil)
	}
	if sub.UserID == "" {
		return services.Wrap(services.ErrValidation, "billing", "subscription", "Subscription has no user mapping", nil)
	}
	return nil
}
