package api

import (
	"fathom/internal/billing"
	"fathom/internal/entitlement"
	"fathom/internal/store"
)

// FromOverview converts a credit position into its API representation.
func FromOverview(o *entitlement.Overview) UsageView {
	if o == nil {
		return UsageView{}
	}
	return UsageView{
		PlanCode:              o.PlanCode,
		PlanName:              o.PlanName,
		SubscriptionActive:    o.SubscriptionActive,
		SubscriptionRemaining: o.SubscriptionRemaining,
		FreeRemaining:         o.FreeRemaining,
		PackRemaining:         o.PackRemaining,
		TotalRemaining:        o.TotalRemaining,
		PackExpiresAt:         FormatTimePtr(o.PackExpiresAt),
		DebtSeconds:           o.DebtSeconds,
		DebtCapSeconds:        o.DebtCapSeconds,
		Blocked:               o.Blocked,
	}
}

// FromPlan converts a catalog plan. Free-tier plans are part of the catalog
// but never purchasable, so callers list only the active paid entries.
func FromPlan(p *store.Plan) PlanView {
	if p == nil {
		return PlanView{}
	}
	return PlanView{
		Code:           p.Code,
		Name:           p.Name,
		Kind:           string(p.Kind),
		PriceCents:     p.PriceCents,
		Currency:       p.Currency,
		SecondsGranted: p.SecondsGranted,
	}
}

// FromPlans converts the purchasable slice of a plan catalog, skipping
// inactive and free entries.
func FromPlans(plans []*store.Plan) []PlanView {
	if len(plans) == 0 {
		return nil
	}
	out := make([]PlanView, 0, len(plans))
	for _, p := range plans {
		if p == nil || !p.Active || p.Kind == store.PlanFreeTier {
			continue
		}
		out = append(out, FromPlan(p))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// FromCreditLot converts one credit grant.
func FromCreditLot(lot *store.CreditLot) CreditLotView {
	if lot == nil {
		return CreditLotView{}
	}
	return CreditLotView{
		ID:               lot.ID,
		LotType:          string(lot.LotType),
		Seconds:          lot.Seconds,
		RemainingSeconds: lot.RemainingSeconds,
		Frozen:           lot.Frozen,
		ExpiresAt:        FormatTimePtr(lot.ExpiresAt),
		CreatedAt:        FormatTime(lot.CreatedAt),
	}
}

// FromCreditLots converts a slice of credit grants.
func FromCreditLots(lots []*store.CreditLot) []CreditLotView {
	if len(lots) == 0 {
		return nil
	}
	out := make([]CreditLotView, 0, len(lots))
	for _, lot := range lots {
		out = append(out, FromCreditLot(lot))
	}
	return out
}

// FromOrder converts one checkout order.
func FromOrder(o *store.Order) OrderView {
	if o == nil {
		return OrderView{}
	}
	return OrderView{
		ID:              o.ID,
		PlanCode:        o.PlanCode,
		Kind:            string(o.Kind),
		Status:          string(o.Status),
		AmountCents:     o.AmountCents,
		Currency:        o.Currency,
		RefundedCents:   o.RefundedCents,
		SecondsGranted:  o.SecondsGranted,
		ProviderOrderID: o.ProviderOrderID,
		CreatedAt:       FormatTime(o.CreatedAt),
	}
}

// FromOrders converts a slice of checkout orders.
func FromOrders(orders []*store.Order) []OrderView {
	if len(orders) == 0 {
		return nil
	}
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, FromOrder(o))
	}
	return out
}

// FromUsageEvent converts one ledger entry.
func FromUsageEvent(evt *store.UsageEvent) UsageEventView {
	if evt == nil {
		return UsageEventView{}
	}
	return UsageEventView{
		ID:        evt.ID,
		JobID:     evt.JobID,
		Kind:      string(evt.Kind),
		Seconds:   evt.Seconds,
		Note:      evt.Note,
		CreatedAt: FormatTime(evt.CreatedAt),
	}
}

// FromUsageEvents converts a slice of ledger entries.
func FromUsageEvents(events []*store.UsageEvent) []UsageEventView {
	if len(events) == 0 {
		return nil
	}
	out := make([]UsageEventView, 0, len(events))
	for _, evt := range events {
		out = append(out, FromUsageEvent(evt))
	}
	return out
}

// FromCheckoutSession converts a provider checkout session.
func FromCheckoutSession(cs *billing.CheckoutSession) CheckoutView {
	if cs == nil {
		return CheckoutView{}
	}
	return CheckoutView{SessionID: cs.ID, URL: cs.URL}
}

// FromPortalSession converts a provider portal session.
func FromPortalSession(ps *billing.PortalSession) PortalView {
	if ps == nil {
		return PortalView{}
	}
	return PortalView{URL: ps.URL}
}

// FromRefundResult converts a refund outcome.
func FromRefundResult(r *billing.RefundResult) RefundView {
	if r == nil {
		return RefundView{}
	}
	return RefundView{
		ProviderOrderID: r.ProviderOrderID,
		RefundedCents:   r.RefundableCents,
		Currency:        r.Currency,
		Status:          r.Status,
	}
}
