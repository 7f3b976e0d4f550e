package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fathom/internal/store"
	"fathom/internal/testsupport"
)

func TestGrantCreditLotIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	lot, created, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID:      "user-1",
		LotType:     store.LotPack,
		Seconds:     3600,
		ExternalRef: "order-100",
	})
	if err != nil {
		t.Fatalf("GrantCreditLot failed: %v", err)
	}
	if !created || lot.RemainingSeconds != 3600 {
		t.Fatalf("expected fresh lot with full balance, got created=%v %#v", created, lot)
	}

	again, created, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID:      "user-1",
		LotType:     store.LotPack,
		Seconds:     3600,
		ExternalRef: "order-100",
	})
	if err != nil {
		t.Fatalf("second GrantCreditLot failed: %v", err)
	}
	if created {
		t.Fatal("expected duplicate grant to be a no-op")
	}
	if again.ID != lot.ID {
		t.Fatalf("expected same lot, got %d and %d", lot.ID, again.ID)
	}

	events, err := st.ListUsageEvents(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListUsageEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != store.UsageGrant {
		t.Fatalf("expected a single grant event, got %#v", events)
	}

	ent, err := st.GetEntitlement(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetEntitlement failed: %v", err)
	}
	if ent == nil || ent.BalanceSeconds != 3600 {
		t.Fatalf("expected balance snapshot 3600, got %#v", ent)
	}
}

func TestConsumeCreditDrainsLotsInOrder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	expiry := time.Now().Add(30 * 24 * time.Hour).UTC()

	if _, _, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID: "user-1", LotType: store.LotPack, Seconds: 100, ExternalRef: "pack-1",
	}); err != nil {
		t.Fatalf("grant pack failed: %v", err)
	}
	if _, _, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID: "user-1", LotType: store.LotFree, Seconds: 50, ExternalRef: "free-1", ExpiresAt: &expiry,
	}); err != nil {
		t.Fatalf("grant free failed: %v", err)
	}
	if _, _, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID: "user-1", LotType: store.LotSubscription, Seconds: 200, ExternalRef: "cycle-1", ExpiresAt: &expiry,
	}); err != nil {
		t.Fatalf("grant subscription failed: %v", err)
	}

	result, err := st.ConsumeCredit(ctx, "user-1", "job-1", 230)
	if err != nil {
		t.Fatalf("ConsumeCredit failed: %v", err)
	}
	if result.DebtAdded != 0 {
		t.Fatalf("expected no debt, got %d", result.DebtAdded)
	}
	if len(result.Debits) != 2 {
		t.Fatalf("expected two lots touched, got %#v", result.Debits)
	}
	if result.Debits[0].LotType != store.LotSubscription || result.Debits[0].Seconds != 200 {
		t.Fatalf("expected subscription drained first, got %#v", result.Debits[0])
	}
	if result.Debits[1].LotType != store.LotFree || result.Debits[1].Seconds != 30 {
		t.Fatalf("expected free lot next, got %#v", result.Debits[1])
	}
	if result.BalanceSeconds != 120 {
		t.Fatalf("expected balance 120, got %d", result.BalanceSeconds)
	}

	lots, err := st.ActiveCreditLots(ctx, "user-1", time.Now())
	if err != nil {
		t.Fatalf("ActiveCreditLots failed: %v", err)
	}
	if len(lots) != 2 {
		t.Fatalf("expected two lots with balance, got %d", len(lots))
	}
	if lots[0].LotType != store.LotFree || lots[0].RemainingSeconds != 20 {
		t.Fatalf("unexpected first lot: %#v", lots[0])
	}
	if lots[1].LotType != store.LotPack || lots[1].RemainingSeconds != 100 {
		t.Fatalf("unexpected second lot: %#v", lots[1])
	}
}

func TestConsumeCreditBooksDebt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if _, _, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID: "user-1", LotType: store.LotFree, Seconds: 50, ExternalRef: "free-1",
	}); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	result, err := st.ConsumeCredit(ctx, "user-1", "job-1", 80)
	if err != nil {
		t.Fatalf("ConsumeCredit failed: %v", err)
	}
	if result.Consumed() != 50 || result.DebtAdded != 30 {
		t.Fatalf("expected 50 consumed and 30 debt, got %#v", result)
	}
	if result.DebtSeconds != 30 || result.BalanceSeconds != 0 {
		t.Fatalf("unexpected snapshot: %#v", result)
	}

	totals, err := st.UsageTotals(ctx, "user-1", time.Time{})
	if err != nil {
		t.Fatalf("UsageTotals failed: %v", err)
	}
	if totals[store.UsageDebit] != 50 || totals[store.UsageDebt] != 30 {
		t.Fatalf("unexpected totals: %#v", totals)
	}
}

func TestSettleDebtFromNewLots(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if _, _, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID: "user-1", LotType: store.LotFree, Seconds: 50, ExternalRef: "free-1",
	}); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if _, err := st.ConsumeCredit(ctx, "user-1", "job-1", 80); err != nil {
		t.Fatalf("ConsumeCredit failed: %v", err)
	}

	if _, _, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID: "user-1", LotType: store.LotPack, Seconds: 100, ExternalRef: "pack-1",
	}); err != nil {
		t.Fatalf("second grant failed: %v", err)
	}

	result, err := st.SettleDebt(ctx, "user-1")
	if err != nil {
		t.Fatalf("SettleDebt failed: %v", err)
	}
	if result.Requested != 30 || result.DebtSeconds != 0 {
		t.Fatalf("expected 30 debt settled, got %#v", result)
	}
	if result.BalanceSeconds != 70 {
		t.Fatalf("expected balance 70 after settlement, got %d", result.BalanceSeconds)
	}

	totals, err := st.UsageTotals(ctx, "user-1", time.Time{})
	if err != nil {
		t.Fatalf("UsageTotals failed: %v", err)
	}
	if totals[store.UsageDebtPayment] != 30 {
		t.Fatalf("expected debt payment recorded, got %#v", totals)
	}
}

func TestExpiredLotsAreNotConsumed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	expired := time.Now().Add(-time.Hour).UTC()
	if _, _, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID: "user-1", LotType: store.LotSubscription, Seconds: 500, ExternalRef: "cycle-0", ExpiresAt: &expired,
	}); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	result, err := st.ConsumeCredit(ctx, "user-1", "job-1", 60)
	if err != nil {
		t.Fatalf("ConsumeCredit failed: %v", err)
	}
	if result.Consumed() != 0 || result.DebtAdded != 60 {
		t.Fatalf("expected expired lot to be skipped, got %#v", result)
	}
}

func TestRevokeLotClawsBackBalance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if _, _, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID: "user-1", LotType: store.LotPack, Seconds: 100, ExternalRef: "order-1",
	}); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if _, err := st.ConsumeCredit(ctx, "user-1", "job-1", 40); err != nil {
		t.Fatalf("ConsumeCredit failed: %v", err)
	}

	clawed, err := st.RevokeLotByExternalRef(ctx, "order-1", "refund")
	if err != nil {
		t.Fatalf("RevokeLotByExternalRef failed: %v", err)
	}
	if clawed != 60 {
		t.Fatalf("expected 60 seconds clawed back, got %d", clawed)
	}

	ent, err := st.GetEntitlement(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetEntitlement failed: %v", err)
	}
	if ent.BalanceSeconds != 0 {
		t.Fatalf("expected zero balance after revoke, got %d", ent.BalanceSeconds)
	}

	again, err := st.RevokeLotByExternalRef(ctx, "order-1", "refund")
	if err != nil {
		t.Fatalf("second revoke failed: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected second revoke to claw nothing, got %d", again)
	}
}

func TestUpsertOrderIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	order, err := st.UpsertOrder(ctx, &store.Order{
		UserID:          "user-1",
		Provider:        "polar",
		ProviderOrderID: "ord_123",
		PlanCode:        "pack_10h",
		Kind:            store.OrderPack,
		Status:          store.OrderPending,
		AmountCents:     900,
		Currency:        "usd",
		SecondsGranted:  36000,
	})
	if err != nil {
		t.Fatalf("UpsertOrder failed: %v", err)
	}
	if order.ID == 0 {
		t.Fatal("expected order ID assigned")
	}

	updated, err := st.UpsertOrder(ctx, &store.Order{
		UserID:          "user-1",
		Provider:        "polar",
		ProviderOrderID: "ord_123",
		PlanCode:        "pack_10h",
		Kind:            store.OrderPack,
		Status:          store.OrderPaid,
		AmountCents:     900,
		Currency:        "usd",
		SecondsGranted:  36000,
	})
	if err != nil {
		t.Fatalf("second UpsertOrder failed: %v", err)
	}
	if updated.ID != order.ID {
		t.Fatalf("expected same order row, got %d and %d", order.ID, updated.ID)
	}
	if updated.Status != store.OrderPaid {
		t.Fatalf("expected status updated to paid, got %s", updated.Status)
	}

	orders, err := st.ListOrdersForUser(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListOrdersForUser failed: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
}

func TestClaimWebhookEventLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	stale := time.Now().Add(-5 * time.Minute)

	ev, claimed, err := st.ClaimWebhookEvent(ctx, "polar", "evt_1", "order.paid", `{"id":"evt_1"}`, stale)
	if err != nil {
		t.Fatalf("ClaimWebhookEvent failed: %v", err)
	}
	if !claimed || ev.Status != store.WebhookProcessing || ev.Attempts != 1 {
		t.Fatalf("expected fresh claim, got claimed=%v %#v", claimed, ev)
	}

	_, claimed, err = st.ClaimWebhookEvent(ctx, "polar", "evt_1", "order.paid", `{"id":"evt_1"}`, stale)
	if err != nil {
		t.Fatalf("redelivery claim failed: %v", err)
	}
	if claimed {
		t.Fatal("expected in-flight event to refuse a second claim")
	}

	if err := st.FinishWebhookEvent(ctx, ev.ID, nil); err != nil {
		t.Fatalf("FinishWebhookEvent failed: %v", err)
	}
	done, claimed, err := st.ClaimWebhookEvent(ctx, "polar", "evt_1", "order.paid", `{"id":"evt_1"}`, stale)
	if err != nil {
		t.Fatalf("post-finish claim failed: %v", err)
	}
	if claimed || done.Status != store.WebhookProcessed {
		t.Fatalf("expected processed event to stay settled, got claimed=%v %#v", claimed, done)
	}
}

func TestClaimWebhookEventRetriesFailedAndStale(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	stale := time.Now().Add(-5 * time.Minute)

	ev, claimed, err := st.ClaimWebhookEvent(ctx, "polar", "evt_2", "order.paid", `{"id":"evt_2"}`, stale)
	if err != nil || !claimed {
		t.Fatalf("claim failed: %v claimed=%v", err, claimed)
	}
	if err := st.FinishWebhookEvent(ctx, ev.ID, errors.New("plan lookup failed")); err != nil {
		t.Fatalf("FinishWebhookEvent failed: %v", err)
	}

	failed, err := st.GetWebhookEvent(ctx, "polar", "evt_2")
	if err != nil {
		t.Fatalf("GetWebhookEvent failed: %v", err)
	}
	if failed.Status != store.WebhookFailed || failed.LastError == "" {
		t.Fatalf("expected failure recorded, got %#v", failed)
	}

	retried, claimed, err := st.ClaimWebhookEvent(ctx, "polar", "evt_2", "order.paid", `{"id":"evt_2"}`, stale)
	if err != nil {
		t.Fatalf("retry claim failed: %v", err)
	}
	if !claimed || retried.Attempts != 2 {
		t.Fatalf("expected failed event reclaimable, got claimed=%v %#v", claimed, retried)
	}

	// A processing claim older than the cutoff is treated as abandoned.
	reclaimed, claimed, err := st.ClaimWebhookEvent(ctx, "polar", "evt_2", "order.paid", `{"id":"evt_2"}`, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("stale claim failed: %v", err)
	}
	if !claimed || reclaimed.Attempts != 3 {
		t.Fatalf("expected stale claim takeover, got claimed=%v %#v", claimed, reclaimed)
	}
}

func TestUnfinishedWebhookEvents(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	stale := time.Now().Add(-5 * time.Minute)

	done, claimed, err := st.ClaimWebhookEvent(ctx, "polar", "evt_done", "order.paid", `{}`, stale)
	if err != nil || !claimed {
		t.Fatalf("claim failed: %v", err)
	}
	if err := st.FinishWebhookEvent(ctx, done.ID, nil); err != nil {
		t.Fatalf("FinishWebhookEvent failed: %v", err)
	}

	failedEv, claimed, err := st.ClaimWebhookEvent(ctx, "polar", "evt_failed", "order.paid", `{}`, stale)
	if err != nil || !claimed {
		t.Fatalf("claim failed: %v", err)
	}
	if err := st.FinishWebhookEvent(ctx, failedEv.ID, errors.New("boom")); err != nil {
		t.Fatalf("FinishWebhookEvent failed: %v", err)
	}

	if _, claimed, err = st.ClaimWebhookEvent(ctx, "polar", "evt_hung", "order.paid", `{}`, stale); err != nil || !claimed {
		t.Fatalf("claim failed: %v", err)
	}

	events, err := st.UnfinishedWebhookEvents(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("UnfinishedWebhookEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected failed and hung events, got %d: %#v", len(events), events)
	}
	for _, ev := range events {
		if ev.EventID == "evt_done" {
			t.Fatal("processed event should not be listed")
		}
	}
}

func TestSeedPlansUpsertsAndDeactivates(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	seed := []store.Plan{
		{Code: "sub_monthly", Name: "Monthly", Kind: store.PlanSubscription, Provider: "polar", ProviderProductID: "prod_sub", PriceCents: 500, Currency: "usd", SecondsGranted: 36000},
		{Code: "pack_10h", Name: "10 Hours", Kind: store.PlanPack, Provider: "polar", ProviderProductID: "prod_pack", PriceCents: 900, Currency: "usd", SecondsGranted: 36000},
	}
	if err := st.SeedPlans(ctx, seed); err != nil {
		t.Fatalf("SeedPlans failed: %v", err)
	}

	plans, err := st.ListPlans(ctx)
	if err != nil {
		t.Fatalf("ListPlans failed: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(plans))
	}

	byProduct, err := st.GetPlanByProviderProduct(ctx, "polar", "prod_pack")
	if err != nil {
		t.Fatalf("GetPlanByProviderProduct failed: %v", err)
	}
	if byProduct == nil || byProduct.Code != "pack_10h" {
		t.Fatalf("expected pack plan, got %#v", byProduct)
	}

	if err := st.SeedPlans(ctx, seed[:1]); err != nil {
		t.Fatalf("second SeedPlans failed: %v", err)
	}
	plans, err = st.ListPlans(ctx)
	if err != nil {
		t.Fatalf("ListPlans failed: %v", err)
	}
	if len(plans) != 1 || plans[0].Code != "sub_monthly" {
		t.Fatalf("expected dropped plan deactivated, got %#v", plans)
	}

	inactive, err := st.GetPlan(ctx, "pack_10h")
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if inactive == nil || inactive.Active {
		t.Fatalf("expected plan kept but inactive, got %#v", inactive)
	}
}

func TestUpsertSubscriptionStatePreservesDebt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if _, err := st.ConsumeCredit(ctx, "user-1", "job-1", 45); err != nil {
		t.Fatalf("ConsumeCredit failed: %v", err)
	}

	start := time.Now().UTC()
	end := start.Add(30 * 24 * time.Hour)
	if err := st.UpsertSubscriptionState(ctx, store.SubscriptionState{
		UserID:             "user-1",
		PlanCode:           "sub_monthly",
		SubscriptionID:     "sub_abc",
		SubscriptionStatus: "active",
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	}); err != nil {
		t.Fatalf("UpsertSubscriptionState failed: %v", err)
	}

	ent, err := st.GetEntitlement(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetEntitlement failed: %v", err)
	}
	if ent.PlanCode != "sub_monthly" || !ent.SubscriptionActive() {
		t.Fatalf("expected active subscription mirrored, got %#v", ent)
	}
	if ent.DebtSeconds != 45 {
		t.Fatalf("expected debt preserved at 45, got %d", ent.DebtSeconds)
	}
	if ent.CurrentPeriodEnd == nil {
		t.Fatal("expected period end stored")
	}
}

func TestFrozenLotExcludedFromConsumption(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if _, _, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID: "user-1", LotType: store.LotPack, Seconds: 100, ExternalRef: "order-1",
	}); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	changed, err := st.SetLotFrozenByExternalRef(ctx, "order-1", true)
	if err != nil {
		t.Fatalf("SetLotFrozenByExternalRef failed: %v", err)
	}
	if !changed {
		t.Fatal("expected freeze to report a change")
	}
	changed, err = st.SetLotFrozenByExternalRef(ctx, "order-1", true)
	if err != nil {
		t.Fatalf("repeat freeze failed: %v", err)
	}
	if changed {
		t.Fatal("expected repeat freeze to be a no-op")
	}

	lots, err := st.ActiveCreditLots(ctx, "user-1", time.Now())
	if err != nil {
		t.Fatalf("ActiveCreditLots failed: %v", err)
	}
	if len(lots) != 0 {
		t.Fatalf("expected frozen lot hidden from consumption, got %#v", lots)
	}
	ent, err := st.GetEntitlement(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetEntitlement failed: %v", err)
	}
	if ent == nil || ent.BalanceSeconds != 0 {
		t.Fatalf("expected zero balance while frozen, got %#v", ent)
	}

	result, err := st.ConsumeCredit(ctx, "user-1", "job-1", 40)
	if err != nil {
		t.Fatalf("ConsumeCredit failed: %v", err)
	}
	if len(result.Debits) != 0 || result.DebtAdded != 40 {
		t.Fatalf("expected frozen lot untouched and debt booked, got %#v", result)
	}

	if _, err := st.SetLotFrozenByExternalRef(ctx, "order-1", false); err != nil {
		t.Fatalf("thaw failed: %v", err)
	}
	lot, err := st.GetCreditLotByExternalRef(ctx, "order-1")
	if err != nil {
		t.Fatalf("GetCreditLotByExternalRef failed: %v", err)
	}
	if lot.Frozen || lot.RemainingSeconds != 100 {
		t.Fatalf("expected thawed lot with full balance, got %#v", lot)
	}
	ent, err = st.GetEntitlement(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetEntitlement after thaw failed: %v", err)
	}
	if ent.BalanceSeconds != 100 {
		t.Fatalf("expected balance restored to 100, got %d", ent.BalanceSeconds)
	}
}

func TestDrainActiveLotsForRollover(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	expiry := time.Now().Add(30 * 24 * time.Hour).UTC()
	if _, _, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID: "user-1", LotType: store.LotSubscription, Seconds: 200, ExternalRef: "cycle-1", ExpiresAt: &expiry,
	}); err != nil {
		t.Fatalf("grant subscription failed: %v", err)
	}
	if _, _, err := st.GrantCreditLot(ctx, store.GrantLotParams{
		UserID: "user-1", LotType: store.LotPack, Seconds: 100, ExternalRef: "order-1",
	}); err != nil {
		t.Fatalf("grant pack failed: %v", err)
	}
	if _, err := st.ConsumeCredit(ctx, "user-1", "job-1", 50); err != nil {
		t.Fatalf("ConsumeCredit failed: %v", err)
	}

	drained, err := st.DrainActiveLots(ctx, "user-1", store.LotSubscription, "cycle rollover")
	if err != nil {
		t.Fatalf("DrainActiveLots failed: %v", err)
	}
	if drained != 150 {
		t.Fatalf("expected 150 seconds drained, got %d", drained)
	}

	lots, err := st.ActiveCreditLots(ctx, "user-1", time.Now())
	if err != nil {
		t.Fatalf("ActiveCreditLots failed: %v", err)
	}
	if len(lots) != 1 || lots[0].LotType != store.LotPack {
		t.Fatalf("expected only the pack lot left, got %#v", lots)
	}
	ent, err := st.GetEntitlement(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetEntitlement failed: %v", err)
	}
	if ent.BalanceSeconds != 100 {
		t.Fatalf("expected balance 100 after drain, got %d", ent.BalanceSeconds)
	}
	totals, err := st.UsageTotals(ctx, "user-1", time.Time{})
	if err != nil {
		t.Fatalf("UsageTotals failed: %v", err)
	}
	if totals[store.UsageRollover] != 150 {
		t.Fatalf("expected rollover total 150, got %#v", totals)
	}

	drained, err = st.DrainActiveLots(ctx, "user-1", store.LotSubscription, "cycle rollover")
	if err != nil {
		t.Fatalf("second DrainActiveLots failed: %v", err)
	}
	if drained != 0 {
		t.Fatalf("expected nothing left to drain, got %d", drained)
	}
}

func TestTransitionOrderStatusCompareAndSet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if _, err := st.UpsertOrder(ctx, &store.Order{
		UserID:          "user-1",
		Provider:        "polar",
		ProviderOrderID: "order-1",
		PlanCode:        "pack_10h",
		Kind:            store.OrderPack,
		Status:          store.OrderPaid,
		AmountCents:     1500,
		SecondsGranted:  36000,
	}); err != nil {
		t.Fatalf("UpsertOrder failed: %v", err)
	}

	moved, err := st.TransitionOrderStatus(ctx, "polar", "order-1", store.OrderPaid, store.OrderRefundPending)
	if err != nil {
		t.Fatalf("TransitionOrderStatus failed: %v", err)
	}
	if !moved {
		t.Fatal("expected paid order to move to refund_pending")
	}

	moved, err = st.TransitionOrderStatus(ctx, "polar", "order-1", store.OrderPaid, store.OrderRefundPending)
	if err != nil {
		t.Fatalf("second TransitionOrderStatus failed: %v", err)
	}
	if moved {
		t.Fatal("expected stale transition to lose the compare-and-set")
	}

	applied, err := st.ApplyOrderRefund(ctx, "polar", "order-1", 900, store.OrderRefunded)
	if err != nil {
		t.Fatalf("ApplyOrderRefund failed: %v", err)
	}
	if !applied {
		t.Fatal("expected refund applied")
	}

	o, err := st.GetOrderByProviderRef(ctx, "polar", "order-1")
	if err != nil {
		t.Fatalf("GetOrderByProviderRef failed: %v", err)
	}
	if o.Status != store.OrderRefunded || o.RefundedCents != 900 {
		t.Fatalf("expected refunded order with 900 cents back, got %#v", o)
	}

	// Over-reported totals clamp to the amount paid, and lower redeliveries
	// never walk the value back.
	if _, err := st.ApplyOrderRefund(ctx, "polar", "order-1", 2000, store.OrderRefunded); err != nil {
		t.Fatalf("ApplyOrderRefund failed: %v", err)
	}
	o, err = st.GetOrderByProviderRef(ctx, "polar", "order-1")
	if err != nil {
		t.Fatalf("GetOrderByProviderRef failed: %v", err)
	}
	if o.RefundedCents != 1500 {
		t.Fatalf("expected refund clamped to 1500, got %d", o.RefundedCents)
	}
	if _, err := st.ApplyOrderRefund(ctx, "polar", "order-1", 900, store.OrderRefunded); err != nil {
		t.Fatalf("ApplyOrderRefund failed: %v", err)
	}
	o, err = st.GetOrderByProviderRef(ctx, "polar", "order-1")
	if err != nil {
		t.Fatalf("GetOrderByProviderRef failed: %v", err)
	}
	if o.RefundedCents != 1500 {
		t.Fatalf("expected refund to stay at 1500, got %d", o.RefundedCents)
	}
}
