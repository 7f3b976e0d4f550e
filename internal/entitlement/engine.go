package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fathom/internal/config"
	"fathom/internal/logging"
	"fathom/internal/services"
	"fathom/internal/store"
)

// ErrBillingBlocked marks admission refusals. The API layer maps it to a
// payment-required response; the pipeline treats it as a clean permanent
// stop, not a fault.
var ErrBillingBlocked = services.ErrBillingBlocked

const freeTierPeriodDays = 30

// Engine applies the credit policy on top of the store's lot ledger.
type Engine struct {
	cfg    *config.Config
	store  *store.Store
	logger *slog.Logger
}

// New constructs an entitlement engine.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  st,
		logger: logging.NewComponentLogger(logger, "entitlement"),
	}
}

// Overview is the user-facing credit summary.
type Overview struct {
	PlanCode              string
	PlanName              string
	SubscriptionActive    bool
	SubscriptionRemaining int64
	FreeRemaining         int64
	PackRemaining         int64
	TotalRemaining        int64
	PackExpiresAt         *time.Time
	DebtSeconds           int64
	DebtCapSeconds        int64
	Blocked               bool
}

// Overview summarizes a user's credit position. The current free-tier lot is
// granted on first touch of a period, so a brand-new user sees a balance
// here before ever paying.
func (e *Engine) Overview(ctx context.Context, userID string) (*Overview, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	now := time.Now().UTC()
	if err := e.ensureFreeTier(ctx, userID, now); err != nil {
		return nil, err
	}
	debt, _, err := e.store.RefreshBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	lots, err := e.store.ActiveCreditLots(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	ov := &Overview{
		PlanName:       "Free",
		DebtSeconds:    debt,
		DebtCapSeconds: e.cfg.Billing.DebtCapSeconds,
	}
	for _, lot := range lots {
		switch lot.LotType {
		case store.LotSubscription:
			ov.SubscriptionRemaining += lot.RemainingSeconds
		case store.LotFree:
			ov.FreeRemaining += lot.RemainingSeconds
		case store.LotPack:
			ov.PackRemaining += lot.RemainingSeconds
			if lot.ExpiresAt != nil && (ov.PackExpiresAt == nil || lot.ExpiresAt.Before(*ov.PackExpiresAt)) {
				expiry := *lot.ExpiresAt
				ov.PackExpiresAt = &expiry
			}
		}
	}
	ov.TotalRemaining = ov.SubscriptionRemaining + ov.FreeRemaining + ov.PackRemaining

	ent, err := e.store.GetEntitlement(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		ov.PlanCode = ent.PlanCode
		ov.SubscriptionActive = ent.SubscriptionActive()
		if ent.PlanCode != "" {
			plan, err := e.store.GetPlan(ctx, ent.PlanCode)
			if err != nil {
				return nil, err
			}
			if plan != nil {
				ov.PlanName = plan.Name
			}
		}
	}
	ov.Blocked = e.overCap(ov.DebtSeconds)
	return ov, nil
}

// Admit decides whether a job with the given projected duration may run.
// Refusal happens before any provider spend: callers probe the media
// duration first and bring it here.
func (e *Engine) Admit(ctx context.Context, userID string, projectedSeconds int64) error {
	ov, err := e.Overview(ctx, userID)
	if err != nil {
		return err
	}
	if ov.Blocked {
		return services.Wrap(
			services.ErrBillingBlocked,
			"entitlement",
			"admit",
			fmt.Sprintf("Debt of %ds has reached the %ds spending cap", ov.DebtSeconds, ov.DebtCapSeconds),
			nil,
		)
	}
	shortfall := projectedSeconds - ov.TotalRemaining
	if shortfall < 0 {
		shortfall = 0
	}
	if limit := e.cfg.Billing.DebtCapSeconds; limit > 0 && ov.DebtSeconds+shortfall >= limit {
		return services.Wrap(
			services.ErrBillingBlocked,
			"entitlement",
			"admit",
			fmt.Sprintf("Projected debt of %ds would reach the %ds spending cap", ov.DebtSeconds+shortfall, limit),
			nil,
		)
	}
	return nil
}

// RecordUsage debits the seconds a job actually consumed. Any remainder the
// lots cannot cover is booked as debt rather than failing the finished job.
func (e *Engine) RecordUsage(ctx context.Context, userID, jobID string, seconds int64) (*store.ConsumeResult, error) {
	result, err := e.store.ConsumeCredit(ctx, userID, jobID, seconds)
	if err != nil {
		return nil, err
	}
	if result.DebtAdded > 0 {
		e.logger.Warn("usage exceeded available credit",
			logging.String(logging.FieldUserID, userID),
			logging.String(logging.FieldJobID, jobID),
			logging.Int64("requested_seconds", seconds),
			logging.Int64("debt_added", result.DebtAdded),
			logging.Int64("debt_seconds", result.DebtSeconds))
		return result, nil
	}
	e.logger.Info("recorded usage",
		logging.String(logging.FieldUserID, userID),
		logging.String(logging.FieldJobID, jobID),
		logging.Int64("seconds", seconds),
		logging.Int64("balance_seconds", result.BalanceSeconds))
	return result, nil
}

// GrantPackLot credits a paid pack purchase. Keyed by the provider order so
// webhook redeliveries grant once; debt is serviced from the fresh credit
// either way.
func (e *Engine) GrantPackLot(ctx context.Context, userID, orderRef string, seconds int64, note string) (*store.CreditLot, bool, error) {
	var expires *time.Time
	if days := e.cfg.Billing.PackExpiryDays; days > 0 {
		t := time.Now().UTC().AddDate(0, 0, days)
		expires = &t
	}
	lot, created, err := e.store.GrantCreditLot(ctx, store.GrantLotParams{
		UserID:      userID,
		LotType:     store.LotPack,
		Seconds:     seconds,
		ExternalRef: orderRef,
		ExpiresAt:   expires,
		Note:        note,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		e.logger.Info("granted pack lot",
			logging.String(logging.FieldUserID, userID),
			logging.String("external_ref", orderRef),
			logging.Int64("seconds", seconds))
	}
	if _, err := e.PayDownDebt(ctx, userID); err != nil {
		return nil, false, err
	}
	return lot, created, nil
}

// GrantSubscriptionCycle opens a billing cycle: unspent seconds from the old
// cycle roll into the new lot up to rolloverCapSeconds, the old cycle lots
// drain, and the new lot carries quota plus rollover until the period ends.
// Keyed by subscription and period start so provider replays grant once.
func (e *Engine) GrantSubscriptionCycle(ctx context.Context, userID, subscriptionID string, periodStart, periodEnd time.Time, quotaSeconds, rolloverCapSeconds int64) (*store.CreditLot, bool, error) {
	if subscriptionID == "" {
		return nil, false, errors.New("subscription id is required")
	}
	ref := cycleRef(subscriptionID, periodStart)
	existing, err := e.store.GetCreditLotByExternalRef(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()
	lots, err := e.store.ActiveCreditLots(ctx, userID, now)
	if err != nil {
		return nil, false, err
	}
	var unspent int64
	for _, lot := range lots {
		if lot.LotType == store.LotSubscription {
			unspent += lot.RemainingSeconds
		}
	}
	rollover := unspent
	if rollover > rolloverCapSeconds {
		rollover = rolloverCapSeconds
	}
	if rollover < 0 {
		rollover = 0
	}
	if unspent > 0 {
		if _, err := e.store.DrainActiveLots(ctx, userID, store.LotSubscription, "rolled into "+ref); err != nil {
			return nil, false, err
		}
	}

	end := periodEnd.UTC()
	lot, created, err := e.store.GrantCreditLot(ctx, store.GrantLotParams{
		UserID:      userID,
		LotType:     store.LotSubscription,
		Seconds:     quotaSeconds + rollover,
		ExternalRef: ref,
		ExpiresAt:   &end,
		Note:        "subscription cycle",
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		e.logger.Info("granted subscription cycle",
			logging.String(logging.FieldUserID, userID),
			logging.String("subscription_id", subscriptionID),
			logging.Int64("quota_seconds", quotaSeconds),
			logging.Int64("rollover_seconds", rollover))
	}
	if _, err := e.PayDownDebt(ctx, userID); err != nil {
		return nil, false, err
	}
	return lot, created, nil
}

// PayDownDebt services existing debt from whatever credit is on hand.
func (e *Engine) PayDownDebt(ctx context.Context, userID string) (*store.ConsumeResult, error) {
	result, err := e.store.SettleDebt(ctx, userID)
	if err != nil {
		return nil, err
	}
	if settled := result.Consumed(); settled > 0 {
		e.logger.Info("paid down debt",
			logging.String(logging.FieldUserID, userID),
			logging.Int64("settled_seconds", settled),
			logging.Int64("debt_seconds", result.DebtSeconds))
	}
	return result, nil
}

// RefreshSnapshot recomputes the stored balance from live lots. Lots always
// win; the snapshot only keeps overview reads cheap.
func (e *Engine) RefreshSnapshot(ctx context.Context, userID string) error {
	_, _, err := e.store.RefreshBalance(ctx, userID)
	return err
}

func (e *Engine) overCap(debt int64) bool {
	limit := e.cfg.Billing.DebtCapSeconds
	return limit > 0 && debt >= limit
}

func (e *Engine) ensureFreeTier(ctx context.Context, userID string, now time.Time) error {
	seconds := e.cfg.Billing.FreeTierSeconds
	if seconds <= 0 {
		return nil
	}
	start, end := freeTierPeriod(now)
	_, created, err := e.store.GrantCreditLot(ctx, store.GrantLotParams{
		UserID:      userID,
		LotType:     store.LotFree,
		Seconds:     seconds,
		ExternalRef: freeTierRef(userID, start),
		ExpiresAt:   &end,
		Note:        "free tier",
	})
	if err != nil {
		return fmt.Errorf("grant free tier: %w", err)
	}
	if created {
		e.logger.Debug("granted free tier lot",
			logging.String(logging.FieldUserID, userID),
			logging.Int64("seconds", seconds),
			logging.String("period_start", start.Format("2006-01-02")))
	}
	return nil
}

// freeTierPeriod returns the bounds of the 30-day free-tier window covering
// now. Windows align to fixed epoch boundaries so the grant key is
// reproducible across restarts and hosts.
func freeTierPeriod(now time.Time) (start, end time.Time) {
	day := now.UTC().Unix() / 86400
	startDay := day - day%freeTierPeriodDays
	start = time.Unix(startDay*86400, 0).UTC()
	return start, start.AddDate(0, 0, freeTierPeriodDays)
}

func freeTierRef(userID string, periodStart time.Time) string {
	return "internal_free:" + userID + ":" + periodStart.Format("2006-01-02")
}

func cycleRef(subscriptionID string, periodStart time.Time) string {
	return subscriptionID + ":" + periodStart.UTC().Format(time.RFC3339)
}
