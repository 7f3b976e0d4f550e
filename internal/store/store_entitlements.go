package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const entitlementColumns = "user_id, plan_code, subscription_id, subscription_status, provider_customer_id, current_period_start, current_period_end, debt_seconds, balance_seconds, updated_at"

func scanEntitlement(scanner interface{ Scan(dest ...any) error }) (*Entitlement, error) {
	var (
		userID         string
		planCode       sql.NullString
		subscriptionID sql.NullString
		subscriptionSt sql.NullString
		customerID     sql.NullString
		periodStartRaw sql.NullString
		periodEndRaw   sql.NullString
		debtSeconds    int64
		balanceSeconds int64
		updatedRaw     string
	)
	if err := scanner.Scan(&userID, &planCode, &subscriptionID, &subscriptionSt, &customerID, &periodStartRaw, &periodEndRaw, &debtSeconds, &balanceSeconds, &updatedRaw); err != nil {
		return nil, err
	}
	e := &Entitlement{
		UserID:             userID,
		PlanCode:           planCode.String,
		SubscriptionID:     subscriptionID.String,
		SubscriptionStatus: subscriptionSt.String,
		ProviderCustomerID: customerID.String,
		DebtSeconds:        debtSeconds,
		BalanceSeconds:     balanceSeconds,
	}
	if periodStartRaw.Valid {
		if start, err := parseTimeString(periodStartRaw.String); err == nil {
			e.CurrentPeriodStart = &start
		}
	}
	if periodEndRaw.Valid {
		if end, err := parseTimeString(periodEndRaw.String); err == nil {
			e.CurrentPeriodEnd = &end
		}
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		e.UpdatedAt = updated
	}
	return e, nil
}

// GetEntitlement fetches a user's billing row, or nil when the user has
// never been granted anything.
func (s *Store) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = ?`,
		userID,
	)
	e, err := scanEntitlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	return e, nil
}

// SubscriptionState carries the provider-reported subscription fields
// mirrored onto the entitlements row.
type SubscriptionState struct {
	UserID             string
	PlanCode           string
	SubscriptionID     string
	SubscriptionStatus string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

// UpsertSubscriptionState mirrors the provider's view of a subscription onto
// the user's entitlement row, preserving debt and balance.
func (s *Store) UpsertSubscriptionState(ctx context.Context, state SubscriptionState) error {
	if state.UserID == "" {
		return errors.New("user id is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.execWithoutResultRetry(
		ctx,
		`INSERT INTO entitlements (user_id, plan_code, subscription_id, subscription_status, current_period_start, current_period_end, debt_seconds, balance_seconds, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
         ON CONFLICT (user_id) DO UPDATE SET
             plan_code = excluded.plan_code,
             subscription_id = excluded.subscription_id,
             subscription_status = excluded.subscription_status,
             current_period_start = excluded.current_period_start,
             current_period_end = excluded.current_period_end,
             updated_at = excluded.updated_at`,
		state.UserID,
		nullableString(state.PlanCode),
		nullableString(state.SubscriptionID),
		nullableString(state.SubscriptionStatus),
		nullableTime(state.CurrentPeriodStart),
		nullableTime(state.CurrentPeriodEnd),
		now,
	); err != nil {
		return fmt.Errorf("upsert subscription state: %w", err)
	}
	return nil
}

// UpsertCustomerRef records the payment provider's customer identifier for a
// user. Portal sessions need it; subscription mirroring leaves it alone.
func (s *Store) UpsertCustomerRef(ctx context.Context, userID, providerCustomerID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.execWithoutResultRetry(
		ctx,
		`INSERT INTO entitlements (user_id, provider_customer_id, debt_seconds, balance_seconds, updated_at)
         VALUES (?, ?, 0, 0, ?)
         ON CONFLICT (user_id) DO UPDATE SET
             provider_customer_id = excluded.provider_customer_id,
             updated_at = excluded.updated_at`,
		userID,
		nullableString(providerCustomerID),
		now,
	); err != nil {
		return fmt.Errorf("upsert customer ref: %w", err)
	}
	return nil
}
