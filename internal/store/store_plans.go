package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const planColumns = "code, name, kind, provider, provider_product_id, price_cents, currency, seconds_granted, active"

func scanPlan(scanner interface{ Scan(dest ...any) error }) (*Plan, error) {
	var (
		code           string
		name           string
		kind           string
		provider       sql.NullString
		productID      sql.NullString
		priceCents     int64
		currency       sql.NullString
		secondsGranted int64
		active         int64
	)
	if err := scanner.Scan(&code, &name, &kind, &provider, &productID, &priceCents, &currency, &secondsGranted, &active); err != nil {
		return nil, err
	}
	return &Plan{
		Code:              code,
		Name:              name,
		Kind:              PlanKind(kind),
		Provider:          provider.String,
		ProviderProductID: productID.String,
		PriceCents:        priceCents,
		Currency:          currency.String,
		SecondsGranted:    secondsGranted,
		Active:            active != 0,
	}, nil
}

// SeedPlans upserts the plan catalog. Plans present in the database but not
// in the seed set are deactivated rather than deleted so old orders keep a
// valid plan code to point at.
func (s *Store) SeedPlans(ctx context.Context, plans []Plan) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE plans SET active = 0`); err != nil {
			return fmt.Errorf("deactivate plans: %w", err)
		}
		for _, plan := range plans {
			if plan.Code == "" {
				return errors.New("plan code is required")
			}
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO plans (code, name, kind, provider, provider_product_id, price_cents, currency, seconds_granted, active)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
                 ON CONFLICT (code) DO UPDATE SET
                     name = excluded.name,
                     kind = excluded.kind,
                     provider = excluded.provider,
                     provider_product_id = excluded.provider_product_id,
                     price_cents = excluded.price_cents,
                     currency = excluded.currency,
                     seconds_granted = excluded.seconds_granted,
                     active = 1`,
				plan.Code,
				plan.Name,
				plan.Kind,
				nullableString(plan.Provider),
				nullableString(plan.ProviderProductID),
				plan.PriceCents,
				nullableString(plan.Currency),
				plan.SecondsGranted,
			); err != nil {
				return fmt.Errorf("seed plan %s: %w", plan.Code, err)
			}
		}
		return nil
	})
}

// ListPlans returns active plans in catalog order.
func (s *Store) ListPlans(ctx context.Context) ([]*Plan, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+planColumns+` FROM plans WHERE active = 1 ORDER BY kind, price_cents`,
	)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// GetPlan fetches a plan by code, or nil when unknown.
func (s *Store) GetPlan(ctx context.Context, code string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE code = ?`, code)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return plan, nil
}

// GetPlanByProviderProduct resolves the plan a provider product maps to.
// Webhook payloads carry product identifiers, not plan codes.
func (s *Store) GetPlanByProviderProduct(ctx context.Context, provider, productID string) (*Plan, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+planColumns+` FROM plans WHERE provider = ? AND provider_product_id = ? AND active = 1`,
		provider,
		productID,
	)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan by product: %w", err)
	}
	return plan, nil
}
