package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const orderColumns = "id, user_id, provider, provider_order_id, plan_code, kind, status, amount_cents, currency, refunded_cents, seconds_granted, created_at, updated_at"

func scanOrder(scanner interface{ Scan(dest ...any) error }) (*Order, error) {
	var (
		id              int64
		userID          string
		provider        string
		providerOrderID string
		planCode        string
		kind            string
		status          string
		amountCents     int64
		currency        sql.NullString
		refundedCents   int64
		secondsGranted  int64
		createdRaw      string
		updatedRaw      string
	)
	if err := scanner.Scan(&id, &userID, &provider, &providerOrderID, &planCode, &kind, &status, &amountCents, &currency, &refundedCents, &secondsGranted, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	o := &Order{
		ID:              id,
		UserID:          userID,
		Provider:        provider,
		ProviderOrderID: providerOrderID,
		PlanCode:        planCode,
		Kind:            OrderKind(kind),
		Status:          OrderStatus(status),
		AmountCents:     amountCents,
		Currency:        currency.String,
		RefundedCents:   refundedCents,
		SecondsGranted:  secondsGranted,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		o.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		o.UpdatedAt = updated
	}
	return o, nil
}

// UpsertOrder records a provider-reported purchase, updating the mutable
// fields when the same order arrives again with a newer state. Refund states
// are sticky: a replayed payment event cannot reopen an order whose refund
// is pending or done.
func (s *Store) UpsertOrder(ctx context.Context, o *Order) (*Order, error) {
	if o == nil {
		return nil, errors.New("order is nil")
	}
	if o.UserID == "" || o.Provider == "" || o.ProviderOrderID == "" {
		return nil, errors.New("user id, provider, and provider order id are required")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.execWithoutResultRetry(
		ctx,
		`INSERT INTO orders (user_id, provider, provider_order_id, plan_code, kind, status, amount_cents, currency, seconds_granted, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (provider, provider_order_id) DO UPDATE SET
             status = excluded.status,
             amount_cents = excluded.amount_cents,
             currency = excluded.currency,
             seconds_granted = excluded.seconds_granted,
             updated_at = excluded.updated_at
         WHERE orders.status NOT IN ('`+string(OrderRefundPending)+`', '`+string(OrderRefunded)+`')`,
		o.UserID,
		o.Provider,
		o.ProviderOrderID,
		o.PlanCode,
		o.Kind,
		o.Status,
		o.AmountCents,
		nullableString(o.Currency),
		o.SecondsGranted,
		now,
		now,
	); err != nil {
		return nil, fmt.Errorf("upsert order: %w", err)
	}
	return s.GetOrderByProviderRef(ctx, o.Provider, o.ProviderOrderID)
}

// GetOrderByProviderRef fetches an order by its provider identifiers.
func (s *Store) GetOrderByProviderRef(ctx context.Context, provider, providerOrderID string) (*Order, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+orderColumns+` FROM orders WHERE provider = ? AND provider_order_id = ?`,
		provider,
		providerOrderID,
	)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// UpdateOrderStatus transitions an order's payment status.
func (s *Store) UpdateOrderStatus(ctx context.Context, provider, providerOrderID string, status OrderStatus) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE provider = ? AND provider_order_id = ?`,
		status,
		time.Now().UTC().Format(time.RFC3339Nano),
		provider,
		providerOrderID,
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// TransitionOrderStatus moves an order from one status to another only when
// it is still in the expected state. Concurrent webhook deliveries and user
// refund requests race on the same order; the loser of the compare-and-set
// sees false and leaves the winner's transition alone.
func (s *Store) TransitionOrderStatus(ctx context.Context, provider, providerOrderID string, from, to OrderStatus) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE provider = ? AND provider_order_id = ? AND status = ?`,
		to,
		time.Now().UTC().Format(time.RFC3339Nano),
		provider,
		providerOrderID,
		from,
	)
	if err != nil {
		return false, fmt.Errorf("transition order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ApplyOrderRefund records the provider-reported refunded amount and the
// resulting status. The amount is absolute, not a delta, and is clamped
// between the amount already recorded and the amount paid, so redelivered
// or out-of-order refund webhooks settle on the same value.
func (s *Store) ApplyOrderRefund(ctx context.Context, provider, providerOrderID string, refundedCents int64, status OrderStatus) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE orders
         SET refunded_cents = MIN(MAX(refunded_cents, ?), amount_cents), status = ?, updated_at = ?
         WHERE provider = ? AND provider_order_id = ?`,
		refundedCents,
		status,
		time.Now().UTC().Format(time.RFC3339Nano),
		provider,
		providerOrderID,
	)
	if err != nil {
		return false, fmt.Errorf("apply order refund: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListOrdersForUser returns a user's orders, newest first.
func (s *Store) ListOrdersForUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
