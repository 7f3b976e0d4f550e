package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const creditLotColumns = "id, user_id, lot_type, seconds, remaining_seconds, external_ref, frozen, expires_at, created_at"

// Consumption drains subscription lots before free-tier lots before packs,
// and within a class takes the soonest-expiring lot first. Lots without an
// expiry sort last so purchased packs are spent only after cycle credits.
const lotConsumptionOrder = `
    ORDER BY CASE lot_type WHEN 'subscription' THEN 0 WHEN 'free' THEN 1 ELSE 2 END,
        CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END,
        expires_at,
        created_at`

func scanCreditLot(scanner interface{ Scan(dest ...any) error }) (*CreditLot, error) {
	var (
		id         int64
		userID     string
		lotType    string
		seconds    int64
		remaining  int64
		ref        string
		frozen     int64
		expiresRaw sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(&id, &userID, &lotType, &seconds, &remaining, &ref, &frozen, &expiresRaw, &createdRaw); err != nil {
		return nil, err
	}
	lot := &CreditLot{
		ID:               id,
		UserID:           userID,
		LotType:          LotType(lotType),
		Seconds:          seconds,
		RemainingSeconds: remaining,
		ExternalRef:      ref,
		Frozen:           frozen != 0,
	}
	if expiresRaw.Valid {
		if expires, err := parseTimeString(expiresRaw.String); err == nil {
			lot.ExpiresAt = &expires
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		lot.CreatedAt = created
	}
	return lot, nil
}

// GrantLotParams describes a credit grant. ExternalRef ties the lot to its
// originating event (an order ID or a subscription cycle key) and makes
// repeated grants for the same event no-ops.
type GrantLotParams struct {
	UserID      string
	LotType     LotType
	Seconds     int64
	ExternalRef string
	ExpiresAt   *time.Time
	Note        string
}

// GrantCreditLot inserts a credit lot unless one already exists for the same
// external reference. Returns the stored lot and whether this call created
// it. Webhook redeliveries and replays land here as duplicates and grant
// nothing twice.
func (s *Store) GrantCreditLot(ctx context.Context, params GrantLotParams) (*CreditLot, bool, error) {
	if params.UserID == "" || params.ExternalRef == "" {
		return nil, false, errors.New("user id and external ref are required")
	}
	if params.Seconds <= 0 {
		return nil, false, errors.New("grant seconds must be positive")
	}

	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		row := tx.QueryRowContext(
			ctx,
			`INSERT INTO credit_lots (user_id, lot_type, seconds, remaining_seconds, external_ref, expires_at, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT (external_ref) DO NOTHING
             RETURNING id`,
			params.UserID,
			params.LotType,
			params.Seconds,
			params.Seconds,
			params.ExternalRef,
			nullableTime(params.ExpiresAt),
			now.Format(time.RFC3339Nano),
		)
		var lotID int64
		if err := row.Scan(&lotID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("insert credit lot: %w", err)
		}
		created = true
		if err := insertUsageEventTx(ctx, tx, UsageEvent{
			UserID:  params.UserID,
			LotID:   &lotID,
			Kind:    UsageGrant,
			Seconds: params.Seconds,
			Note:    params.Note,
		}, now); err != nil {
			return err
		}
		return refreshSnapshotTx(ctx, tx, params.UserID, now)
	})
	if err != nil {
		return nil, false, err
	}

	lot, err := s.GetCreditLotByExternalRef(ctx, params.ExternalRef)
	if err != nil {
		return nil, false, err
	}
	if lot == nil {
		return nil, false, errors.New("credit lot missing after grant")
	}
	return lot, created, nil
}

// GetCreditLotByExternalRef fetches a lot by its external reference.
func (s *Store) GetCreditLotByExternalRef(ctx context.Context, externalRef string) (*CreditLot, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+creditLotColumns+` FROM credit_lots WHERE external_ref = ?`,
		externalRef,
	)
	lot, err := scanCreditLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credit lot: %w", err)
	}
	return lot, nil
}

// ActiveCreditLots returns a user's consumable lots in consumption order.
func (s *Store) ActiveCreditLots(ctx context.Context, userID string, now time.Time) ([]*CreditLot, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+creditLotColumns+` FROM credit_lots
         WHERE user_id = ? AND remaining_seconds > 0 AND frozen = 0 AND (expires_at IS NULL OR expires_at > ?)`+lotConsumptionOrder,
		userID,
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("list active lots: %w", err)
	}
	defer rows.Close()

	var lots []*CreditLot
	for rows.Next() {
		lot, err := scanCreditLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// CreditLotsForUser returns all of a user's lots, newest first, including
// drained and expired ones.
func (s *Store) CreditLotsForUser(ctx context.Context, userID string) ([]*CreditLot, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+creditLotColumns+` FROM credit_lots WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list lots for user: %w", err)
	}
	defer rows.Close()

	var lots []*CreditLot
	for rows.Next() {
		lot, err := scanCreditLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// ConsumeCredit debits seconds from a user's lots in consumption order and
// books any uncovered remainder as debt. The caller decides whether debt is
// acceptable before running the job; this method records what actually
// happened. A zero-second debit still refreshes and returns the snapshot.
func (s *Store) ConsumeCredit(ctx context.Context, userID, jobID string, seconds int64) (*ConsumeResult, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if seconds < 0 {
		return nil, errors.New("seconds must not be negative")
	}

	var result *ConsumeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		debits, leftover, err := consumeFromLotsTx(ctx, tx, userID, jobID, seconds, UsageDebit, now)
		if err != nil {
			return err
		}
		if leftover > 0 {
			if err := ensureEntitlementTx(ctx, tx, userID, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE entitlements SET debt_seconds = debt_seconds + ?, updated_at = ? WHERE user_id = ?`,
				leftover,
				now.Format(time.RFC3339Nano),
				userID,
			); err != nil {
				return fmt.Errorf("add debt: %w", err)
			}
			if err := insertUsageEventTx(ctx, tx, UsageEvent{
				UserID:  userID,
				JobID:   jobID,
				Kind:    UsageDebt,
				Seconds: leftover,
			}, now); err != nil {
				return err
			}
		}
		if err := refreshSnapshotTx(ctx, tx, userID, now); err != nil {
			return err
		}
		debt, balance, err := snapshotTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		result = &ConsumeResult{
			Requested:      seconds,
			Debits:         debits,
			DebtAdded:      leftover,
			DebtSeconds:    debt,
			BalanceSeconds: balance,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("consume credit: %w", err)
	}
	return result, nil
}

// SettleDebt pays down a user's debt from whatever lots can cover it. Called
// after grants land so fresh credits clear debt before funding new jobs.
func (s *Store) SettleDebt(ctx context.Context, userID string) (*ConsumeResult, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	var result *ConsumeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		debt, _, err := snapshotTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		var debits []LotDebit
		if debt > 0 {
			var leftover int64
			debits, leftover, err = consumeFromLotsTx(ctx, tx, userID, "", debt, UsageDebtPayment, now)
			if err != nil {
				return err
			}
			if settled := debt - leftover; settled > 0 {
				if _, err := tx.ExecContext(
					ctx,
					`UPDATE entitlements SET debt_seconds = debt_seconds - ?, updated_at = ? WHERE user_id = ?`,
					settled,
					now.Format(time.RFC3339Nano),
					userID,
				); err != nil {
					return fmt.Errorf("reduce debt: %w", err)
				}
			}
		}
		if err := refreshSnapshotTx(ctx, tx, userID, now); err != nil {
			return err
		}
		debtAfter, balance, err := snapshotTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		result = &ConsumeResult{
			Requested:      debt,
			Debits:         debits,
			DebtSeconds:    debtAfter,
			BalanceSeconds: balance,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settle debt: %w", err)
	}
	return result, nil
}

// RevokeLotByExternalRef zeroes the remaining balance of a lot, recording the
// clawback in the usage ledger. Used when the provider reports a refund.
func (s *Store) RevokeLotByExternalRef(ctx context.Context, externalRef, note string) (int64, error) {
	var clawed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		row := tx.QueryRowContext(
			ctx,
			`SELECT id, user_id, remaining_seconds FROM credit_lots WHERE external_ref = ?`,
			externalRef,
		)
		var (
			lotID     int64
			userID    string
			remaining int64
		)
		if err := row.Scan(&lotID, &userID, &remaining); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("find lot: %w", err)
		}
		if remaining <= 0 {
			return nil
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE credit_lots SET remaining_seconds = 0, frozen = 0 WHERE id = ?`,
			lotID,
		); err != nil {
			return fmt.Errorf("zero lot: %w", err)
		}
		if err := insertUsageEventTx(ctx, tx, UsageEvent{
			UserID:  userID,
			LotID:   &lotID,
			Kind:    UsageRefund,
			Seconds: remaining,
			Note:    note,
		}, now); err != nil {
			return err
		}
		clawed = remaining
		return refreshSnapshotTx(ctx, tx, userID, now)
	})
	if err != nil {
		return 0, fmt.Errorf("revoke lot: %w", err)
	}
	return clawed, nil
}

// RefreshBalance recomputes the cached balance from live lots and returns
// the current debt and balance. Lots are the source of truth; the snapshot
// only exists so overview reads stay cheap.
func (s *Store) RefreshBalance(ctx context.Context, userID string) (debt, balance int64, err error) {
	txErr := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if err := refreshSnapshotTx(ctx, tx, userID, now); err != nil {
			return err
		}
		var snapErr error
		debt, balance, snapErr = snapshotTx(ctx, tx, userID)
		return snapErr
	})
	if txErr != nil {
		return 0, 0, fmt.Errorf("refresh balance: %w", txErr)
	}
	return debt, balance, nil
}

// SetLotFrozenByExternalRef freezes or thaws a lot. A frozen lot keeps its
// balance on record but is excluded from consumption and the snapshot until
// the pending refund is confirmed or abandoned. Returns whether a lot
// changed state.
func (s *Store) SetLotFrozenByExternalRef(ctx context.Context, externalRef string, frozen bool) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		changed = false
		now := time.Now().UTC()
		row := tx.QueryRowContext(
			ctx,
			`SELECT user_id FROM credit_lots WHERE external_ref = ?`,
			externalRef,
		)
		var userID string
		if err := row.Scan(&userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("find lot: %w", err)
		}
		res, err := tx.ExecContext(
			ctx,
			`UPDATE credit_lots SET frozen = ? WHERE external_ref = ? AND frozen != ?`,
			boolToInt(frozen),
			externalRef,
			boolToInt(frozen),
		)
		if err != nil {
			return fmt.Errorf("set frozen: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set frozen rows: %w", err)
		}
		if affected == 0 {
			return nil
		}
		changed = true
		return refreshSnapshotTx(ctx, tx, userID, now)
	})
	if err != nil {
		return false, fmt.Errorf("freeze lot: %w", err)
	}
	return changed, nil
}

// DrainActiveLots zeroes every consumable lot of the given type, booking one
// rollover event per touched lot. Returns the total seconds drained. Runs at
// a subscription cycle boundary, after the rollover amount has been read, so
// the old cycle's credits cannot double count against the new lot.
func (s *Store) DrainActiveLots(ctx context.Context, userID string, lotType LotType, note string) (int64, error) {
	var drained int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		drained = 0
		now := time.Now().UTC()
		rows, err := tx.QueryContext(
			ctx,
			`SELECT id, remaining_seconds FROM credit_lots
         WHERE user_id = ? AND lot_type = ? AND remaining_seconds > 0 AND frozen = 0 AND (expires_at IS NULL OR expires_at > ?)`,
			userID,
			lotType,
			now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("load lots: %w", err)
		}

		type drainTarget struct {
			id        int64
			remaining int64
		}
		var targets []drainTarget
		for rows.Next() {
			var target drainTarget
			if err := rows.Scan(&target.id, &target.remaining); err != nil {
				rows.Close()
				return err
			}
			targets = append(targets, target)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, target := range targets {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE credit_lots SET remaining_seconds = 0 WHERE id = ?`,
				target.id,
			); err != nil {
				return fmt.Errorf("drain lot %d: %w", target.id, err)
			}
			lotID := target.id
			if err := insertUsageEventTx(ctx, tx, UsageEvent{
				UserID:  userID,
				LotID:   &lotID,
				Kind:    UsageRollover,
				Seconds: target.remaining,
				Note:    note,
			}, now); err != nil {
				return err
			}
			drained += target.remaining
		}
		if len(targets) == 0 {
			return nil
		}
		return refreshSnapshotTx(ctx, tx, userID, now)
	})
	if err != nil {
		return 0, fmt.Errorf("drain lots: %w", err)
	}
	return drained, nil
}

// consumeFromLotsTx takes up to need seconds from the user's consumable lots
// in order, appending one usage event per touched lot. Returns the per-lot
// debits and the uncovered remainder.
func consumeFromLotsTx(ctx context.Context, tx *sql.Tx, userID, jobID string, need int64, kind UsageKind, now time.Time) ([]LotDebit, int64, error) {
	if need <= 0 {
		return nil, 0, nil
	}

	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, lot_type, remaining_seconds FROM credit_lots
         WHERE user_id = ? AND remaining_seconds > 0 AND frozen = 0 AND (expires_at IS NULL OR expires_at > ?)`+lotConsumptionOrder,
		userID,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("load lots: %w", err)
	}

	type lotSlice struct {
		id        int64
		lotType   LotType
		remaining int64
	}
	var lots []lotSlice
	for rows.Next() {
		var lot lotSlice
		var lotType string
		if err := rows.Scan(&lot.id, &lotType, &lot.remaining); err != nil {
			rows.Close()
			return nil, 0, err
		}
		lot.lotType = LotType(lotType)
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	rows.Close()

	var debits []LotDebit
	for _, lot := range lots {
		if need <= 0 {
			break
		}
		take := lot.remaining
		if take > need {
			take = need
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE credit_lots SET remaining_seconds = remaining_seconds - ? WHERE id = ?`,
			take,
			lot.id,
		); err != nil {
			return nil, 0, fmt.Errorf("debit lot %d: %w", lot.id, err)
		}
		lotID := lot.id
		if err := insertUsageEventTx(ctx, tx, UsageEvent{
			UserID:  userID,
			JobID:   jobID,
			LotID:   &lotID,
			Kind:    kind,
			Seconds: take,
		}, now); err != nil {
			return nil, 0, err
		}
		debits = append(debits, LotDebit{LotID: lot.id, LotType: lot.lotType, Seconds: take})
		need -= take
	}
	return debits, need, nil
}

func ensureEntitlementTx(ctx context.Context, tx *sql.Tx, userID string, now time.Time) error {
	if _, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO entitlements (user_id, debt_seconds, balance_seconds, updated_at) VALUES (?, 0, 0, ?)`,
		userID,
		now.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("ensure entitlement: %w", err)
	}
	return nil
}

// refreshSnapshotTx recomputes the cached balance from live lots. Debt is
// authoritative on the entitlements row and is left alone here.
func refreshSnapshotTx(ctx context.Context, tx *sql.Tx, userID string, now time.Time) error {
	var balance int64
	row := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(remaining_seconds), 0) FROM credit_lots
         WHERE user_id = ? AND remaining_seconds > 0 AND frozen = 0 AND (expires_at IS NULL OR expires_at > ?)`,
		userID,
		now.Format(time.RFC3339Nano),
	)
	if err := row.Scan(&balance); err != nil {
		return fmt.Errorf("sum lots: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO entitlements (user_id, debt_seconds, balance_seconds, updated_at) VALUES (?, 0, ?, ?)
         ON CONFLICT (user_id) DO UPDATE SET balance_seconds = excluded.balance_seconds, updated_at = excluded.updated_at`,
		userID,
		balance,
		now.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("refresh snapshot: %w", err)
	}
	return nil
}

func snapshotTx(ctx context.Context, tx *sql.Tx, userID string) (debt, balance int64, err error) {
	row := tx.QueryRowContext(
		ctx,
		`SELECT debt_seconds, balance_seconds FROM entitlements WHERE user_id = ?`,
		userID,
	)
	if err := row.Scan(&debt, &balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("read snapshot: %w", err)
	}
	return debt, balance, nil
}

func insertUsageEventTx(ctx context.Context, tx *sql.Tx, ev UsageEvent, now time.Time) error {
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO usage_events (user_id, job_id, lot_id, kind, seconds, note, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID,
		nullableString(ev.JobID),
		nullableInt64(ev.LotID),
		ev.Kind,
		ev.Seconds,
		nullableString(ev.Note),
		now.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}
