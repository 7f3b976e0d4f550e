package store

import "time"

// LotType partitions credit lots by how they were granted. Consumption
// drains subscription lots first, then free-tier lots, then packs.
type LotType string

const (
	LotSubscription LotType = "subscription"
	LotFree         LotType = "free"
	LotPack         LotType = "pack"
)

// CreditLot is a grant of transcription seconds. Lots are append-only;
// consumption decrements remaining_seconds and never mutates the grant size.
// A frozen lot is excluded from consumption and the balance snapshot while a
// refund on it is pending.
type CreditLot struct {
	ID               int64
	UserID           string
	LotType          LotType
	Seconds          int64
	RemainingSeconds int64
	ExternalRef      string
	Frozen           bool
	ExpiresAt        *time.Time
	CreatedAt        time.Time
}

// Expired reports whether the lot can no longer be consumed at the given time.
func (l CreditLot) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// Entitlement is the per-user billing row: subscription state mirrored from
// the payment provider plus the debt and balance snapshot.
type Entitlement struct {
	UserID             string
	PlanCode           string
	SubscriptionID     string
	SubscriptionStatus string
	ProviderCustomerID string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	DebtSeconds        int64
	BalanceSeconds     int64
	UpdatedAt          time.Time
}

// SubscriptionActive reports whether the mirrored provider state grants cycles.
func (e Entitlement) SubscriptionActive() bool {
	switch e.SubscriptionStatus {
	case "active", "trialing":
		return true
	default:
		return false
	}
}

// OrderKind distinguishes recurring subscription orders from one-time packs.
type OrderKind string

const (
	OrderSubscription OrderKind = "subscription"
	OrderPack         OrderKind = "pack"
)

// OrderStatus tracks the provider-reported payment lifecycle.
type OrderStatus string

const (
	OrderPending       OrderStatus = "pending"
	OrderPaid          OrderStatus = "paid"
	OrderRefundPending OrderStatus = "refund_pending"
	OrderRefunded      OrderStatus = "refunded"
	OrderFailed        OrderStatus = "failed"
)

// Order records a purchase reported by the payment provider.
type Order struct {
	ID              int64
	UserID          string
	Provider        string
	ProviderOrderID string
	PlanCode        string
	Kind            OrderKind
	Status          OrderStatus
	AmountCents     int64
	Currency        string
	RefundedCents   int64
	SecondsGranted  int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WebhookStatus tracks the processing lifecycle of a received webhook event.
type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "pending"
	WebhookProcessing WebhookStatus = "processing"
	WebhookProcessed  WebhookStatus = "processed"
	WebhookFailed     WebhookStatus = "failed"
)

// WebhookEvent is the durable ledger entry for a provider webhook delivery.
// The UNIQUE (provider, event_id) constraint makes redeliveries no-ops.
type WebhookEvent struct {
	ID          int64
	Provider    string
	EventID     string
	EventType   string
	Payload     string
	Status      WebhookStatus
	Attempts    int
	StartedAt   *time.Time
	ProcessedAt *time.Time
	LastError   string
	CreatedAt   time.Time
}

// PlanKind distinguishes recurring plans from one-time credit packs.
type PlanKind string

const (
	PlanSubscription PlanKind = "subscription"
	PlanPack         PlanKind = "pack"
	PlanFreeTier     PlanKind = "free"
)

// Plan describes a purchasable product and the seconds it grants.
type Plan struct {
	Code              string
	Name              string
	Kind              PlanKind
	Provider          string
	ProviderProductID string
	PriceCents        int64
	Currency          string
	SecondsGranted    int64
	Active            bool
}

// UsageKind labels entries in the usage ledger.
type UsageKind string

const (
	UsageDebit       UsageKind = "debit"
	UsageDebt        UsageKind = "debt"
	UsageDebtPayment UsageKind = "debt_payment"
	UsageGrant       UsageKind = "grant"
	UsageRefund      UsageKind = "refund"
	UsageRollover    UsageKind = "rollover"
)

// UsageEvent is one entry in the append-only usage ledger.
type UsageEvent struct {
	ID        int64
	UserID    string
	JobID     string
	LotID     *int64
	Kind      UsageKind
	Seconds   int64
	Note      string
	CreatedAt time.Time
}

// LotDebit describes seconds taken from a single lot during consumption.
type LotDebit struct {
	LotID   int64
	LotType LotType
	Seconds int64
}

// ConsumeResult reports how a debit was satisfied across lots and debt.
type ConsumeResult struct {
	Requested      int64
	Debits         []LotDebit
	DebtAdded      int64
	DebtSeconds    int64
	BalanceSeconds int64
}

// Consumed returns the portion of the request covered by lots.
func (r ConsumeResult) Consumed() int64 {
	var total int64
	for _, d := range r.Debits {
		total += d.Seconds
	}
	return total
}
