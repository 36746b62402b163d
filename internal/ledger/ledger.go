// Package ledger keeps the append-only double-entry credit record. Balances
// are aggregates over entries: posted is the signed sum of posted entries,
// reserved is the magnitude of in-flight reservations, and available is
// posted minus reserved. Reservations are negative entries in status
// "reserved" that settlement converts in place to posted charges.
package ledger

import (
	"context"
	"errors"
	"math"
	"time"
)

type EntryType string

const (
	TypePurchase   EntryType = "PURCHASE"
	TypeAdjustment EntryType = "ADJUSTMENT"
	TypeReserve    EntryType = "RESERVE"
	TypeRefund     EntryType = "REFUND"
	TypeSettlement EntryType = "SETTLEMENT"
)

type EntryStatus string

const (
	StatusPosted   EntryStatus = "posted"
	StatusReserved EntryStatus = "reserved"
	StatusVoided   EntryStatus = "voided"
)

type Entry struct {
	ID         string
	UserID     string
	Type       EntryType
	Status     EntryStatus
	AmountUSD  float64
	Currency   string
	JobID      string
	ExternalID string
	Details    map[string]any
	CreatedAt  time.Time
}

type Balance struct {
	PostedUSD    float64
	ReservedUSD  float64
	AvailableUSD float64
}

var (
	// ErrInsufficientCredit means available balance cannot cover a reservation.
	ErrInsufficientCredit = errors.New("insufficient credits")
	// ErrInvalidAmount means a reservation amount was not positive.
	ErrInvalidAmount = errors.New("reservation amount must be positive")
)

type Ledger interface {
	// Reserve earmarks amountUSD for a job. Idempotent per (job, RESERVE):
	// a repeat call returns current balances unchanged.
	Reserve(ctx context.Context, userID, jobID string, amountUSD float64) (Balance, error)
	// Settle converts the job's reservation into a posted charge clamped to
	// what the user can cover, emitting a refund or overage entry as needed.
	// No-op when the reservation is absent or already resolved.
	Settle(ctx context.Context, jobID string, actualCostUSD float64) error
	// Void releases the job's reservation. No-op when absent or resolved.
	Void(ctx context.Context, jobID, reason string) error
	// Purchase posts credits, idempotent by externalID.
	Purchase(ctx context.Context, userID string, amountUSD float64, externalID, source string) error
	// Adjust posts a signed manual correction, idempotent by externalID when set.
	Adjust(ctx context.Context, userID string, amountUSD float64, reason, externalID string) error

	Balances(ctx context.Context, userID string) (Balance, error)
	RecentEntries(ctx context.Context, userID string, limit int) ([]Entry, error)
	// EntryByExternalID returns ErrNotFound when no entry carries the id.
	EntryByExternalID(ctx context.Context, externalID string) (*Entry, error)
}

// ErrNotFound is returned by EntryByExternalID for unknown ids.
var ErrNotFound = errors.New("ledger entry not found")

// settlementPlan is the pure arithmetic shared by the Postgres and memory
// implementations. reserved is the magnitude of the reservation; available
// is the balance while the reservation is still held.
// The hold posts at its full size; Refund or Overage carries the difference
// so the net posted change equals Charge.
type settlementPlan struct {
	Charge    float64 // net amount debited from posted balance
	Shortfall float64 // >0 when actual exceeded what the user could cover
	Refund    float64 // >0 emits a REFUND entry
	Overage   float64 // >0 emits a SETTLEMENT entry
}

func planSettlement(reserved, available, actual float64) settlementPlan {
	maxCharge := math.Max(0, available+reserved)
	charge := math.Min(math.Max(actual, 0), maxCharge)

	plan := settlementPlan{Charge: charge}
	if actual > maxCharge {
		plan.Shortfall = math.Round((actual-maxCharge)*100) / 100
	}
	if charge < reserved {
		plan.Refund = reserved - charge
	} else if charge > reserved {
		plan.Overage = charge - reserved
	}
	return plan
}
