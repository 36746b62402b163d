package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger implements Ledger in process. A single mutex gives it the
// serialized per-user semantics the Postgres implementation gets from its
// advisory lock, which makes it a faithful double for concurrency tests.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []*Entry
}

func NewMemory() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) balancesLocked(userID string) Balance {
	var posted, reservedSum float64
	for _, e := range l.entries {
		if e.UserID != userID {
			continue
		}
		switch e.Status {
		case StatusPosted:
			posted += e.AmountUSD
		case StatusReserved:
			reservedSum += e.AmountUSD
		}
	}
	return Balance{
		PostedUSD:    posted,
		ReservedUSD:  -reservedSum,
		AvailableUSD: posted + reservedSum,
	}
}

func (l *MemoryLedger) reserveLocked(jobID string) *Entry {
	for _, e := range l.entries {
		if e.JobID == jobID && e.Type == TypeReserve {
			return e
		}
	}
	return nil
}

func (l *MemoryLedger) appendLocked(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Currency == "" {
		e.Currency = "USD"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	l.entries = append(l.entries, e)
}

func (l *MemoryLedger) Reserve(ctx context.Context, userID, jobID string, amountUSD float64) (Balance, error) {
	if amountUSD <= 0 {
		return Balance{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.reserveLocked(jobID) != nil {
		return l.balancesLocked(userID), nil
	}
	balance := l.balancesLocked(userID)
	if balance.AvailableUSD < amountUSD {
		return Balance{}, ErrInsufficientCredit
	}
	l.appendLocked(&Entry{
		UserID:    userID,
		Type:      TypeReserve,
		Status:    StatusReserved,
		AmountUSD: -amountUSD,
		JobID:     jobID,
	})
	return l.balancesLocked(userID), nil
}

func (l *MemoryLedger) Settle(ctx context.Context, jobID string, actualCostUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.reserveLocked(jobID)
	if entry == nil || entry.Status != StatusReserved {
		return nil
	}

	reserved := -entry.AmountUSD
	balance := l.balancesLocked(entry.UserID)
	plan := planSettlement(reserved, balance.AvailableUSD, actualCostUSD)

	// The hold posts at its full size; the refund or overage entry carries
	// the difference, so the net posted change equals the charge.
	entry.Status = StatusPosted
	entry.AmountUSD = -reserved
	if plan.Shortfall > 0 {
		entry.Details = map[string]any{"reason": "insufficient_funds", "shortfall": plan.Shortfall}
	}

	if plan.Refund > 0 {
		l.appendLocked(&Entry{
			UserID:    entry.UserID,
			Type:      TypeRefund,
			Status:    StatusPosted,
			AmountUSD: plan.Refund,
			JobID:     jobID,
			Details:   map[string]any{"reason": "unused_reservation"},
		})
	} else if plan.Overage > 0 {
		l.appendLocked(&Entry{
			UserID:    entry.UserID,
			Type:      TypeSettlement,
			Status:    StatusPosted,
			AmountUSD: -plan.Overage,
			JobID:     jobID,
			Details:   map[string]any{"reason": "overage"},
		})
	}
	return nil
}

func (l *MemoryLedger) Void(ctx context.Context, jobID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.reserveLocked(jobID)
	if entry == nil || entry.Status != StatusReserved {
		return nil
	}
	entry.Status = StatusVoided
	entry.Details = map[string]any{"reason": reason}
	return nil
}

func (l *MemoryLedger) Purchase(ctx context.Context, userID string, amountUSD float64, externalID, source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if externalID != "" && l.byExternalLocked(externalID) != nil {
		return nil
	}
	l.appendLocked(&Entry{
		UserID:     userID,
		Type:       TypePurchase,
		Status:     StatusPosted,
		AmountUSD:  amountUSD,
		ExternalID: externalID,
		Details:    map[string]any{"source": source},
	})
	return nil
}

func (l *MemoryLedger) Adjust(ctx context.Context, userID string, amountUSD float64, reason, externalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if externalID != "" && l.byExternalLocked(externalID) != nil {
		return nil
	}
	l.appendLocked(&Entry{
		UserID:     userID,
		Type:       TypeAdjustment,
		Status:     StatusPosted,
		AmountUSD:  amountUSD,
		ExternalID: externalID,
		Details:    map[string]any{"reason": reason},
	})
	return nil
}

func (l *MemoryLedger) Balances(ctx context.Context, userID string) (Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balancesLocked(userID), nil
}

func (l *MemoryLedger) RecentEntries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []Entry
	for i := len(l.entries) - 1; i >= 0 && len(entries) < limit; i-- {
		if l.entries[i].UserID == userID {
			entries = append(entries, *l.entries[i])
		}
	}
	return entries, nil
}

func (l *MemoryLedger) EntryByExternalID(ctx context.Context, externalID string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e := l.byExternalLocked(externalID); e != nil {
		clone := *e
		return &clone, nil
	}
	return nil, ErrNotFound
}

func (l *MemoryLedger) byExternalLocked(externalID string) *Entry {
	for _, e := range l.entries {
		if e.ExternalID == externalID && e.ExternalID != "" {
			return e
		}
	}
	return nil
}

// EntriesForJob lists the entries attached to a job, oldest first. Used by
// tests to assert the at-most-one-reserve and settlement invariants.
func (l *MemoryLedger) EntriesForJob(jobID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []Entry
	for _, e := range l.entries {
		if e.JobID == jobID {
			entries = append(entries, *e)
		}
	}
	return entries
}
