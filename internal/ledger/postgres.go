package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresLedger implements Ledger on a shared sql.DB. Every operation runs
// in one transaction holding a per-user advisory lock, so balance reads are
// consistent with the write and concurrent reservations for one user
// serialize instead of overselling.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS credit_ledger (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	entry_type  TEXT NOT NULL,
	status      TEXT NOT NULL,
	amount_usd  DOUBLE PRECISION NOT NULL,
	currency    TEXT NOT NULL DEFAULT 'USD',
	job_id      TEXT,
	external_id TEXT,
	details     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT uq_credit_ledger_external_id UNIQUE (external_id),
	CONSTRAINT uq_credit_ledger_job_entry UNIQUE (job_id, entry_type)
);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_user ON credit_ledger(user_id, created_at DESC);
`

func (l *PostgresLedger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// lockUser serializes ledger writes for one user within the transaction.
func lockUser(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID)
	return err
}

func balancesTx(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, userID string) (Balance, error) {
	var posted, reservedSum float64
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount_usd) FILTER (WHERE status = 'posted'), 0),
			COALESCE(SUM(amount_usd) FILTER (WHERE status = 'reserved'), 0)
		FROM credit_ledger WHERE user_id = $1`, userID).Scan(&posted, &reservedSum)
	if err != nil {
		return Balance{}, fmt.Errorf("ledger balances: %w", err)
	}
	return Balance{
		PostedUSD:    posted,
		ReservedUSD:  -reservedSum,
		AvailableUSD: posted + reservedSum,
	}, nil
}

func (l *PostgresLedger) Balances(ctx context.Context, userID string) (Balance, error) {
	return balancesTx(ctx, l.db, userID)
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Currency == "" {
		e.Currency = "USD"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var details any
	if e.Details != nil {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = raw
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, user_id, entry_type, status, amount_usd, currency, job_id, external_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.UserID, e.Type, e.Status, e.AmountUSD, e.Currency,
		nullStr(e.JobID), nullStr(e.ExternalID), details, e.CreatedAt)
	return err
}

func (l *PostgresLedger) Reserve(ctx context.Context, userID, jobID string, amountUSD float64) (Balance, error) {
	if amountUSD <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Balance{}, err
	}
	defer tx.Rollback()

	if err := lockUser(ctx, tx, userID); err != nil {
		return Balance{}, err
	}

	var existing int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credit_ledger WHERE user_id = $1 AND job_id = $2 AND entry_type = 'RESERVE'`,
		userID, jobID).Scan(&existing)
	if err != nil {
		return Balance{}, err
	}
	if existing > 0 {
		balance, err := balancesTx(ctx, tx, userID)
		if err != nil {
			return Balance{}, err
		}
		return balance, tx.Commit()
	}

	balance, err := balancesTx(ctx, tx, userID)
	if err != nil {
		return Balance{}, err
	}
	if balance.AvailableUSD < amountUSD {
		return Balance{}, ErrInsufficientCredit
	}

	entry := &Entry{
		UserID:    userID,
		Type:      TypeReserve,
		Status:    StatusReserved,
		AmountUSD: -amountUSD,
		JobID:     jobID,
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		if isUniqueViolation(err) {
			// raced with another reservation for the same job
			return balance, tx.Commit()
		}
		return Balance{}, fmt.Errorf("insert reservation: %w", err)
	}

	balance, err = balancesTx(ctx, tx, userID)
	if err != nil {
		return Balance{}, err
	}
	return balance, tx.Commit()
}

// reserveRow loads the job's RESERVE entry inside the transaction.
func reserveRow(ctx context.Context, tx *sql.Tx, jobID string) (*Entry, error) {
	var e Entry
	var external sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, status, amount_usd, external_id
		FROM credit_ledger WHERE job_id = $1 AND entry_type = 'RESERVE'
		FOR UPDATE`, jobID).Scan(&e.ID, &e.UserID, &e.Status, &e.AmountUSD, &external)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Type = TypeReserve
	e.JobID = jobID
	e.ExternalID = external.String
	return &e, nil
}

func (l *PostgresLedger) Settle(ctx context.Context, jobID string, actualCostUSD float64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	entry, err := reserveRow(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if entry == nil || entry.Status != StatusReserved {
		return tx.Commit()
	}
	if err := lockUser(ctx, tx, entry.UserID); err != nil {
		return err
	}

	reserved := -entry.AmountUSD
	balance, err := balancesTx(ctx, tx, entry.UserID)
	if err != nil {
		return err
	}
	plan := planSettlement(reserved, balance.AvailableUSD, actualCostUSD)

	var details any
	if plan.Shortfall > 0 {
		raw, err := json.Marshal(map[string]any{"reason": "insufficient_funds", "shortfall": plan.Shortfall})
		if err != nil {
			return err
		}
		details = raw
	}
	// The hold posts at its full size; the refund or overage entry carries
	// the difference, so the net posted change equals the charge.
	_, err = tx.ExecContext(ctx,
		`UPDATE credit_ledger SET status = 'posted', amount_usd = $2, details = COALESCE($3, details) WHERE id = $1`,
		entry.ID, -reserved, details)
	if err != nil {
		return fmt.Errorf("post reservation: %w", err)
	}

	if plan.Refund > 0 {
		err = insertEntry(ctx, tx, &Entry{
			UserID:    entry.UserID,
			Type:      TypeRefund,
			Status:    StatusPosted,
			AmountUSD: plan.Refund,
			JobID:     jobID,
			Details:   map[string]any{"reason": "unused_reservation"},
		})
	} else if plan.Overage > 0 {
		err = insertEntry(ctx, tx, &Entry{
			UserID:    entry.UserID,
			Type:      TypeSettlement,
			Status:    StatusPosted,
			AmountUSD: -plan.Overage,
			JobID:     jobID,
			Details:   map[string]any{"reason": "overage"},
		})
	}
	if err != nil {
		return fmt.Errorf("settlement entry: %w", err)
	}
	return tx.Commit()
}

func (l *PostgresLedger) Void(ctx context.Context, jobID, reason string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	entry, err := reserveRow(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if entry == nil || entry.Status != StatusReserved {
		return tx.Commit()
	}

	details, err := json.Marshal(map[string]any{"reason": reason})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE credit_ledger SET status = 'voided', details = $2 WHERE id = $1`, entry.ID, details)
	if err != nil {
		return fmt.Errorf("void reservation: %w", err)
	}
	return tx.Commit()
}

func (l *PostgresLedger) Purchase(ctx context.Context, userID string, amountUSD float64, externalID, source string) error {
	return l.postIdempotent(ctx, &Entry{
		UserID:     userID,
		Type:       TypePurchase,
		Status:     StatusPosted,
		AmountUSD:  amountUSD,
		ExternalID: externalID,
		Details:    map[string]any{"source": source},
	})
}

func (l *PostgresLedger) Adjust(ctx context.Context, userID string, amountUSD float64, reason, externalID string) error {
	return l.postIdempotent(ctx, &Entry{
		UserID:     userID,
		Type:       TypeAdjustment,
		Status:     StatusPosted,
		AmountUSD:  amountUSD,
		ExternalID: externalID,
		Details:    map[string]any{"reason": reason},
	})
}

func (l *PostgresLedger) postIdempotent(ctx context.Context, e *Entry) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := lockUser(ctx, tx, e.UserID); err != nil {
		return err
	}
	if e.ExternalID != "" {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM credit_ledger WHERE external_id = $1`, e.ExternalID).Scan(&count)
		if err != nil {
			return err
		}
		if count > 0 {
			return tx.Commit()
		}
	}
	if err := insertEntry(ctx, tx, e); err != nil {
		if isUniqueViolation(err) {
			// a retry landed first; the entry already exists
			return tx.Commit()
		}
		return fmt.Errorf("post entry: %w", err)
	}
	return tx.Commit()
}

func (l *PostgresLedger) RecentEntries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, entry_type, status, amount_usd, currency, job_id, external_id, details, created_at
		FROM credit_ledger WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (l *PostgresLedger) EntryByExternalID(ctx context.Context, externalID string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, user_id, entry_type, status, amount_usd, currency, job_id, external_id, details, created_at
		FROM credit_ledger WHERE external_id = $1`, externalID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var (
		e        Entry
		jobID    sql.NullString
		external sql.NullString
		details  []byte
	)
	err := row.Scan(&e.ID, &e.UserID, &e.Type, &e.Status, &e.AmountUSD, &e.Currency,
		&jobID, &external, &details, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.JobID = jobID.String
	e.ExternalID = external.String
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	return &e, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
