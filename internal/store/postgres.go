package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cloudexport/backend/internal/manifest"
	"github.com/cloudexport/backend/internal/pricing"
)

// PostgresStore implements Store on database/sql with the lib/pq driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                TEXT PRIMARY KEY,
	email             TEXT NOT NULL UNIQUE,
	api_key_hash      TEXT NOT NULL,
	api_key_hint      TEXT NOT NULL,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	is_admin          BOOLEAN NOT NULL DEFAULT FALSE,
	monthly_limit_usd DOUBLE PRECISION NOT NULL DEFAULT 200.0,
	per_job_max_usd   DOUBLE PRECISION NOT NULL DEFAULT 50.0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL REFERENCES users(id),
	status             TEXT NOT NULL DEFAULT 'CREATED',
	preset             TEXT NOT NULL,
	gpu_class          TEXT NOT NULL,
	manifest           JSONB NOT NULL,
	custom_options     JSONB,
	manifest_hash      TEXT NOT NULL,
	project_hash       TEXT NOT NULL,
	bundle_key         TEXT NOT NULL,
	bundle_sha256      TEXT NOT NULL,
	bundle_size_bytes  BIGINT NOT NULL,
	result_key         TEXT,
	output_name        TEXT NOT NULL,
	notification_email TEXT,
	cost_estimate_usd  DOUBLE PRECISION NOT NULL,
	cost_final_usd     DOUBLE PRECISION,
	eta_seconds        INTEGER NOT NULL,
	progress_percent   DOUBLE PRECISION NOT NULL DEFAULT 0,
	attempts           INTEGER NOT NULL DEFAULT 0,
	max_attempts       INTEGER NOT NULL DEFAULT 3,
	error_message      TEXT,
	cancel_requested   BOOLEAN NOT NULL DEFAULT FALSE,
	cache_hit          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at         TIMESTAMPTZ,
	finished_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS job_events (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	event_type TEXT NOT NULL,
	message    TEXT NOT NULL,
	data       JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, created_at);

CREATE TABLE IF NOT EXISTS usage (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	month      TEXT NOT NULL,
	cost_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
	minutes    DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, month)
);

CREATE TABLE IF NOT EXISTS cache_entries (
	id            TEXT PRIMARY KEY,
	manifest_hash TEXT NOT NULL,
	preset        TEXT NOT NULL,
	result_key    TEXT NOT NULL,
	output_name   TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (manifest_hash, preset)
);
`

// Init creates the schema if missing.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.MonthlyLimitUSD == 0 {
		u.MonthlyLimitUSD = 200.0
	}
	if u.PerJobMaxUSD == 0 {
		u.PerJobMaxUSD = 50.0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, api_key_hash, api_key_hint, is_active, is_admin, monthly_limit_usd, per_job_max_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Email, u.APIKeyHash, u.APIKeyHint, u.IsActive, u.IsAdmin, u.MonthlyLimitUSD, u.PerJobMaxUSD, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const userColumns = `id, email, api_key_hash, api_key_hint, is_active, is_admin, monthly_limit_usd, per_job_max_usd, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.APIKeyHash, &u.APIKeyHint, &u.IsActive, &u.IsAdmin, &u.MonthlyLimitUSD, &u.PerJobMaxUSD, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) UserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (s *PostgresStore) ActiveUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE is_active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UpdateUserKey(ctx context.Context, id, hash, hint string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET api_key_hash = $2, api_key_hint = $3 WHERE id = $1`, id, hash, hint)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const jobColumns = `id, user_id, status, preset, gpu_class, manifest, custom_options, manifest_hash, project_hash,
	bundle_key, bundle_sha256, bundle_size_bytes, result_key, output_name, notification_email,
	cost_estimate_usd, cost_final_usd, eta_seconds, progress_percent, attempts, max_attempts,
	error_message, cancel_requested, cache_hit, created_at, started_at, finished_at`

func (s *PostgresStore) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	manifestJSON, err := json.Marshal(j.Manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	var optionsJSON any
	if j.CustomOptions != nil {
		raw, err := json.Marshal(j.CustomOptions)
		if err != nil {
			return fmt.Errorf("marshal custom options: %w", err)
		}
		optionsJSON = raw
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, status, preset, gpu_class, manifest, custom_options, manifest_hash, project_hash,
			bundle_key, bundle_sha256, bundle_size_bytes, result_key, output_name, notification_email,
			cost_estimate_usd, cost_final_usd, eta_seconds, progress_percent, attempts, max_attempts,
			error_message, cancel_requested, cache_hit, created_at, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		j.ID, j.UserID, j.Status, j.Preset, j.GPUClass, manifestJSON, optionsJSON, j.ManifestHash, j.ProjectHash,
		j.BundleKey, j.BundleSHA256, j.BundleSizeBytes, nullStr(j.ResultKey), j.OutputName, nullStr(j.NotificationEmail),
		j.CostEstimateUSD, j.CostFinalUSD, j.ETASeconds, j.ProgressPercent, j.Attempts, j.MaxAttempts,
		nullStr(j.ErrorMessage), j.CancelRequested, j.CacheHit, j.CreatedAt, j.StartedAt, j.FinishedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j             Job
		manifestJSON  []byte
		optionsJSON   []byte
		resultKey     sql.NullString
		notifyEmail   sql.NullString
		errorMessage  sql.NullString
		costFinal     sql.NullFloat64
		startedAt     sql.NullTime
		finishedAt    sql.NullTime
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Status, &j.Preset, &j.GPUClass, &manifestJSON, &optionsJSON,
		&j.ManifestHash, &j.ProjectHash, &j.BundleKey, &j.BundleSHA256, &j.BundleSizeBytes,
		&resultKey, &j.OutputName, &notifyEmail, &j.CostEstimateUSD, &costFinal, &j.ETASeconds,
		&j.ProgressPercent, &j.Attempts, &j.MaxAttempts, &errorMessage, &j.CancelRequested, &j.CacheHit,
		&j.CreatedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	j.Manifest = m
	if len(optionsJSON) > 0 {
		var opts pricing.Options
		if err := json.Unmarshal(optionsJSON, &opts); err != nil {
			return nil, fmt.Errorf("unmarshal custom options: %w", err)
		}
		j.CustomOptions = &opts
	}
	j.ResultKey = resultKey.String
	j.NotificationEmail = notifyEmail.String
	j.ErrorMessage = errorMessage.String
	if costFinal.Valid {
		v := costFinal.Float64
		j.CostFinalUSD = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return &j, nil
}

func (s *PostgresStore) JobByID(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (s *PostgresStore) JobForUser(ctx context.Context, id, userID string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND user_id = $2`, id, userID))
}

func (s *PostgresStore) UpdateJob(ctx context.Context, j *Job) error {
	var optionsJSON any
	if j.CustomOptions != nil {
		raw, err := json.Marshal(j.CustomOptions)
		if err != nil {
			return fmt.Errorf("marshal custom options: %w", err)
		}
		optionsJSON = raw
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status=$2, progress_percent=$3, result_key=$4, output_name=$5, cost_final_usd=$6,
			error_message=$7, cancel_requested=$8, cache_hit=$9, attempts=$10, started_at=$11, finished_at=$12,
			custom_options=$13
		WHERE id = $1`,
		j.ID, j.Status, j.ProgressPercent, nullStr(j.ResultKey), j.OutputName, j.CostFinalUSD,
		nullStr(j.ErrorMessage), j.CancelRequested, j.CacheHit, j.Attempts, j.StartedAt, j.FinishedAt,
		optionsJSON)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecentJobs(ctx context.Context, userID string, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *JobEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var dataJSON any
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		dataJSON = raw
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (id, job_id, event_type, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.JobID, e.EventType, e.Message, dataJSON, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) EventsForJob(ctx context.Context, jobID string) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, event_type, message, data, created_at FROM job_events WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var (
			e        JobEvent
			dataJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.EventType, &e.Message, &dataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) UsageFor(ctx context.Context, userID, month string) (*Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, month, cost_usd, minutes, updated_at FROM usage WHERE user_id = $1 AND month = $2`,
		userID, month).Scan(&u.ID, &u.UserID, &u.Month, &u.CostUSD, &u.Minutes, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) AddUsage(ctx context.Context, userID, month string, costUSD, minutes float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (id, user_id, month, cost_usd, minutes, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, month)
		DO UPDATE SET cost_usd = usage.cost_usd + EXCLUDED.cost_usd,
			minutes = usage.minutes + EXCLUDED.minutes,
			updated_at = NOW()`,
		uuid.New().String(), userID, month, costUSD, minutes)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) CacheLookup(ctx context.Context, manifestHash, preset string) (*CacheEntry, error) {
	var e CacheEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, manifest_hash, preset, result_key, output_name, created_at
		 FROM cache_entries WHERE manifest_hash = $1 AND preset = $2`,
		manifestHash, preset).Scan(&e.ID, &e.ManifestHash, &e.Preset, &e.ResultKey, &e.OutputName, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertCacheEntry persists a (fingerprint, preset) result. Losing a racing
// insert is fine: the winner's entry is equivalent, so unique violations are
// swallowed.
func (s *PostgresStore) InsertCacheEntry(ctx context.Context, e *CacheEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (id, manifest_hash, preset, result_key, output_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.ManifestHash, e.Preset, e.ResultKey, e.OutputName, e.CreatedAt)
	if isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
