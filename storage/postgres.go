package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobalert-notifier/pkg/notifier"
)

//go:embed schema.sql
var schemaSQL string

const alertColumns = `id, owner_id, title, keywords, location, job_type, experience_level,
	remote_only, salary_min, frequency, is_active, last_sent_at, created_at, updated_at`

const jobColumns = `id, title, description, location, company_name, job_type, experience_level,
	remote, salary_min, salary_max, status, created_at, updated_at`

// Postgres is the relational backend.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres creates and verifies a connection pool.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return pool, nil
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

// Migrate creates missing tables and indexes.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CreateAlert inserts a new alert.
func (p *Postgres) CreateAlert(ctx context.Context, a *notifier.Alert) error {
	return insertAlert(ctx, p.pool, a)
}

// CreateAlertWithin inserts a new alert unless its owner already has limit
// alerts. Concurrent creates for one owner are serialized by a transaction
// scoped advisory lock. A limit <= 0 disables the check.
func (p *Postgres) CreateAlertWithin(ctx context.Context, a *notifier.Alert, limit int) error {
	if limit <= 0 {
		return p.CreateAlert(ctx, a)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, a.OwnerID); err != nil {
			return fmt.Errorf("lock owner alerts: %w", err)
		}
		var n int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM job_alerts WHERE owner_id = $1`, a.OwnerID).Scan(&n); err != nil {
			return fmt.Errorf("count alerts: %w", err)
		}
		if n >= limit {
			return ErrLimit
		}
		return insertAlert(ctx, tx, a)
	})
}

func insertAlert(ctx context.Context, db execer, a *notifier.Alert) error {
	_, err := db.Exec(ctx,
		`INSERT INTO job_alerts (`+alertColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.OwnerID, a.Title, a.Keywords, nullString(a.Location),
		jobTypeArg(a.JobType), experienceArg(a.ExperienceLevel),
		a.RemoteOnly, a.SalaryMin, string(a.Frequency), a.IsActive, a.LastSentAt,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// Alert loads an alert by id.
func (p *Postgres) Alert(ctx context.Context, id string) (*notifier.Alert, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM job_alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select alert: %w", err)
	}
	return a, nil
}

// UpdateAlert writes the owner-editable columns. last_sent_at is never
// touched here.
func (p *Postgres) UpdateAlert(ctx context.Context, a *notifier.Alert) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE job_alerts
		 SET title = $3, keywords = $4, location = $5, job_type = $6, experience_level = $7,
		     remote_only = $8, salary_min = $9, frequency = $10, is_active = $11, updated_at = $12
		 WHERE id = $1 AND owner_id = $2`,
		a.ID, a.OwnerID, a.Title, a.Keywords, nullString(a.Location),
		jobTypeArg(a.JobType), experienceArg(a.ExperienceLevel),
		a.RemoteOnly, a.SalaryMin, string(a.Frequency), a.IsActive, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAlert removes an alert owned by ownerID; missing rows are not an error.
func (p *Postgres) DeleteAlert(ctx context.Context, id, ownerID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM job_alerts WHERE id = $1 AND owner_id = $2`, id, ownerID); err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	return nil
}

// ListAlerts returns ownerID's alerts, oldest first.
func (p *Postgres) ListAlerts(ctx context.Context, ownerID string) ([]*notifier.Alert, error) {
	return p.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM job_alerts WHERE owner_id = $1 ORDER BY created_at`,
		ownerID)
}

// ListActiveDue returns active alerts of frequency whose cadence window has
// elapsed at asOf. NULL is_active counts as active, matching the column default.
func (p *Postgres) ListActiveDue(ctx context.Context, frequency notifier.Frequency, asOf time.Time) ([]*notifier.Alert, error) {
	period := frequency.Period()
	if period == 0 {
		return nil, nil
	}
	return p.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM job_alerts
		 WHERE is_active IS NOT FALSE AND frequency = $1
		   AND (last_sent_at IS NULL OR last_sent_at <= $2)
		 ORDER BY last_sent_at NULLS FIRST, created_at`,
		string(frequency), asOf.Add(-period))
}

// ListActive returns every active alert of frequency.
func (p *Postgres) ListActive(ctx context.Context, frequency notifier.Frequency) ([]*notifier.Alert, error) {
	return p.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM job_alerts
		 WHERE is_active IS NOT FALSE AND frequency = $1
		 ORDER BY created_at`,
		string(frequency))
}

// AdvanceLastSent moves last_sent_at from expected to to in a single
// conditional update. ErrConflict means another writer got there first.
func (p *Postgres) AdvanceLastSent(ctx context.Context, alertID string, expected *time.Time, to time.Time) error {
	if expected != nil && to.Before(*expected) {
		return fmt.Errorf("last_sent_at cannot move backwards from %s to %s", expected.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE job_alerts SET last_sent_at = $3
		 WHERE id = $1 AND last_sent_at IS NOT DISTINCT FROM $2`,
		alertID, expected, to)
	if err != nil {
		return fmt.Errorf("advance last_sent_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// CandidateJobs returns active jobs created in (after, upTo], oldest first.
func (p *Postgres) CandidateJobs(ctx context.Context, after, upTo time.Time) ([]*notifier.Job, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'active' AND created_at > $1 AND created_at <= $2
		 ORDER BY created_at`,
		after, upTo)
	if err != nil {
		return nil, fmt.Errorf("candidate jobs query: %w", err)
	}
	defer rows.Close()

	jobs := make([]*notifier.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			// Skipping would let the caller's window move past this job.
			return nil, fmt.Errorf("scan candidate job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candidate jobs rows: %w", err)
	}
	return jobs, nil
}

// Job loads a job by id.
func (p *Postgres) Job(ctx context.Context, id string) (*notifier.Job, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return j, nil
}

// Profile loads a profile by id.
func (p *Postgres) Profile(ctx context.Context, id string) (*notifier.Profile, error) {
	var pr notifier.Profile
	err := p.pool.QueryRow(ctx,
		`SELECT id, email, full_name FROM profiles WHERE id = $1`, id,
	).Scan(&pr.ID, &pr.Email, &pr.FullName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select profile: %w", err)
	}
	return &pr, nil
}

// Preference loads ownerID's notification preference. A missing row, or a
// NULL email_job_alerts, returns nil so callers fail open.
func (p *Postgres) Preference(ctx context.Context, ownerID string) (*notifier.Preference, error) {
	var enabled *bool
	err := p.pool.QueryRow(ctx,
		`SELECT email_job_alerts FROM notification_preferences WHERE owner_id = $1`, ownerID,
	).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select preference: %w", err)
	}
	if enabled == nil {
		return nil, nil
	}
	return &notifier.Preference{OwnerID: ownerID, EmailJobAlerts: *enabled}, nil
}

// AppendEmailLog inserts an email log entry.
func (p *Postgres) AppendEmailLog(ctx context.Context, e *notifier.EmailLog) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO email_logs (id, alert_id, recipient, type, subject, status, message_id, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.AlertID, e.Recipient, e.Type, e.Subject, e.Status, e.MessageID, e.SentAt)
	if err != nil {
		return fmt.Errorf("insert email log: %w", err)
	}
	return nil
}

func (p *Postgres) queryAlerts(ctx context.Context, sql string, args ...any) ([]*notifier.Alert, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("alerts query: %w", err)
	}
	defer rows.Close()

	alerts := make([]*notifier.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			// Unknown enum values are skipped rather than passed through.
			p.logger.Warn("Skipping alert row", "error", err)
			continue
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("alerts rows: %w", err)
	}
	return alerts, nil
}

func scanAlert(row pgx.Row) (*notifier.Alert, error) {
	var (
		a                             notifier.Alert
		location, jobType, experience *string
		frequency                     string
		isActive                      *bool
	)
	if err := row.Scan(
		&a.ID, &a.OwnerID, &a.Title, &a.Keywords, &location, &jobType, &experience,
		&a.RemoteOnly, &a.SalaryMin, &frequency, &isActive, &a.LastSentAt,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}

	f, err := notifier.ParseFrequency(frequency)
	if err != nil {
		return nil, fmt.Errorf("alert %s: %w", a.ID, err)
	}
	a.Frequency = f
	a.IsActive = isActive == nil || *isActive
	if location != nil {
		a.Location = *location
	}
	if jobType != nil && *jobType != "" {
		jt, err := notifier.ParseJobType(*jobType)
		if err != nil {
			return nil, fmt.Errorf("alert %s: %w", a.ID, err)
		}
		a.JobType = &jt
	}
	if experience != nil && *experience != "" {
		el, err := notifier.ParseExperienceLevel(*experience)
		if err != nil {
			return nil, fmt.Errorf("alert %s: %w", a.ID, err)
		}
		a.ExperienceLevel = &el
	}
	return &a, nil
}

func scanJob(row pgx.Row) (*notifier.Job, error) {
	var (
		j                   notifier.Job
		jobType, experience *string
		status              string
	)
	if err := row.Scan(
		&j.ID, &j.Title, &j.Description, &j.Location, &j.CompanyName, &jobType, &experience,
		&j.Remote, &j.SalaryMin, &j.SalaryMax, &status, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}

	st, err := notifier.ParseJobStatus(status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.Status = st
	// Unparseable type or level leaves the field empty so equality filters fail.
	if jobType != nil {
		if jt, err := notifier.ParseJobType(*jobType); err == nil {
			j.JobType = jt
		}
	}
	if experience != nil {
		if el, err := notifier.ParseExperienceLevel(*experience); err == nil {
			j.ExperienceLevel = el
		}
	}
	return &j, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jobTypeArg(t *notifier.JobType) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}

func experienceArg(l *notifier.ExperienceLevel) *string {
	if l == nil {
		return nil
	}
	s := string(*l)
	return &s
}
