package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"queryprocessor/internal/jobserr"
	"queryprocessor/internal/models"
)

// Store wraps pgxpool for Postgres persistence of the job table and its
// supporting audit log.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, jobserr.New(jobserr.DBConnect, "connect postgres", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnqueueParams collects inputs required to insert a job in status pending.
type EnqueueParams struct {
	UserID         string
	DBCredentials  models.DBCredentials
	QueryText      string
	ExportType     string
	ExportLocation string
	ExportFilename string
	SSHTarget      string
}

// Enqueue inserts a new job row in status pending.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if p.QueryText == "" {
		return models.Job{}, jobserr.New(jobserr.Validation, "query_text must not be empty", nil)
	}
	if !models.ValidExportType(p.ExportType) {
		return models.Job{}, jobserr.New(jobserr.Validation, fmt.Sprintf("unsupported export_type %q", p.ExportType), nil)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO queries (
			id, user_id, db_username, db_password, db_tns, db_kind,
			query_text, status, export_location, export_type, export_filename,
			ssh_hostname, process_generation, created_at, updated_at, result_metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, 'pending', $8, $9, $10,
			$11, '', $12, $12, '{}'::jsonb
		)
	`, id, p.UserID, p.DBCredentials.Username, p.DBCredentials.Password, p.DBCredentials.TNS, p.DBCredentials.Kind,
		p.QueryText, p.ExportLocation, p.ExportType, p.ExportFilename,
		p.SSHTarget, now)
	if err != nil {
		return models.Job{}, jobserr.New(jobserr.DBExecute, "insert query row", err)
	}

	return s.Get(ctx, id)
}

// ClaimableCandidates returns up to limit jobs in status, ordered
// created_at then id — the tie-break the dispatcher's admission loop
// relies on as its single source of ordering. status must be "pending" or
// "queued"; the dispatcher decides admission per candidate itself (against
// the in-process slot manager or gate) rather than pushing that decision
// into SQL, since both are per-process, in-memory state.
func (s *Store) ClaimableCandidates(ctx context.Context, status string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM queries
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, jobserr.New(jobserr.DBExecute, "list claimable candidates", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, jobserr.New(jobserr.DBExecute, "scan candidate row", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// PromoteToQueued atomically moves a set of pending rows the dispatcher has
// already admitted (per-user slot acquired) into queued.
func (s *Store) PromoteToQueued(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE queries SET status = 'queued', updated_at = NOW()
		WHERE id = ANY($1) AND status = 'pending'
	`, ids)
	if err != nil {
		return jobserr.New(jobserr.DBExecute, "promote to queued", err)
	}
	return nil
}

// ClaimByID transitions one queued row to running, stamping started_at and
// the caller's process generation. It returns (nil, nil) if the row was no
// longer queued (already claimed elsewhere) — not an error, since the
// dispatcher already reserved a gate permit against the optimistic read
// from ClaimableCandidates and must release it on a nil result.
func (s *Store) ClaimByID(ctx context.Context, id, processGen string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queries
		SET status = 'running', started_at = NOW(), updated_at = NOW(), process_generation = $2
		WHERE id = $1 AND status = 'queued'
		RETURNING `+jobColumns, id, processGen)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, jobserr.New(jobserr.DBExecute, "claim job by id", err)
	}
	return &job, nil
}

// legalNext enumerates the allowed forward edges of the job status DAG.
// Anything not listed here (besides the mark_rerun reset, which is handled
// separately) is rejected.
var legalNext = map[string]map[string]bool{
	models.StatusPending:      {models.StatusQueued: true},
	models.StatusQueued:       {models.StatusRunning: true},
	models.StatusRunning:      {models.StatusTransferring: true, models.StatusCompleted: true, models.StatusFailed: true},
	models.StatusTransferring: {models.StatusCompleted: true, models.StatusFailed: true},
}

// TransitionParams carries the optional fields a transition may set.
type TransitionParams struct {
	ErrorMessage *string
	Result       *models.ResultMetadata
}

// Transition moves job id to newStatus, validating the edge against the
// status DAG, bumping updated_at, and — on first entry to a terminal status —
// stamping completed_at.
func (s *Store) Transition(ctx context.Context, id, newStatus string, p TransitionParams) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !legalNext[current.Status][newStatus] {
		return jobserr.New(jobserr.Validation, fmt.Sprintf("illegal transition %s -> %s", current.Status, newStatus), nil)
	}

	var resultJSON []byte
	if p.Result != nil {
		resultJSON, err = json.Marshal(p.Result)
		if err != nil {
			return jobserr.New(jobserr.Internal, "marshal result_metadata", err)
		}
	}

	completedAt := interface{}(nil)
	if models.Terminal(newStatus) {
		completedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE queries
		SET status = $2,
		    error_message = $3,
		    result_metadata = COALESCE($4::jsonb, result_metadata),
		    completed_at = COALESCE($5::timestamptz, completed_at),
		    updated_at = NOW()
		WHERE id = $1
	`, id, newStatus, p.ErrorMessage, nullIfEmpty(resultJSON), completedAt)
	if err != nil {
		return jobserr.New(jobserr.DBExecute, "transition job status", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM queries WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, jobserr.New(jobserr.Validation, "job not found", err)
	}
	if err != nil {
		return models.Job{}, jobserr.New(jobserr.DBExecute, "scan job", err)
	}
	return job, nil
}

// ListFilter narrows List to jobs in one of Statuses (all statuses if empty).
type ListFilter struct {
	Statuses []string
}

// List returns a user's jobs, newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, userID string, filter ListFilter) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM queries
		WHERE user_id = $1 AND ($2::text[] IS NULL OR status::text = ANY($2::text[]))
		ORDER BY created_at DESC, id DESC
	`, userID, statusFilterArg(filter.Statuses))
	if err != nil {
		return nil, jobserr.New(jobserr.DBExecute, "list jobs", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, jobserr.New(jobserr.DBExecute, "scan job row", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Delete removes a job row outright. Callers are responsible for checking
// that the job is not currently claimed by a live worker.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queries WHERE id = $1`, id)
	if err != nil {
		return jobserr.New(jobserr.DBExecute, "delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return jobserr.New(jobserr.Validation, "job not found", nil)
	}
	return nil
}

// MarkRerun resets a terminal job back to pending, clearing its execution
// history so the dispatcher picks it up again. Non-terminal jobs are
// rejected: a job cannot be rerun while a generation is already working it.
func (s *Store) MarkRerun(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !models.Terminal(job.Status) {
		return jobserr.New(jobserr.Validation, fmt.Sprintf("cannot rerun job in status %s", job.Status), nil)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE queries
		SET status = 'pending',
		    error_message = NULL,
		    result_metadata = '{}'::jsonb,
		    started_at = NULL,
		    completed_at = NULL,
		    process_generation = '',
		    updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return jobserr.New(jobserr.DBExecute, "reset job for rerun", err)
	}
	return nil
}

// ReclaimStale moves rows stuck in queued, running, or transferring back to
// pending when they've gone stale — either updated_at is older than
// olderThan, or the row's process_generation no longer matches currentGen
// (the process that claimed it is gone). It records one audit_logs entry per
// reclaimed row and is idempotent: a second call with the same arguments
// reclaims nothing further, because a just-reset row is back in pending.
func (s *Store) ReclaimStale(ctx context.Context, currentGen string, olderThan time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE queries
		SET status = 'pending',
		    started_at = NULL,
		    completed_at = NULL,
		    result_metadata = '{}'::jsonb,
		    process_generation = '',
		    updated_at = NOW()
		WHERE status IN ('queued', 'running', 'transferring')
		  AND (updated_at < NOW() - $1::interval OR process_generation <> $2)
		RETURNING id
	`, olderThan, currentGen)
	if err != nil {
		return nil, jobserr.New(jobserr.DBExecute, "reclaim stale jobs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, jobserr.New(jobserr.DBExecute, "scan reclaimed id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, jobserr.New(jobserr.DBExecute, "iterate reclaimed rows", err)
	}

	for _, id := range ids {
		if err := s.AppendAudit(ctx, id, "reclaimed_stale", "reset to pending by recovery sweep"); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// StatusCounts reports how many jobs are currently in each non-terminal
// status, for the boundary status API and telemetry gauges.
type StatusCounts struct {
	Pending      int64
	Queued       int64
	Running      int64
	Transferring int64
}

// CurrentCounts aggregates job counts by status across all users.
func (s *Store) CurrentCounts(ctx context.Context) (StatusCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM queries
		WHERE status IN ('pending', 'queued', 'running', 'transferring')
		GROUP BY status
	`)
	if err != nil {
		return StatusCounts{}, jobserr.New(jobserr.DBExecute, "aggregate status counts", err)
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, jobserr.New(jobserr.DBExecute, "scan status count", err)
		}
		switch status {
		case models.StatusPending:
			counts.Pending = n
		case models.StatusQueued:
			counts.Queued = n
		case models.StatusRunning:
			counts.Running = n
		case models.StatusTransferring:
			counts.Transferring = n
		}
	}
	return counts, rows.Err()
}

// AppendAudit records a free-form audit trail entry for a job.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return jobserr.New(jobserr.DBExecute, "append audit log", err)
	}
	return nil
}

// GetUserSettings reads a user's admission and default-transfer settings.
// Callers fall back to global config defaults when a user has no row.
func (s *Store) GetUserSettings(ctx context.Context, userID string) (models.UserSettings, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, export_location, export_type, max_parallel_queries,
		       ssh_hostname, ssh_port, ssh_username, ssh_password, ssh_key, ssh_key_passphrase
		FROM user_settings WHERE user_id = $1
	`, userID)

	var u models.UserSettings
	err := row.Scan(
		&u.UserID, &u.DefaultExportLoc, &u.DefaultExportType, &u.MaxParallelQueries,
		&u.SSH.Host, &u.SSH.Port, &u.SSH.Username, &u.SSH.Password, &u.SSH.PrivateKey, &u.SSH.KeyPassphrase,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UserSettings{}, false, nil
	}
	if err != nil {
		return models.UserSettings{}, false, jobserr.New(jobserr.DBExecute, "get user settings", err)
	}
	return u, true, nil
}

const jobColumns = `
	id, user_id, db_username, db_password, db_tns, db_kind,
	query_text, status, export_location, export_type, export_filename,
	ssh_hostname, process_generation, error_message, result_metadata,
	created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var errMsg pgtype.Text
	var resultJSON []byte
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &job.UserID, &job.DBCredentials.Username, &job.DBCredentials.Password, &job.DBCredentials.TNS, &job.DBCredentials.Kind,
		&job.QueryText, &job.Status, &job.ExportLocation, &job.ExportType, &job.ExportFilename,
		&job.SSHTarget, &job.ProcessGen, &errMsg, &resultJSON,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return models.Job{}, err
	}

	job.ErrorMessage = textPtr(errMsg)
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.ResultMetadata); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result_metadata: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func nullIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func statusFilterArg(statuses []string) any {
	if len(statuses) == 0 {
		return nil
	}
	return statuses
}
