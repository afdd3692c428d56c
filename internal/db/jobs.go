package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bobarin/beatsync/internal/models"
)

func (db *DB) Save(ctx context.Context, job *models.SyncJob) error {
	now := db.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	doc, err := job.Value()
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	query := db.rebind(`
		INSERT INTO sync_jobs (id, type, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	_, err = db.ExecContext(ctx, query,
		job.ID.String(), string(job.Type), string(job.Status), doc,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrJobExists
		}
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (db *DB) Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	query := db.rebind(`SELECT document FROM sync_jobs WHERE id = $1`)

	job := &models.SyncJob{}
	err := db.QueryRowContext(ctx, query, id.String()).Scan(job)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (db *DB) Update(ctx context.Context, id uuid.UUID, fn func(job *models.SyncJob) error) (*models.SyncJob, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := `SELECT document FROM sync_jobs WHERE id = $1`
	if db.driver == "postgres" {
		selectQuery += ` FOR UPDATE`
	}

	job := &models.SyncJob{}
	err = tx.QueryRowContext(ctx, db.rebind(selectQuery), id.String()).Scan(job)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	if err := applyUpdate(job, fn, db.now()); err != nil {
		return nil, err
	}

	doc, err := job.Value()
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}

	updateQuery := db.rebind(`
		UPDATE sync_jobs
		SET status = $1, document = $2, updated_at = $3
		WHERE id = $4
	`)
	if _, err := tx.ExecContext(ctx, updateQuery, string(job.Status), doc, job.UpdatedAt.UnixNano(), id.String()); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}
	return job, nil
}

func (db *DB) UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) (*models.SyncJob, error) {
	return db.Update(ctx, id, setStatus(status))
}

func (db *DB) List(ctx context.Context, filter ListFilter) ([]*models.SyncJob, int, error) {
	filter = filter.Normalize()

	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.QueryRowContext(ctx, db.rebind(`SELECT COUNT(*) FROM sync_jobs`+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	pageArgs := append(append([]interface{}{}, args...), filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT document FROM sync_jobs%s ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`,
		clause, len(args)+1, len(args)+2)

	rows, err := db.QueryContext(ctx, db.rebind(query), pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.SyncJob{}
	for rows.Next() {
		job := &models.SyncJob{}
		if err := rows.Scan(job); err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, total, nil
}

func isUniqueViolation(err error) bool {
	var msg string
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg = e.Error()
	}
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
