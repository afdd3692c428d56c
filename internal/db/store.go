package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/beatsync/internal/models"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Default and maximum page sizes for List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status models.JobStatus
	Type   models.JobType
	Limit  int
	Offset int
}

// Normalize clamps the page to sane bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// JobStore persists SyncJob records. Implementations return copies: a job
// handed out by the store never aliases the stored record.
type JobStore interface {
	Save(ctx context.Context, job *models.SyncJob) error
	Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error)
	// Update applies fn to the current record atomically. Status changes
	// made by fn must be legal transitions; progress never decreases.
	Update(ctx context.Context, id uuid.UUID, fn func(job *models.SyncJob) error) (*models.SyncJob, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) (*models.SyncJob, error)
	List(ctx context.Context, filter ListFilter) ([]*models.SyncJob, int, error)
	Close() error
}

// applyUpdate runs fn against job and enforces the invariants every store
// shares. before is the job's state prior to fn.
func applyUpdate(job *models.SyncJob, fn func(*models.SyncJob) error, now time.Time) error {
	before := job.Status
	progress := job.Progress

	if err := fn(job); err != nil {
		return err
	}

	if job.Status != before {
		if !models.CanTransition(before, job.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before, job.Status)
		}
		stampStatus(job, now)
	}
	if job.Progress < progress {
		job.Progress = progress
	}
	job.UpdatedAt = now
	return nil
}

func stampStatus(job *models.SyncJob, now time.Time) {
	switch {
	case job.Status == models.JobStatusProcessing && job.StartedAt == nil:
		job.StartedAt = &now
	case job.Status.IsTerminal() && job.CompletedAt == nil:
		job.CompletedAt = &now
	}
}

func setStatus(status models.JobStatus) func(*models.SyncJob) error {
	return func(job *models.SyncJob) error {
		job.Status = status
		return nil
	}
}
