package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/beatsync/internal/models"
)

// MemoryStore keeps jobs in process. Each write publishes a fresh
// immutable snapshot, so reads never take the writer lock.
type MemoryStore struct {
	writeMu sync.Mutex
	jobs    sync.Map // uuid.UUID -> *models.SyncJob (never mutated after Store)
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Save(ctx context.Context, job *models.SyncJob) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, exists := s.jobs.Load(job.ID); exists {
		return ErrJobExists
	}
	snapshot := job.Clone()
	now := s.now()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = now
	}
	snapshot.UpdatedAt = now
	s.jobs.Store(job.ID, snapshot)

	job.CreatedAt, job.UpdatedAt = snapshot.CreatedAt, snapshot.UpdatedAt
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	v, ok := s.jobs.Load(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	return v.(*models.SyncJob).Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, fn func(job *models.SyncJob) error) (*models.SyncJob, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	v, ok := s.jobs.Load(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	next := v.(*models.SyncJob).Clone()
	if err := applyUpdate(next, fn, s.now()); err != nil {
		return nil, err
	}
	s.jobs.Store(id, next)
	return next.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) (*models.SyncJob, error) {
	return s.Update(ctx, id, setStatus(status))
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*models.SyncJob, int, error) {
	filter = filter.Normalize()

	var matched []*models.SyncJob
	s.jobs.Range(func(_, v interface{}) bool {
		job := v.(*models.SyncJob)
		if filter.Status != "" && job.Status != filter.Status {
			return true
		}
		if filter.Type != "" && job.Type != filter.Type {
			return true
		}
		matched = append(matched, job)
		return true
	})

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := len(matched)
	if filter.Offset >= total {
		return []*models.SyncJob{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}

	page := make([]*models.SyncJob, 0, end-filter.Offset)
	for _, job := range matched[filter.Offset:end] {
		page = append(page, job.Clone())
	}
	return page, total, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
