package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/beatsync/internal/models"
)

func openSQLite(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func stores(t *testing.T) map[string]JobStore {
	return map[string]JobStore{
		"memory": NewMemoryStore(),
		"sqlite": openSQLite(t),
	}
}

func newJob(jobType models.JobType) *models.SyncJob {
	return &models.SyncJob{
		ID:          uuid.New(),
		Type:        jobType,
		Status:      models.JobStatusQueued,
		CurrentStep: models.StepQueued,
		Input:       models.JobInput{AudioRef: "inputs/song.mp3"},
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob(models.JobTypeCreate)
			require.NoError(t, store.Save(ctx, job))
			assert.False(t, job.CreatedAt.IsZero())

			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, job.ID, got.ID)
			assert.Equal(t, models.JobStatusQueued, got.Status)
			assert.Equal(t, "inputs/song.mp3", got.Input.AudioRef)

			assert.ErrorIs(t, store.Save(ctx, job), ErrJobExists)

			_, err = store.Get(ctx, uuid.New())
			assert.ErrorIs(t, err, ErrJobNotFound)
		})
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob(models.JobTypeAnalyze)
			require.NoError(t, store.Save(ctx, job))

			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			got.CurrentStep = "mutated"

			again, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StepQueued, again.CurrentStep)
		})
	}
}

func TestStoreTransitions(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob(models.JobTypeCreate)
			require.NoError(t, store.Save(ctx, job))

			updated, err := store.UpdateStatus(ctx, job.ID, models.JobStatusProcessing)
			require.NoError(t, err)
			require.NotNil(t, updated.StartedAt)
			assert.Nil(t, updated.CompletedAt)

			updated, err = store.UpdateStatus(ctx, job.ID, models.JobStatusCompleted)
			require.NoError(t, err)
			require.NotNil(t, updated.CompletedAt)

			_, err = store.UpdateStatus(ctx, job.ID, models.JobStatusProcessing)
			assert.ErrorIs(t, err, ErrInvalidTransition)

			_, err = store.UpdateStatus(ctx, job.ID, models.JobStatusCancelled)
			assert.ErrorIs(t, err, ErrInvalidTransition)

			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusCompleted, got.Status)
		})
	}
}

func TestStoreProgressIsMonotonic(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob(models.JobTypeCreate)
			require.NoError(t, store.Save(ctx, job))

			_, err := store.Update(ctx, job.ID, func(j *models.SyncJob) error {
				j.Progress = 0.5
				return nil
			})
			require.NoError(t, err)

			updated, err := store.Update(ctx, job.ID, func(j *models.SyncJob) error {
				j.Progress = 0.2
				j.CurrentStep = models.StepRendering
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 0.5, updated.Progress)
			assert.Equal(t, models.StepRendering, updated.CurrentStep)
		})
	}
}

func TestStoreUpdateErrorLeavesRecord(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob(models.JobTypeCreate)
			require.NoError(t, store.Save(ctx, job))

			boom := errors.New("boom")
			_, err := store.Update(ctx, job.ID, func(j *models.SyncJob) error {
				j.CurrentStep = "half-written"
				return boom
			})
			assert.ErrorIs(t, err, boom)

			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StepQueued, got.CurrentStep)

			_, err = store.Update(ctx, uuid.New(), func(*models.SyncJob) error { return nil })
			assert.ErrorIs(t, err, ErrJobNotFound)
		})
	}
}

func TestStoreList(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

			var ids []uuid.UUID
			for i := 0; i < 5; i++ {
				jobType := models.JobTypeCreate
				if i%2 == 1 {
					jobType = models.JobTypeAnalyze
				}
				job := newJob(jobType)
				job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
				require.NoError(t, store.Save(ctx, job))
				ids = append(ids, job.ID)
			}
			_, err := store.UpdateStatus(ctx, ids[0], models.JobStatusCancelled)
			require.NoError(t, err)

			all, total, err := store.List(ctx, ListFilter{})
			require.NoError(t, err)
			assert.Equal(t, 5, total)
			require.Len(t, all, 5)
			assert.Equal(t, ids[4], all[0].ID, "newest first")
			assert.Equal(t, ids[0], all[4].ID)

			page, total, err := store.List(ctx, ListFilter{Limit: 2, Offset: 1})
			require.NoError(t, err)
			assert.Equal(t, 5, total)
			require.Len(t, page, 2)
			assert.Equal(t, ids[3], page[0].ID)
			assert.Equal(t, ids[2], page[1].ID)

			analyze, total, err := store.List(ctx, ListFilter{Type: models.JobTypeAnalyze})
			require.NoError(t, err)
			assert.Equal(t, 2, total)
			assert.Len(t, analyze, 2)

			cancelled, total, err := store.List(ctx, ListFilter{Status: models.JobStatusCancelled, Type: models.JobTypeCreate})
			require.NoError(t, err)
			assert.Equal(t, 1, total)
			require.Len(t, cancelled, 1)
			assert.Equal(t, ids[0], cancelled[0].ID)

			empty, total, err := store.List(ctx, ListFilter{Offset: 10})
			require.NoError(t, err)
			assert.Equal(t, 5, total)
			assert.Empty(t, empty)
		})
	}
}

func TestListFilterNormalize(t *testing.T) {
	f := ListFilter{Limit: 0, Offset: -3}.Normalize()
	assert.Equal(t, DefaultListLimit, f.Limit)
	assert.Equal(t, 0, f.Offset)

	f = ListFilter{Limit: 10000}.Normalize()
	assert.Equal(t, MaxListLimit, f.Limit)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "mysql://localhost/jobs")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	sqlite := &DB{driver: "sqlite"}
	assert.Equal(t, "SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?",
		sqlite.rebind("SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $10"))

	pg := &DB{driver: "postgres"}
	assert.Equal(t, "a = $1", pg.rebind("a = $1"))
}
