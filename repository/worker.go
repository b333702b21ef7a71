package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dataforall/training-backend/models"
)

// ActiveWorker returns the most recently created non-terminated persistent
// worker, or ErrNotFound when none exists. Terminated rows are audit records
// and never surface here.
func (r *Repository) ActiveWorker(ctx context.Context) (*models.PersistentWorker, error) {
	var worker models.PersistentWorker
	err := r.db.WithContext(ctx).
		Where("status != ?", models.WorkerTerminated).
		Order("created_at DESC").
		First(&worker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

// CreateWorker persists a new persistent worker record.
func (r *Repository) CreateWorker(ctx context.Context, worker *models.PersistentWorker) error {
	if worker.ID == uuid.Nil {
		worker.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(worker).Error
}

// DeleteWorker removes a stale worker record so a fresh one can be started.
func (r *Repository) DeleteWorker(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.PersistentWorker{}).Error
}

// UpdateWorkerStatus sets the worker's lifecycle status.
func (r *Repository) UpdateWorkerStatus(ctx context.Context, id uuid.UUID, status models.WorkerStatus) error {
	return r.db.WithContext(ctx).Model(&models.PersistentWorker{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		}).Error
}

// TouchWorker records a poll-in: stamps last_seen_at and promotes a starting
// or offline worker back to online. Busy workers stay busy.
func (r *Repository) TouchWorker(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	if err := r.db.WithContext(ctx).Model(&models.PersistentWorker{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_seen_at": now,
			"updated_at":   now,
		}).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&models.PersistentWorker{}).
		Where("id = ? AND status IN ?", id, []models.WorkerStatus{models.WorkerStarting, models.WorkerOffline}).
		Update("status", models.WorkerOnline).Error
}

// SetWorkerBusy marks the worker busy with a specific job.
func (r *Repository) SetWorkerBusy(ctx context.Context, id, jobID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.PersistentWorker{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         models.WorkerBusy,
			"current_job_id": jobID,
			"updated_at":     time.Now().UTC(),
		}).Error
}

// SetWorkerIdle releases the worker: online, no current job.
func (r *Repository) SetWorkerIdle(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.PersistentWorker{}).
		Where("id = ? AND status != ?", id, models.WorkerTerminated).
		Updates(map[string]interface{}{
			"status":         models.WorkerOnline,
			"current_job_id": nil,
			"updated_at":     time.Now().UTC(),
		}).Error
}
