package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dataforall/training-backend/models"
)

// MaxErrorMessageLen bounds the stored error text for failed jobs.
const MaxErrorMessageLen = 4096

var (
	// ErrNotFound is returned when a job or worker row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNoJobAvailable is returned by ClaimNextQueuedJob when the queue is empty
	// or every queued job is locked by a concurrent claimant.
	ErrNoJobAvailable = errors.New("no queued job available")
)

// Repository handles database operations for training jobs, logs and the
// persistent worker. All job mutation goes through it; no in-memory job
// state is authoritative.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository instance.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateJob persists a new training job. The caller sets the QUEUED status
// and hyperparameters; an ID is generated if absent.
func (r *Repository) CreateJob(ctx context.Context, job *models.TrainingJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create training job: %w", err)
	}
	return nil
}

// GetJob retrieves a training job by ID.
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*models.TrainingJob, error) {
	var job models.TrainingJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobsByMission lists jobs for a mission, newest first, with optional
// status filter and skip/limit pagination.
func (r *Repository) ListJobsByMission(ctx context.Context, missionID uuid.UUID, status *models.TrainingJobStatus, offset, limit int) ([]models.TrainingJob, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.TrainingJob{}).Where("mission_id = ?", missionID)
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []models.TrainingJob
	err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&jobs).Error
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// TransitionJobStatus flips a job's status only when it currently holds the
// expected one. Returns false when another writer moved the job first, so
// concurrent claimants and cancellations cannot stomp each other. Entering
// TRAINING also stamps last_progress_at so the heartbeat window starts fresh.
func (r *Repository) TransitionJobStatus(ctx context.Context, id uuid.UUID, from, to models.TrainingJobStatus) (bool, error) {
	now := time.Now().UTC()
	fields := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	if to == models.StatusTraining {
		fields["last_progress_at"] = now
	}
	res := r.db.WithContext(ctx).Model(&models.TrainingJob{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// BindInstance records the provisioned compute on the job row.
func (r *Repository) BindInstance(ctx context.Context, id uuid.UUID, instanceID, instanceIP string) error {
	return r.db.WithContext(ctx).Model(&models.TrainingJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"instance_id": instanceID,
			"instance_ip": instanceIP,
			"updated_at":  time.Now().UTC(),
		}).Error
}

// ProgressUpdate carries the mutable progress fields of a status callback.
type ProgressUpdate struct {
	EpochsCompleted int
	CurrentEpoch    int
	CurrentBatch    int
	TotalBatches    int
	CurrentLoss     *float64
	CurrentAccuracy *float64
	ETASeconds      *int
	Uploading       bool
}

// ApplyProgress writes a status callback: progress fields, a fresh
// last_progress_at stamp, and status forced to TRAINING (or UPLOADING when
// the worker reports its upload phase). Idempotent when already TRAINING;
// refuses to resurrect terminal jobs.
func (r *Repository) ApplyProgress(ctx context.Context, id uuid.UUID, upd ProgressUpdate) error {
	status := models.StatusTraining
	if upd.Uploading {
		status = models.StatusUploading
	}

	now := time.Now().UTC()
	fields := map[string]interface{}{
		"status":           status,
		"epochs_completed": upd.EpochsCompleted,
		"current_epoch":    upd.CurrentEpoch,
		"current_batch":    upd.CurrentBatch,
		"total_batches":    upd.TotalBatches,
		"eta_seconds":      upd.ETASeconds,
		"last_progress_at": now,
		"updated_at":       now,
	}
	if upd.CurrentLoss != nil {
		fields["current_loss"] = *upd.CurrentLoss
	}
	if upd.CurrentAccuracy != nil {
		fields["current_accuracy"] = *upd.CurrentAccuracy
	}

	res := r.db.WithContext(ctx).Model(&models.TrainingJob{}).
		Where("id = ? AND status NOT IN ?", id, models.TerminalStatuses).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// HeartbeatUpdate carries the worker-health snapshot of a heartbeat callback.
type HeartbeatUpdate struct {
	WorkerStatus    string
	GPUTempC        *float64
	GPUMemoryUsedGB *float64
	CurrentEpoch    *int
	CurrentBatch    *int
}

// RecordHeartbeat stamps liveness and health fields without touching job
// status. Heartbeats are a pure alive signal.
func (r *Repository) RecordHeartbeat(ctx context.Context, id uuid.UUID, hb HeartbeatUpdate) error {
	now := time.Now().UTC()
	fields := map[string]interface{}{
		"last_heartbeat_at": now,
		"worker_status":     hb.WorkerStatus,
		"updated_at":        now,
	}
	if hb.GPUTempC != nil {
		fields["gpu_temp_c"] = *hb.GPUTempC
	}
	if hb.GPUMemoryUsedGB != nil {
		fields["gpu_memory_used_gb"] = *hb.GPUMemoryUsedGB
	}
	if hb.CurrentEpoch != nil {
		fields["current_epoch"] = *hb.CurrentEpoch
	}
	if hb.CurrentBatch != nil {
		fields["current_batch"] = *hb.CurrentBatch
	}

	res := r.db.WithContext(ctx).Model(&models.TrainingJob{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob writes the COMPLETED terminal state exactly once. Returns false
// when the job was already terminal; the first payload's result fields stand.
func (r *Repository) CompleteJob(ctx context.Context, id uuid.UUID, accuracy, loss float64, epochsCompleted int) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.TrainingJob{}).
		Where("id = ? AND status NOT IN ?", id, models.TerminalStatuses).
		Updates(map[string]interface{}{
			"status":           models.StatusCompleted,
			"result_accuracy":  accuracy,
			"result_loss":      loss,
			"epochs_completed": epochsCompleted,
			"last_progress_at": now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FailJob writes the FAILED terminal state exactly once with a truncated
// error message. Returns false when the job was already terminal.
func (r *Repository) FailJob(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.TrainingJob{}).
		Where("id = ? AND status NOT IN ?", id, models.TerminalStatuses).
		Updates(map[string]interface{}{
			"status":           models.StatusFailed,
			"error_message":    Truncate(message, MaxErrorMessageLen),
			"last_progress_at": now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CancelJob writes the CANCELLED terminal state exactly once.
func (r *Repository) CancelJob(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.TrainingJob{}).
		Where("id = ? AND status NOT IN ?", id, models.TerminalStatuses).
		Updates(map[string]interface{}{
			"status":        models.StatusCancelled,
			"error_message": Truncate(message, MaxErrorMessageLen),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteJob hard-deletes a job; its logs go with it.
func (r *Repository) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&models.TrainingLog{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.TrainingJob{}).Error
	})
}

// ClaimNextQueuedJob atomically claims the oldest QUEUED job and flips it to
// TRAINING. The row is locked for update so two claimants can never both take
// the same job; losers observe ErrNoJobAvailable.
func (r *Repository) ClaimNextQueuedJob(ctx context.Context) (*models.TrainingJob, error) {
	var job models.TrainingJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.StatusQueued).
			Order("created_at ASC").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoJobAvailable
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		job.Status = models.StatusTraining
		job.LastProgressAt = &now
		job.UpdatedAt = now
		return tx.Model(&models.TrainingJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":           models.StatusTraining,
				"last_progress_at": now,
				"updated_at":       now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListStaleProvisioning returns jobs stuck in PROVISIONING whose last update
// precedes the cutoff. Used by the orphan sweep.
func (r *Repository) ListStaleProvisioning(ctx context.Context, cutoff time.Time) ([]models.TrainingJob, error) {
	var jobs []models.TrainingJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.StatusProvisioning, cutoff).
		Find(&jobs).Error
	return jobs, err
}

// ListStaleTraining returns TRAINING jobs whose last progress stamp is null
// or precedes the cutoff. Used by the heartbeat monitor.
func (r *Repository) ListStaleTraining(ctx context.Context, cutoff time.Time) ([]models.TrainingJob, error) {
	var jobs []models.TrainingJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND (last_progress_at IS NULL OR last_progress_at < ?)",
			models.StatusTraining, cutoff).
		Find(&jobs).Error
	return jobs, err
}

// AppendLog stores a worker log line.
func (r *Repository) AppendLog(ctx context.Context, entry *models.TrainingLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListLogs returns paginated logs for a job, newest first, with an optional
// level filter.
func (r *Repository) ListLogs(ctx context.Context, jobID uuid.UUID, level string, offset, limit int) ([]models.TrainingLog, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.TrainingLog{}).Where("job_id = ?", jobID)
	if level != "" {
		query = query.Where("level = ?", level)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []models.TrainingLog
	err := query.Order("timestamp DESC").Offset(offset).Limit(limit).Find(&logs).Error
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// Truncate bounds s to max bytes.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
