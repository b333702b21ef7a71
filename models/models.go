package models

import (
	"time"

	"github.com/google/uuid"
)

// TrainingTask is the closed set of ML task kinds a job can train for.
type TrainingTask string

const (
	TaskImageClassification   TrainingTask = "image-classification"
	TaskTabularClassification TrainingTask = "tabular-classification"
	TaskAudioClassification   TrainingTask = "audio-classification"
	TaskTimeSeriesForecasting TrainingTask = "time-series-forecasting"
	TaskAnomalyDetection      TrainingTask = "anomaly-detection"
	TaskTextClassification    TrainingTask = "text-classification"
	TaskObjectDetection       TrainingTask = "object-detection"
)

// Valid reports whether t is a known task kind.
func (t TrainingTask) Valid() bool {
	switch t {
	case TaskImageClassification, TaskTabularClassification, TaskAudioClassification,
		TaskTimeSeriesForecasting, TaskAnomalyDetection, TaskTextClassification,
		TaskObjectDetection:
		return true
	}
	return false
}

// TrainingJobStatus is the job state machine:
//
//	QUEUED → PROVISIONING → TRAINING → UPLOADING → COMPLETED
//	PROVISIONING → QUEUED (retry), any live state → FAILED / CANCELLED
//
// COMPLETED, FAILED and CANCELLED are terminal.
type TrainingJobStatus string

const (
	StatusQueued       TrainingJobStatus = "queued"
	StatusProvisioning TrainingJobStatus = "provisioning"
	StatusTraining     TrainingJobStatus = "training"
	StatusUploading    TrainingJobStatus = "uploading"
	StatusCompleted    TrainingJobStatus = "completed"
	StatusFailed       TrainingJobStatus = "failed"
	StatusCancelled    TrainingJobStatus = "cancelled"
)

// TerminalStatuses are the absorbing job states.
var TerminalStatuses = []TrainingJobStatus{StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminal reports whether s permits no further status transitions.
func (s TrainingJobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TrainingJob represents a training job in the database.
type TrainingJob struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	MissionID uuid.UUID `gorm:"type:uuid;index;not null" json:"mission_id"`

	Task      TrainingTask `gorm:"size:64;not null" json:"task"`
	BaseModel string       `gorm:"size:512;not null" json:"base_model"`

	Status TrainingJobStatus `gorm:"size:32;index;default:queued" json:"status"`

	// Remote compute binding, set while provisioned
	InstanceID string `gorm:"size:64" json:"instance_id,omitempty"`
	InstanceIP string `gorm:"size:45" json:"instance_ip,omitempty"`

	// Object storage paths
	DatasetPath     string `gorm:"size:512" json:"dataset_path,omitempty"`
	OutputModelPath string `gorm:"size:512" json:"output_model_path,omitempty"`

	// Hyperparameters
	MaxEpochs      int      `gorm:"default:10" json:"max_epochs"`
	BatchSize      int      `gorm:"default:16" json:"batch_size"`
	LearningRate   float64  `gorm:"default:0.0003" json:"learning_rate"`
	UseLoRA        bool     `gorm:"column:use_lora;default:true" json:"use_lora"`
	TargetAccuracy *float64 `json:"target_accuracy,omitempty"`

	// Results
	EpochsCompleted int      `gorm:"default:0" json:"epochs_completed"`
	ResultAccuracy  *float64 `json:"result_accuracy,omitempty"`
	ResultLoss      *float64 `json:"result_loss,omitempty"`

	// Real-time progress
	CurrentEpoch    int        `gorm:"default:0" json:"current_epoch"`
	CurrentBatch    int        `gorm:"default:0" json:"current_batch"`
	TotalBatches    int        `gorm:"default:0" json:"total_batches"`
	CurrentLoss     *float64   `json:"current_loss,omitempty"`
	CurrentAccuracy *float64   `json:"current_accuracy,omitempty"`
	ETASeconds      *int       `gorm:"column:eta_seconds" json:"eta_seconds,omitempty"`
	LastProgressAt  *time.Time `json:"last_progress_at,omitempty"`

	// Worker health, reported via heartbeat
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	WorkerStatus    string     `gorm:"size:64" json:"worker_status,omitempty"`
	GPUTempC        *float64   `gorm:"column:gpu_temp_c" json:"gpu_temp_c,omitempty"`
	GPUMemoryUsedGB *float64   `gorm:"column:gpu_memory_used_gb" json:"gpu_memory_used_gb,omitempty"`

	// Cost tracking
	EstimatedCostUSD *float64 `gorm:"column:estimated_cost_usd" json:"estimated_cost_usd,omitempty"`
	ActualCostUSD    *float64 `gorm:"column:actual_cost_usd" json:"actual_cost_usd,omitempty"`

	// Optional webhook for terminal-state notification
	NotifyWebhook string `gorm:"size:1024" json:"notify_webhook,omitempty"`

	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	// Link to the model artifact record created on success
	ModelID *uuid.UUID `gorm:"type:uuid" json:"model_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the table name.
func (TrainingJob) TableName() string {
	return "training_jobs"
}

// TrainingLog is an append-only log line tied to a job. Created only by the
// callback ingress; removed via cascade when the job is deleted.
type TrainingLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     uuid.UUID `gorm:"type:uuid;index;not null" json:"job_id"`
	Level     string    `gorm:"size:10;not null" json:"level"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
	Epoch     *int      `json:"epoch,omitempty"`
	Batch     *int      `json:"batch,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName overrides the table name.
func (TrainingLog) TableName() string {
	return "training_logs"
}

// WorkerStatus is the persistent worker state machine:
// starting → online ⇄ busy → offline → terminated. Offline recovers to
// online on a fresh heartbeat; terminated is absorbing.
type WorkerStatus string

const (
	WorkerStarting   WorkerStatus = "starting"
	WorkerOnline     WorkerStatus = "online"
	WorkerBusy       WorkerStatus = "busy"
	WorkerOffline    WorkerStatus = "offline"
	WorkerTerminated WorkerStatus = "terminated"
)

// PersistentWorker is the single long-lived polling worker. At most one
// non-terminated row exists at a time; terminated rows are kept for audit.
type PersistentWorker struct {
	ID           uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	InstanceID   string       `gorm:"size:64;not null" json:"instance_id"`
	IP           string       `gorm:"size:45" json:"ip,omitempty"`
	Status       WorkerStatus `gorm:"size:32;default:starting;not null" json:"status"`
	LastSeenAt   *time.Time   `json:"last_seen_at,omitempty"`
	CurrentJobID *uuid.UUID   `gorm:"type:uuid" json:"current_job_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TableName overrides the table name.
func (PersistentWorker) TableName() string {
	return "persistent_workers"
}
