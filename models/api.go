package models

import (
	"time"

	"github.com/google/uuid"
)

// TrainJobRequest is the payload for launching a training job on a mission.
type TrainJobRequest struct {
	Task           TrainingTask `json:"task" binding:"required"`
	BaseModel      string       `json:"base_model"`
	MaxEpochs      int          `json:"max_epochs"`
	BatchSize      int          `json:"batch_size"`
	LearningRate   float64      `json:"learning_rate"`
	UseLoRA        *bool        `json:"use_lora"`
	TargetAccuracy *float64     `json:"target_accuracy" binding:"omitempty,gt=0,lte=1"`
	NotifyWebhook  string       `json:"notify_webhook" binding:"omitempty,url"`
}

// TrainingJobListResponse is a paginated list of jobs for a mission.
type TrainingJobListResponse struct {
	Jobs  []TrainingJob `json:"jobs"`
	Total int64         `json:"total"`
}

// TrainingProgressResponse is the real-time progress snapshot of a job.
type TrainingProgressResponse struct {
	ID              uuid.UUID         `json:"id"`
	MissionID       uuid.UUID         `json:"mission_id"`
	Status          TrainingJobStatus `json:"status"`
	CurrentEpoch    int               `json:"current_epoch"`
	TotalEpochs     int               `json:"total_epochs"`
	CurrentBatch    int               `json:"current_batch"`
	TotalBatches    int               `json:"total_batches"`
	EpochsCompleted int               `json:"epochs_completed"`
	CurrentLoss     *float64          `json:"current_loss,omitempty"`
	CurrentAccuracy *float64          `json:"current_accuracy,omitempty"`
	ETASeconds      *int              `json:"eta_seconds,omitempty"`
	UpdatedAt       *time.Time        `json:"updated_at,omitempty"`
}

// CallbackStatusRequest is posted by the worker to report training progress.
type CallbackStatusRequest struct {
	Status          string   `json:"status"`
	EpochsCompleted int      `json:"epochs_completed"`
	CurrentEpoch    *int     `json:"current_epoch"`
	CurrentBatch    *int     `json:"current_batch"`
	TotalBatches    *int     `json:"total_batches"`
	CurrentLoss     *float64 `json:"current_loss"`
	CurrentAccuracy *float64 `json:"current_accuracy"`
	ETASeconds      *int     `json:"eta_seconds"`
}

// CallbackHeartbeatRequest is a pure liveness signal, decoupled from progress.
type CallbackHeartbeatRequest struct {
	WorkerStatus    string   `json:"worker_status" binding:"required"`
	GPUTempC        *float64 `json:"gpu_temp_c"`
	GPUMemoryUsedGB *float64 `json:"gpu_memory_used_gb"`
	CurrentEpoch    *int     `json:"current_epoch"`
	CurrentBatch    *int     `json:"current_batch"`
}

// CallbackLogRequest is a structured log line from the worker.
type CallbackLogRequest struct {
	Level     string    `json:"level" binding:"required,oneof=DEBUG INFO WARNING ERROR"`
	Message   string    `json:"message" binding:"required"`
	Timestamp time.Time `json:"timestamp" binding:"required"`
	Epoch     *int      `json:"epoch"`
	Batch     *int      `json:"batch"`
}

// CallbackCompleteRequest carries the final results of a successful run.
type CallbackCompleteRequest struct {
	ResultAccuracy  float64 `json:"result_accuracy" binding:"gte=0,lte=1"`
	ResultLoss      float64 `json:"result_loss" binding:"gte=0"`
	EpochsCompleted int     `json:"epochs_completed" binding:"gte=0"`
}

// CallbackFailRequest reports a worker-side failure.
type CallbackFailRequest struct {
	ErrorMessage string `json:"error_message" binding:"required"`
}

// LogEntryListResponse is a paginated slice of training logs.
type LogEntryListResponse struct {
	Logs  []TrainingLog `json:"logs"`
	Total int64         `json:"total"`
}

// NextJobResponse is the job descriptor handed to the polling persistent
// worker when it claims a queued job.
type NextJobResponse struct {
	JobID          string   `json:"job_id"`
	MissionID      string   `json:"mission_id"`
	BaseModel      string   `json:"base_model"`
	Task           string   `json:"task"`
	MaxEpochs      int      `json:"max_epochs"`
	BatchSize      int      `json:"batch_size"`
	LearningRate   float64  `json:"learning_rate"`
	UseLoRA        bool     `json:"use_lora"`
	TargetAccuracy *float64 `json:"target_accuracy,omitempty"`
	TrainingMode   string   `json:"training_mode"`
	DatasetPath    string   `json:"dataset_path"`
}

// WorkerStatusResponse merges the worker DB record with a live provider-side
// instance check and heartbeat-age computation.
type WorkerStatusResponse struct {
	Active              bool     `json:"active"`
	WorkerID            string   `json:"worker_id,omitempty"`
	InstanceID          string   `json:"instance_id,omitempty"`
	IP                  string   `json:"ip,omitempty"`
	Status              string   `json:"status"`
	InstanceStatus      string   `json:"instance_status,omitempty"`
	LastSeenAt          *string  `json:"last_seen_at,omitempty"`
	HeartbeatAgeSeconds *float64 `json:"heartbeat_age_seconds,omitempty"`
	CurrentJobID        string   `json:"current_job_id,omitempty"`
	HourlyCostUSD       float64  `json:"hourly_cost_usd,omitempty"`
	Message             string   `json:"message,omitempty"`
}

// WorkerActionResponse is returned by worker start/stop/refresh operations.
type WorkerActionResponse struct {
	WorkerID   string `json:"worker_id"`
	InstanceID string `json:"instance_id,omitempty"`
	IP         string `json:"ip,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// WebhookPayload is POSTed to a job's notify webhook on terminal transitions.
type WebhookPayload struct {
	JobID          string   `json:"job_id"`
	MissionID      string   `json:"mission_id"`
	Status         string   `json:"status"`
	Message        string   `json:"message,omitempty"`
	ResultAccuracy *float64 `json:"result_accuracy,omitempty"`
	ResultLoss     *float64 `json:"result_loss,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// HFModelInfo describes one HuggingFace Hub model.
type HFModelInfo struct {
	ModelID   string   `json:"model_id"`
	Author    string   `json:"author,omitempty"`
	Task      string   `json:"task"`
	Downloads int64    `json:"downloads"`
	Likes     int64    `json:"likes"`
	Tags      []string `json:"tags"`
}

// HFModelListResponse lists models available for a task.
type HFModelListResponse struct {
	Models     []HFModelInfo `json:"models"`
	Total      int           `json:"total"`
	TaskFilter string        `json:"task_filter"`
}

// GPUInfoResponse reports the active provider's GPU specs and training mode.
type GPUInfoResponse struct {
	GPU  GPUInfo `json:"gpu"`
	Mode string  `json:"mode"`
}

// GPUInfo is a static description of the GPU a provider hands out.
type GPUInfo struct {
	Name          string  `json:"name"`
	Plan          string  `json:"plan"`
	HourlyRateUSD float64 `json:"hourly_rate_usd"`
	GPUMemoryGB   int     `json:"gpu_memory_gb"`
	CPUMemoryGB   int     `json:"cpu_memory_gb"`
	Description   string  `json:"description"`
}
