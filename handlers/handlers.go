// Package handlers implements the HTTP API: job submission and reads for
// clients, the callback ingress for workers, and the persistent worker admin
// surface.
package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dataforall/training-backend/catalog"
	"github.com/dataforall/training-backend/config"
	"github.com/dataforall/training-backend/middleware"
	"github.com/dataforall/training-backend/models"
	"github.com/dataforall/training-backend/orchestrator"
	"github.com/dataforall/training-backend/provisioner"
	"github.com/dataforall/training-backend/repository"
	"github.com/dataforall/training-backend/storage"
	"github.com/dataforall/training-backend/stream"
	"github.com/dataforall/training-backend/worker"
)

// Store is the slice of the repository the HTTP layer reads and writes jobs
// through.
type Store interface {
	CreateJob(ctx context.Context, job *models.TrainingJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.TrainingJob, error)
	ListJobsByMission(ctx context.Context, missionID uuid.UUID, status *models.TrainingJobStatus, offset, limit int) ([]models.TrainingJob, int64, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	BindInstance(ctx context.Context, id uuid.UUID, instanceID, instanceIP string) error
	ApplyProgress(ctx context.Context, id uuid.UUID, upd repository.ProgressUpdate) error
	RecordHeartbeat(ctx context.Context, id uuid.UUID, hb repository.HeartbeatUpdate) error
	CompleteJob(ctx context.Context, id uuid.UUID, accuracy, loss float64, epochsCompleted int) (bool, error)
	FailJob(ctx context.Context, id uuid.UUID, message string) (bool, error)
	AppendLog(ctx context.Context, entry *models.TrainingLog) error
	ListLogs(ctx context.Context, jobID uuid.UUID, level string, offset, limit int) ([]models.TrainingLog, int64, error)
	ClaimNextQueuedJob(ctx context.Context) (*models.TrainingJob, error)
}

// Datasets answers whether a mission has training data. Nil disables the
// check.
type Datasets interface {
	HasDataset(ctx context.Context, missionID string) (bool, error)
}

// Handler holds dependencies for all HTTP handlers.
type Handler struct {
	cfg      *config.Config
	store    Store
	orch     *orchestrator.Orchestrator
	prov     provisioner.Provisioner
	workers  *worker.Manager
	hub      *stream.Hub
	catalog  *catalog.Catalog
	objects  *storage.Storage
	datasets Datasets
}

// NewHandler creates the handler set. workers and objects may be nil when the
// persistent worker or object storage is disabled.
func NewHandler(cfg *config.Config, store Store, orch *orchestrator.Orchestrator,
	prov provisioner.Provisioner, workers *worker.Manager, hub *stream.Hub,
	cat *catalog.Catalog, objects *storage.Storage) *Handler {
	h := &Handler{
		cfg:     cfg,
		store:   store,
		orch:    orch,
		prov:    prov,
		workers: workers,
		hub:     hub,
		catalog: cat,
		objects: objects,
	}
	if objects != nil {
		h.datasets = objects
	}
	return h
}

// RegisterRoutes wires every endpoint onto the engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1/training")

	api.POST("/missions/:mission_id/train", h.CreateTrainingJob)
	api.GET("/missions/:mission_id/jobs", h.ListMissionJobs)
	api.POST("/missions/:mission_id/dataset-upload-url", h.DatasetUploadURL)
	api.GET("/jobs/:id", h.GetJob)
	api.POST("/jobs/:id/cancel", h.CancelJob)
	api.DELETE("/jobs/:id", h.DeleteJob)
	api.GET("/jobs/:id/progress", h.GetProgress)
	api.GET("/jobs/:id/logs", h.ListLogs)
	api.GET("/jobs/:id/stream/progress", h.StreamProgress)
	api.GET("/jobs/:id/stream/logs", h.StreamLogs)
	api.GET("/jobs/:id/model-url", h.GetModelURL)
	api.GET("/gpu-info", h.GPUInfo)
	api.GET("/models", h.ListModels)

	auth := middleware.CallbackAuth(h.cfg.CallbackSecret)
	cb := api.Group("/jobs/:id/callback", auth)
	cb.POST("/status", h.CallbackStatus)
	cb.POST("/heartbeat", h.CallbackHeartbeat)
	cb.POST("/log", h.CallbackLog)
	cb.POST("/complete", h.CallbackComplete)
	cb.POST("/fail", h.CallbackFail)

	wk := api.Group("/worker")
	wk.POST("/start", h.WorkerStart)
	wk.POST("/stop", h.WorkerStop)
	wk.GET("/status", h.WorkerStatus)
	wk.POST("/refresh", h.WorkerRefresh)
	wk.GET("/next-job", auth, h.WorkerNextJob)
}

// Health is the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateTrainingJob accepts a training request for a mission, queues the job
// and dispatches it. Responds 202: the work is asynchronous.
func (h *Handler) CreateTrainingJob(c *gin.Context) {
	missionID, err := uuid.Parse(c.Param("mission_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mission ID"})
		return
	}

	var req models.TrainJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Task.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown task: " + string(req.Task)})
		return
	}

	baseModel, err := catalog.ResolveBaseModel(req.Task, req.BaseModel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.datasets != nil && !h.cfg.SkipApprovalCheck {
		has, derr := h.datasets.HasDataset(c.Request.Context(), missionID.String())
		if derr != nil {
			log.Printf("Dataset check failed for mission %s: %v", missionID, derr)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check mission dataset"})
			return
		}
		if !has {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mission has no approved contributions to train on"})
			return
		}
	}

	job := &models.TrainingJob{
		ID:           uuid.New(),
		MissionID:    missionID,
		Task:         req.Task,
		BaseModel:    baseModel,
		Status:       models.StatusQueued,
		DatasetPath:  storage.DatasetPrefix(missionID.String()),
		MaxEpochs:    req.MaxEpochs,
		BatchSize:    req.BatchSize,
		LearningRate: req.LearningRate,
		UseLoRA:      true,
	}
	if job.MaxEpochs <= 0 {
		job.MaxEpochs = 10
	}
	if job.BatchSize <= 0 {
		job.BatchSize = 16
	}
	if job.LearningRate <= 0 {
		job.LearningRate = 0.0003
	}
	if req.UseLoRA != nil {
		job.UseLoRA = *req.UseLoRA
	}
	job.TargetAccuracy = req.TargetAccuracy
	job.NotifyWebhook = req.NotifyWebhook

	cost := h.prov.EstimateCost(job.MaxEpochs)
	job.EstimatedCostUSD = &cost

	if err := h.store.CreateJob(c.Request.Context(), job); err != nil {
		log.Printf("Failed to create training job: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create training job"})
		return
	}

	h.orch.LaunchJob(job)
	log.Printf("Training job %s created for mission %s (task %s)", job.ID, missionID, job.Task)
	c.JSON(http.StatusAccepted, job)
}

// ListMissionJobs lists a mission's jobs, newest first.
func (h *Handler) ListMissionJobs(c *gin.Context) {
	missionID, err := uuid.Parse(c.Param("mission_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mission ID"})
		return
	}

	var status *models.TrainingJobStatus
	if s := c.Query("status"); s != "" {
		st := models.TrainingJobStatus(s)
		status = &st
	}
	offset := intQuery(c, "offset", 0)
	limit := intQuery(c, "limit", 50)

	jobs, total, err := h.store.ListJobsByMission(c.Request.Context(), missionID, status, offset, limit)
	if err != nil {
		log.Printf("Failed to list jobs for mission %s: %v", missionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, models.TrainingJobListResponse{Jobs: jobs, Total: total})
}

// DatasetUploadURL mints a presigned upload URL for one contribution object
// under the mission's dataset prefix.
func (h *Handler) DatasetUploadURL(c *gin.Context) {
	missionID, err := uuid.Parse(c.Param("mission_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mission ID"})
		return
	}
	if h.objects == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "object storage is not configured"})
		return
	}

	var req struct {
		Filename string `json:"filename" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	objectPath := storage.DatasetPrefix(missionID.String()) + req.Filename
	url, err := h.objects.PresignedUploadURL(c.Request.Context(), objectPath, time.Hour)
	if err != nil {
		log.Printf("Failed to presign upload URL for mission %s: %v", missionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate upload URL"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":                url,
		"object_path":        objectPath,
		"expires_in_seconds": 3600,
	})
}

// GetJob returns one job.
func (h *Handler) GetJob(c *gin.Context) {
	job, ok := h.jobFromPath(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob cancels a live job. Terminal jobs respond 400.
func (h *Handler) CancelJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	job, err := h.orch.Cancel(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if errors.Is(err, orchestrator.ErrAlreadyTerminal) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job is already " + string(job.Status) + " and cannot be cancelled",
		})
		return
	}
	if err != nil {
		log.Printf("Failed to cancel job %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// DeleteJob removes a terminal job and its logs. Live jobs must be cancelled
// first.
func (h *Handler) DeleteJob(c *gin.Context) {
	job, ok := h.jobFromPath(c)
	if !ok {
		return
	}
	if !job.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "job is still " + string(job.Status) + ", cancel it first"})
		return
	}
	if err := h.store.DeleteJob(c.Request.Context(), job.ID); err != nil {
		log.Printf("Failed to delete job %s: %v", job.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": job.ID})
}

// GetProgress returns the real-time progress snapshot of a job.
func (h *Handler) GetProgress(c *gin.Context) {
	job, ok := h.jobFromPath(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, progressOf(job))
}

// ListLogs returns paginated worker logs for a job.
func (h *Handler) ListLogs(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}
	offset := intQuery(c, "offset", 0)
	limit := intQuery(c, "limit", 100)

	logs, total, err := h.store.ListLogs(c.Request.Context(), id, c.Query("level"), offset, limit)
	if err != nil {
		log.Printf("Failed to list logs for job %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list logs"})
		return
	}
	c.JSON(http.StatusOK, models.LogEntryListResponse{Logs: logs, Total: total})
}

// StreamProgress streams live progress and terminal events for a job as
// server-sent events, opening with a snapshot of current progress.
func (h *Handler) StreamProgress(c *gin.Context) {
	h.streamJob(c, true, func(kind string) bool { return kind != "log" })
}

// StreamLogs streams live worker log lines for a job as server-sent events.
// New lines only; the backlog stays on the paginated logs endpoint.
func (h *Handler) StreamLogs(c *gin.Context) {
	h.streamJob(c, false, func(kind string) bool { return kind == "log" })
}

func (h *Handler) streamJob(c *gin.Context, withSnapshot bool, match func(kind string) bool) {
	job, ok := h.jobFromPath(c)
	if !ok {
		return
	}

	ch := h.hub.Subscribe(job.ID)
	defer h.hub.Unsubscribe(job.ID, ch)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	if withSnapshot {
		c.SSEvent("snapshot", progressOf(job))
		c.Writer.Flush()
	}

	if job.Status.IsTerminal() {
		if withSnapshot {
			c.SSEvent(string(job.Status), job)
			c.Writer.Flush()
		}
		return
	}

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-ch:
			if !open {
				return false
			}
			if match(ev.Kind) {
				c.SSEvent(ev.Kind, ev.Payload)
			}
			return !isTerminalEvent(ev.Kind)
		case <-ping.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func isTerminalEvent(kind string) bool {
	return kind == string(models.StatusCompleted) ||
		kind == string(models.StatusFailed) ||
		kind == string(models.StatusCancelled)
}

// GetModelURL mints a presigned download URL for a completed job's model
// artifact.
func (h *Handler) GetModelURL(c *gin.Context) {
	job, ok := h.jobFromPath(c)
	if !ok {
		return
	}
	if job.Status != models.StatusCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": "job has no trained model yet"})
		return
	}
	if h.objects == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "object storage is not configured"})
		return
	}

	path := job.OutputModelPath
	if path == "" {
		path = storage.ModelPath(job.MissionID.String(), job.ID.String())
	}
	url, err := h.objects.PresignedDownloadURL(c.Request.Context(), path, time.Hour)
	if err != nil {
		log.Printf("Failed to presign model URL for job %s: %v", job.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate download URL"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in_seconds": 3600})
}

// GPUInfo reports the active provider's GPU and training mode.
func (h *Handler) GPUInfo(c *gin.Context) {
	c.JSON(http.StatusOK, models.GPUInfoResponse{
		GPU:  h.prov.GPUInfo(),
		Mode: h.prov.Mode(),
	})
}

// ListModels lists HuggingFace base models for a task.
func (h *Handler) ListModels(c *gin.Context) {
	task := models.TrainingTask(c.Query("task"))
	if !task.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown task: " + string(task)})
		return
	}
	resp, err := h.catalog.ListModels(c.Request.Context(), task, intQuery(c, "limit", 20))
	if err != nil {
		log.Printf("Failed to list models for task %s: %v", task, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list models"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// jobFromPath parses the job ID path param and loads the job, writing the
// error response itself on failure.
func (h *Handler) jobFromPath(c *gin.Context) (*models.TrainingJob, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return nil, false
	}
	job, err := h.store.GetJob(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return nil, false
	}
	if err != nil {
		log.Printf("Failed to load job %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return nil, false
	}
	return job, true
}

func progressOf(job *models.TrainingJob) models.TrainingProgressResponse {
	return models.TrainingProgressResponse{
		ID:              job.ID,
		MissionID:       job.MissionID,
		Status:          job.Status,
		CurrentEpoch:    job.CurrentEpoch,
		TotalEpochs:     job.MaxEpochs,
		CurrentBatch:    job.CurrentBatch,
		TotalBatches:    job.TotalBatches,
		EpochsCompleted: job.EpochsCompleted,
		CurrentLoss:     job.CurrentLoss,
		CurrentAccuracy: job.CurrentAccuracy,
		ETASeconds:      job.ETASeconds,
		UpdatedAt:       job.LastProgressAt,
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
