package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dataforall/training-backend/models"
	"github.com/dataforall/training-backend/repository"
	"github.com/dataforall/training-backend/stream"
)

// CallbackStatus ingests a worker progress report. It overwrites the progress
// fields, refreshes the liveness stamp and forces the job into TRAINING (or
// UPLOADING when the worker reports its upload phase). Terminal jobs are left
// untouched.
func (h *Handler) CallbackStatus(c *gin.Context) {
	id, ok := callbackJobID(c)
	if !ok {
		return
	}
	var req models.CallbackStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		log.Printf("Failed to load job %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}

	upd := repository.ProgressUpdate{
		EpochsCompleted: req.EpochsCompleted,
		CurrentLoss:     req.CurrentLoss,
		CurrentAccuracy: req.CurrentAccuracy,
		ETASeconds:      req.ETASeconds,
		Uploading:       req.Status == "uploading",
	}
	if req.CurrentEpoch != nil {
		upd.CurrentEpoch = *req.CurrentEpoch
	}
	if req.CurrentBatch != nil {
		upd.CurrentBatch = *req.CurrentBatch
	}
	if req.TotalBatches != nil {
		upd.TotalBatches = *req.TotalBatches
	}

	// Workers occasionally report an epoch past the configured bound near the
	// end of a run; clamp so current_epoch never exceeds max_epochs.
	if upd.CurrentEpoch > job.MaxEpochs {
		upd.CurrentEpoch = job.MaxEpochs
	}
	if upd.EpochsCompleted > job.MaxEpochs {
		upd.EpochsCompleted = job.MaxEpochs
	}

	err = h.store.ApplyProgress(c.Request.Context(), id, upd)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found or already finished"})
		return
	}
	if err != nil {
		log.Printf("Failed to apply progress for job %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record progress"})
		return
	}

	h.hub.Broadcast(id, stream.Event{Kind: "progress", Payload: req})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// CallbackHeartbeat ingests a worker liveness signal. Heartbeats never change
// job status; they stamp health fields only.
func (h *Handler) CallbackHeartbeat(c *gin.Context) {
	id, ok := callbackJobID(c)
	if !ok {
		return
	}
	var req models.CallbackHeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hb := repository.HeartbeatUpdate{
		WorkerStatus:    req.WorkerStatus,
		GPUTempC:        req.GPUTempC,
		GPUMemoryUsedGB: req.GPUMemoryUsedGB,
		CurrentEpoch:    req.CurrentEpoch,
		CurrentBatch:    req.CurrentBatch,
	}
	err := h.store.RecordHeartbeat(c.Request.Context(), id, hb)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		log.Printf("Failed to record heartbeat for job %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record heartbeat"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// CallbackLog ingests a structured log line and fans it out to live streams.
func (h *Handler) CallbackLog(c *gin.Context) {
	id, ok := callbackJobID(c)
	if !ok {
		return
	}
	var req models.CallbackLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry := &models.TrainingLog{
		JobID:     id,
		Level:     req.Level,
		Message:   req.Message,
		Timestamp: req.Timestamp,
		Epoch:     req.Epoch,
		Batch:     req.Batch,
	}
	if err := h.store.AppendLog(c.Request.Context(), entry); err != nil {
		log.Printf("Failed to append log for job %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store log"})
		return
	}

	h.hub.Broadcast(id, stream.Event{Kind: "log", Payload: entry})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// CallbackComplete writes the COMPLETED terminal state. Exactly-once: a
// repeated or late call after any terminal state is acknowledged without
// changing anything, so the first result always stands.
func (h *Handler) CallbackComplete(c *gin.Context) {
	id, ok := callbackJobID(c)
	if !ok {
		return
	}
	var req models.CallbackCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	changed, err := h.store.CompleteJob(c.Request.Context(), id,
		req.ResultAccuracy, req.ResultLoss, req.EpochsCompleted)
	if err != nil {
		log.Printf("Failed to complete job %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to complete job"})
		return
	}
	if !changed {
		c.JSON(http.StatusOK, gin.H{"ok": true, "already_terminal": true})
		return
	}

	log.Printf("Job %s completed (accuracy %.4f)", id, req.ResultAccuracy)
	h.orch.NotifyTerminalAsync(id)
	h.hub.Broadcast(id, stream.Event{Kind: string(models.StatusCompleted), Payload: req})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// CallbackFail writes the FAILED terminal state with the worker's error.
// Exactly-once, same as CallbackComplete.
func (h *Handler) CallbackFail(c *gin.Context) {
	id, ok := callbackJobID(c)
	if !ok {
		return
	}
	var req models.CallbackFailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	changed, err := h.store.FailJob(c.Request.Context(), id, req.ErrorMessage)
	if err != nil {
		log.Printf("Failed to fail job %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record failure"})
		return
	}
	if !changed {
		c.JSON(http.StatusOK, gin.H{"ok": true, "already_terminal": true})
		return
	}

	log.Printf("Job %s failed: %s", id, repository.Truncate(req.ErrorMessage, 200))
	h.orch.NotifyTerminalAsync(id)
	h.hub.Broadcast(id, stream.Event{Kind: string(models.StatusFailed), Payload: req})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func callbackJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return uuid.Nil, false
	}
	return id, true
}
