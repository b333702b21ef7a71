package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dataforall/training-backend/models"
	"github.com/dataforall/training-backend/repository"
	"github.com/dataforall/training-backend/worker"
)

// WorkerStart provisions the persistent worker. 409 when one is already
// running.
func (h *Handler) WorkerStart(c *gin.Context) {
	if h.workers == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "persistent worker is disabled"})
		return
	}

	w, err := h.workers.Start(c.Request.Context())
	if errors.Is(err, worker.ErrWorkerActive) {
		c.JSON(http.StatusConflict, models.WorkerActionResponse{
			WorkerID:   w.ID.String(),
			InstanceID: w.InstanceID,
			IP:         w.IP,
			Status:     string(w.Status),
			Message:    "A persistent worker is already running",
		})
		return
	}
	if err != nil {
		log.Printf("Failed to start persistent worker: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start persistent worker"})
		return
	}

	c.JSON(http.StatusAccepted, models.WorkerActionResponse{
		WorkerID:   w.ID.String(),
		InstanceID: w.InstanceID,
		IP:         w.IP,
		Status:     string(w.Status),
		Message:    "Persistent worker is starting",
	})
}

// WorkerStop terminates the persistent worker instance.
func (h *Handler) WorkerStop(c *gin.Context) {
	if h.workers == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "persistent worker is disabled"})
		return
	}

	w, err := h.workers.Stop(c.Request.Context())
	if errors.Is(err, worker.ErrNoWorker) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active persistent worker"})
		return
	}
	if err != nil {
		log.Printf("Failed to stop persistent worker: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop persistent worker"})
		return
	}

	c.JSON(http.StatusOK, models.WorkerActionResponse{
		WorkerID:   w.ID.String(),
		InstanceID: w.InstanceID,
		Status:     string(w.Status),
		Message:    "Persistent worker stopped",
	})
}

// WorkerStatus returns the merged worker view: record, provider-side
// instance state and heartbeat age.
func (h *Handler) WorkerStatus(c *gin.Context) {
	if h.workers == nil {
		c.JSON(http.StatusOK, models.WorkerStatusResponse{
			Active:  false,
			Status:  "disabled",
			Message: "Persistent worker is disabled",
		})
		return
	}

	resp, err := h.workers.Status(c.Request.Context())
	if err != nil {
		log.Printf("Failed to read worker status: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read worker status"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// WorkerRefresh pulls the latest worker image and restarts the worker
// container on the existing instance.
func (h *Handler) WorkerRefresh(c *gin.Context) {
	if h.workers == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "persistent worker is disabled"})
		return
	}

	w, err := h.workers.Refresh(c.Request.Context())
	if errors.Is(err, worker.ErrNoWorker) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active persistent worker"})
		return
	}
	if err != nil {
		log.Printf("Failed to refresh persistent worker: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to refresh persistent worker"})
		return
	}

	c.JSON(http.StatusOK, models.WorkerActionResponse{
		WorkerID:   w.ID.String(),
		InstanceID: w.InstanceID,
		IP:         w.IP,
		Status:     string(w.Status),
		Message:    "Worker image refresh dispatched",
	})
}

// WorkerNextJob is polled by the persistent worker. Every poll stamps
// liveness; when a queued job exists it is claimed atomically, bound to the
// worker's instance and returned. An empty queue responds 204.
func (h *Handler) WorkerNextJob(c *gin.Context) {
	if h.workers == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "persistent worker is disabled"})
		return
	}

	if err := h.workers.Touch(c.Request.Context()); err != nil && !errors.Is(err, worker.ErrNoWorker) {
		log.Printf("Failed to record worker poll-in: %v", err)
	}

	job, err := h.store.ClaimNextQueuedJob(c.Request.Context())
	if errors.Is(err, repository.ErrNoJobAvailable) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		log.Printf("Failed to claim next job: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to claim next job"})
		return
	}

	if w, cerr := h.workers.Claim(c.Request.Context(), job.ID); cerr != nil {
		log.Printf("Failed to mark worker busy with job %s: %v", job.ID, cerr)
	} else {
		if berr := h.store.BindInstance(c.Request.Context(), job.ID, w.InstanceID, w.IP); berr != nil {
			log.Printf("Failed to bind job %s to worker instance: %v", job.ID, berr)
		}
	}

	log.Printf("Job %s claimed by persistent worker", job.ID)
	c.JSON(http.StatusOK, models.NextJobResponse{
		JobID:          job.ID.String(),
		MissionID:      job.MissionID.String(),
		BaseModel:      job.BaseModel,
		Task:           string(job.Task),
		MaxEpochs:      job.MaxEpochs,
		BatchSize:      job.BatchSize,
		LearningRate:   job.LearningRate,
		UseLoRA:        job.UseLoRA,
		TargetAccuracy: job.TargetAccuracy,
		TrainingMode:   h.cfg.WorkerTrainingMode,
		DatasetPath:    job.DatasetPath,
	})
}
