// Package orchestrator drives training jobs through their lifecycle: it
// provisions compute for queued jobs, retries transient provider failures,
// reclaims orphaned compute and notifies webhooks on terminal transitions.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dataforall/training-backend/config"
	"github.com/dataforall/training-backend/models"
	"github.com/dataforall/training-backend/provisioner"
)

// ErrAlreadyTerminal is returned by Cancel for jobs that already reached a
// terminal state.
var ErrAlreadyTerminal = errors.New("job is already in a terminal state")

// JobStore is the slice of the repository the orchestrator mutates jobs
// through.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.TrainingJob, error)
	TransitionJobStatus(ctx context.Context, id uuid.UUID, from, to models.TrainingJobStatus) (bool, error)
	BindInstance(ctx context.Context, id uuid.UUID, instanceID, instanceIP string) error
	FailJob(ctx context.Context, id uuid.UUID, message string) (bool, error)
	CancelJob(ctx context.Context, id uuid.UUID, message string) (bool, error)
	ListStaleProvisioning(ctx context.Context, cutoff time.Time) ([]models.TrainingJob, error)
}

// WorkerPool abstracts the persistent worker for launch and cleanup
// decisions. A nil pool means persistent workers are disabled.
type WorkerPool interface {
	// IsOnline reports whether a live persistent worker can pick up queued jobs.
	IsOnline(ctx context.Context) bool
	// ReleaseIfOwned releases the worker back to idle when instanceID is the
	// persistent worker's instance. Returns true when it was; the caller must
	// then leave the instance alone.
	ReleaseIfOwned(ctx context.Context, instanceID string, jobID uuid.UUID) (bool, error)
}

// Orchestrator owns job lifecycle transitions that are not worker callbacks.
type Orchestrator struct {
	cfg     *config.Config
	store   JobStore
	prov    provisioner.Provisioner
	workers WorkerPool
	client  *http.Client

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates an orchestrator. workers may be nil when the persistent worker
// is disabled.
func New(cfg *config.Config, store JobStore, prov provisioner.Provisioner, workers WorkerPool) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		prov:     prov,
		workers:  workers,
		client:   &http.Client{Timeout: cfg.WebhookTimeout},
		stopChan: make(chan struct{}),
	}
}

// Start launches the orphan sweep loop.
func (o *Orchestrator) Start() {
	o.spawn(func() {
		ticker := time.NewTicker(o.cfg.OrphanInterval)
		defer ticker.Stop()
		log.Printf("Orphan sweep started (interval %s, timeout %s)",
			o.cfg.OrphanInterval, o.cfg.OrphanTimeout)
		for {
			select {
			case <-ticker.C:
				o.sweepOrphans(context.Background())
			case <-o.stopChan:
				return
			}
		}
	})
}

// Stop halts background loops and waits for in-flight provisioning goroutines.
func (o *Orchestrator) Stop() {
	close(o.stopChan)
	o.wg.Wait()
	log.Println("Orchestrator stopped")
}

// spawn runs fn on a tracked goroutine. A panic in a lifecycle goroutine must
// not take the server down.
func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Recovered from panic in orchestrator goroutine: %v", r)
			}
		}()
		fn()
	}()
}

// LaunchJob dispatches a freshly created QUEUED job. When a persistent worker
// is online the job stays queued for it to claim; otherwise dedicated compute
// is provisioned in the background.
func (o *Orchestrator) LaunchJob(job *models.TrainingJob) {
	if o.cfg.PersistentWorkerEnabled && o.workers != nil && o.workers.IsOnline(context.Background()) {
		log.Printf("Job %s queued for persistent worker", job.ID)
		return
	}
	jobCopy := *job
	o.spawn(func() {
		o.provisionWithRetry(context.Background(), &jobCopy)
	})
}

// provisionWithRetry attempts to provision dedicated compute for a job,
// backing off between attempts. Each attempt flips the job QUEUED to
// PROVISIONING; a failed attempt returns it to QUEUED so its state always
// reflects reality. Exhausting every attempt fails the job. Every transition
// is a compare-and-swap: the job may be claimed by the persistent worker or
// cancelled at any point, and whoever moved it first wins.
func (o *Orchestrator) provisionWithRetry(ctx context.Context, job *models.TrainingJob) {
	params := o.bootstrapParamsFor(job)
	label := fmt.Sprintf("dfa-train-%s", shortID(job.ID))

	var lastErr error
	for attempt := 1; attempt <= o.cfg.ProvisionRetries; attempt++ {
		moved, err := o.store.TransitionJobStatus(ctx, job.ID, models.StatusQueued, models.StatusProvisioning)
		if err != nil {
			log.Printf("Failed to mark job %s provisioning: %v", job.ID, err)
			return
		}
		if !moved {
			log.Printf("Job %s left the queue before attempt %d, stopping", job.ID, attempt)
			return
		}

		inst, err := o.prov.CreateInstance(ctx, label, params)
		if err == nil {
			o.finishProvisioning(ctx, job.ID, inst)
			return
		}

		lastErr = err
		log.Printf("Provisioning attempt %d/%d failed for job %s: %v",
			attempt, o.cfg.ProvisionRetries, job.ID, err)

		if attempt < o.cfg.ProvisionRetries {
			moved, err := o.store.TransitionJobStatus(ctx, job.ID, models.StatusProvisioning, models.StatusQueued)
			if err != nil {
				log.Printf("Failed to requeue job %s: %v", job.ID, err)
			}
			if err == nil && !moved {
				log.Printf("Job %s turned terminal during attempt %d, stopping", job.ID, attempt)
				return
			}
			backoff := time.Duration(attempt) * o.cfg.ProvisionBackoff
			select {
			case <-time.After(backoff):
			case <-o.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}

	msg := fmt.Sprintf("Provisioning failed after %d attempts: %v", o.cfg.ProvisionRetries, lastErr)
	changed, err := o.store.FailJob(ctx, job.ID, msg)
	if err != nil {
		log.Printf("Failed to fail job %s: %v", job.ID, err)
		return
	}
	if changed {
		o.NotifyTerminal(ctx, job.ID)
	}
}

// finishProvisioning binds a freshly created instance to its job and moves
// the job into TRAINING. A cancel can land while the create call was in
// flight; in that case the instance is already orphaned and must be torn
// down here, since the cancel's own cleanup saw no bound instance.
func (o *Orchestrator) finishProvisioning(ctx context.Context, id uuid.UUID, inst *provisioner.Instance) {
	if current, err := o.store.GetJob(ctx, id); err == nil && current.Status.IsTerminal() {
		log.Printf("Job %s reached %s during provisioning, destroying instance %s", id, current.Status, inst.ID)
		if err := o.prov.DestroyInstance(ctx, inst.ID); err != nil {
			log.Printf("Failed to destroy instance %s for job %s: %v", inst.ID, id, err)
		}
		return
	}

	if err := o.store.BindInstance(ctx, id, inst.ID, inst.IP); err != nil {
		log.Printf("Failed to bind instance %s to job %s: %v", inst.ID, id, err)
	}

	moved, err := o.store.TransitionJobStatus(ctx, id, models.StatusProvisioning, models.StatusTraining)
	if err != nil {
		log.Printf("Failed to mark job %s training: %v", id, err)
		return
	}
	if !moved {
		log.Printf("Job %s turned terminal before training started, destroying instance %s", id, inst.ID)
		if err := o.prov.DestroyInstance(ctx, inst.ID); err != nil {
			log.Printf("Failed to destroy instance %s for job %s: %v", inst.ID, id, err)
		}
		// terminal rows must not keep compute fields
		if err := o.store.BindInstance(ctx, id, "", ""); err != nil {
			log.Printf("Failed to unbind instance from job %s: %v", id, err)
		}
		return
	}
	log.Printf("Job %s training on instance %s (%s)", id, inst.ID, inst.IP)
}

// bootstrapParamsFor builds the worker environment contract for a dedicated
// single-job instance.
func (o *Orchestrator) bootstrapParamsFor(job *models.TrainingJob) *provisioner.BootstrapParams {
	return &provisioner.BootstrapParams{
		JobID:          job.ID.String(),
		MissionID:      job.MissionID.String(),
		BaseModel:      job.BaseModel,
		Task:           string(job.Task),
		MaxEpochs:      job.MaxEpochs,
		BatchSize:      job.BatchSize,
		LearningRate:   job.LearningRate,
		UseLoRA:        job.UseLoRA,
		TargetAccuracy: job.TargetAccuracy,
		DatasetPath:    job.DatasetPath,
		CallbackURL:    o.cfg.APIBaseURL + "/api/v1/training",
		CallbackSecret: o.cfg.CallbackSecret,
		TrainingMode:   o.cfg.WorkerTrainingMode,
	}
}

// Cancel moves a live job to CANCELLED and reclaims its compute. Terminal
// jobs cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (*models.TrainingJob, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, ErrAlreadyTerminal
	}

	changed, err := o.store.CancelJob(ctx, id, "Cancelled by user")
	if err != nil {
		return nil, err
	}
	if changed {
		log.Printf("Job %s cancelled", id)
		o.NotifyTerminal(ctx, id)
	}
	return o.store.GetJob(ctx, id)
}

// NotifyTerminal runs the terminal-transition side effects for a job: compute
// cleanup and the webhook notification. Safe to call more than once; cleanup
// is idempotent and the webhook fires per observed transition.
func (o *Orchestrator) NotifyTerminal(ctx context.Context, id uuid.UUID) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		log.Printf("Cannot run terminal cleanup for job %s: %v", id, err)
		return
	}
	if !job.Status.IsTerminal() {
		return
	}
	o.releaseOrDestroy(ctx, job)
	o.fireWebhook(job)
}

// NotifyTerminalAsync runs NotifyTerminal on a tracked background goroutine.
// Callback handlers use it so the worker's HTTP response never waits on
// compute teardown or webhook delivery; a worker hanging up right after its
// POST must not abort the cleanup either, hence the detached context.
func (o *Orchestrator) NotifyTerminalAsync(id uuid.UUID) {
	o.spawn(func() {
		o.NotifyTerminal(context.Background(), id)
	})
}

// releaseOrDestroy reclaims the compute bound to a job. The persistent
// worker's shared instance is released back to idle and never destroyed;
// dedicated instances are torn down.
func (o *Orchestrator) releaseOrDestroy(ctx context.Context, job *models.TrainingJob) {
	if job.InstanceID == "" {
		return
	}

	if o.workers != nil {
		owned, err := o.workers.ReleaseIfOwned(ctx, job.InstanceID, job.ID)
		if err != nil {
			log.Printf("Worker release check failed for job %s: %v", job.ID, err)
		}
		if owned {
			log.Printf("Persistent worker released after job %s", job.ID)
			return
		}
	}

	if err := o.prov.DestroyInstance(ctx, job.InstanceID); err != nil {
		log.Printf("Failed to destroy instance %s for job %s: %v", job.InstanceID, job.ID, err)
	}
}

// fireWebhook POSTs the terminal-state payload to the job's notify webhook,
// if one was registered. Delivery is best-effort.
func (o *Orchestrator) fireWebhook(job *models.TrainingJob) {
	if job.NotifyWebhook == "" {
		return
	}

	payload := models.WebhookPayload{
		JobID:     job.ID.String(),
		MissionID: job.MissionID.String(),
		Status:    string(job.Status),
	}
	switch job.Status {
	case models.StatusCompleted:
		payload.Message = "Training completed successfully"
		payload.ResultAccuracy = job.ResultAccuracy
		payload.ResultLoss = job.ResultLoss
	case models.StatusFailed:
		payload.Message = "Training failed"
		payload.Error = job.ErrorMessage
	case models.StatusCancelled:
		payload.Message = "Training cancelled"
		payload.Error = job.ErrorMessage
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to encode webhook payload for job %s: %v", job.ID, err)
		return
	}

	resp, err := o.client.Post(job.NotifyWebhook, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("Webhook delivery failed for job %s: %v", job.ID, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("Webhook for job %s returned %d", job.ID, resp.StatusCode)
		return
	}
	log.Printf("Webhook delivered for job %s (%s)", job.ID, job.Status)
}

// sweepOrphans fails jobs stuck in PROVISIONING past the orphan timeout and
// reclaims whatever compute they may have bound.
func (o *Orchestrator) sweepOrphans(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-o.cfg.OrphanTimeout)
	jobs, err := o.store.ListStaleProvisioning(ctx, cutoff)
	if err != nil {
		log.Printf("Orphan sweep query failed: %v", err)
		return
	}

	for i := range jobs {
		job := &jobs[i]
		changed, err := o.store.FailJob(ctx, job.ID, "Job timed out during provisioning")
		if err != nil {
			log.Printf("Orphan sweep failed to fail job %s: %v", job.ID, err)
			continue
		}
		if changed {
			log.Printf("Job %s orphaned in provisioning, marked failed", job.ID)
			o.NotifyTerminal(ctx, job.ID)
		}
	}
}

func shortID(id uuid.UUID) string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
