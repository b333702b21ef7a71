// Package worker manages the single long-lived persistent GPU worker: an
// instance that stays up between jobs and polls the backend for work, trading
// idle cost for zero provisioning latency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/dataforall/training-backend/config"
	"github.com/dataforall/training-backend/models"
	"github.com/dataforall/training-backend/provisioner"
	"github.com/dataforall/training-backend/repository"
)

var (
	// ErrWorkerActive is returned by Start when a live worker already exists.
	ErrWorkerActive = errors.New("a persistent worker is already active")
	// ErrNoWorker is returned when an operation needs an active worker and
	// none exists.
	ErrNoWorker = errors.New("no active persistent worker")
)

// Store is the slice of the repository the manager persists worker state
// through.
type Store interface {
	ActiveWorker(ctx context.Context) (*models.PersistentWorker, error)
	CreateWorker(ctx context.Context, worker *models.PersistentWorker) error
	DeleteWorker(ctx context.Context, id uuid.UUID) error
	UpdateWorkerStatus(ctx context.Context, id uuid.UUID, status models.WorkerStatus) error
	TouchWorker(ctx context.Context, id uuid.UUID) error
	SetWorkerBusy(ctx context.Context, id, jobID uuid.UUID) error
	SetWorkerIdle(ctx context.Context, id uuid.UUID) error
}

// Manager owns the persistent worker lifecycle. At most one non-terminated
// worker exists; the database record is authoritative and survives restarts.
type Manager struct {
	cfg   *config.Config
	store Store
	prov  provisioner.Provisioner
}

// NewManager creates a persistent worker manager.
func NewManager(cfg *config.Config, store Store, prov provisioner.Provisioner) *Manager {
	return &Manager{cfg: cfg, store: store, prov: prov}
}

func (m *Manager) persistentParams() *provisioner.BootstrapParams {
	return &provisioner.BootstrapParams{
		Persistent:     true,
		CallbackURL:    m.cfg.APIBaseURL + "/api/v1/training",
		CallbackSecret: m.cfg.CallbackSecret,
		TrainingMode:   m.cfg.WorkerTrainingMode,
	}
}

// Start provisions the persistent worker instance. If a recorded worker's
// instance is still running this is an error; a dead instance's stale record
// is replaced instead.
func (m *Manager) Start(ctx context.Context) (*models.PersistentWorker, error) {
	existing, err := m.store.ActiveWorker(ctx)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		status, serr := m.prov.InstanceStatus(ctx, existing.InstanceID)
		if serr == nil && status == "running" {
			return existing, ErrWorkerActive
		}
		log.Printf("Stale worker record %s (instance %s not running), replacing",
			existing.ID, existing.InstanceID)
		if err := m.store.DeleteWorker(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("failed to remove stale worker record: %w", err)
		}
	}

	inst, err := m.prov.CreateInstance(ctx, "dfa-persistent-worker", m.persistentParams())
	if err != nil {
		return nil, fmt.Errorf("failed to provision persistent worker: %w", err)
	}

	w := &models.PersistentWorker{
		ID:         uuid.New(),
		InstanceID: inst.ID,
		IP:         inst.IP,
		Status:     models.WorkerStarting,
	}
	if err := m.store.CreateWorker(ctx, w); err != nil {
		log.Printf("Failed to record worker, destroying instance %s", inst.ID)
		if derr := m.prov.DestroyInstance(context.Background(), inst.ID); derr != nil {
			log.Printf("Cleanup of instance %s also failed: %v", inst.ID, derr)
		}
		return nil, fmt.Errorf("failed to record persistent worker: %w", err)
	}

	log.Printf("Persistent worker %s started on instance %s (%s)", w.ID, inst.ID, inst.IP)
	return w, nil
}

// Stop destroys the worker's instance and marks the record terminated. The
// record is kept for audit.
func (m *Manager) Stop(ctx context.Context) (*models.PersistentWorker, error) {
	w, err := m.store.ActiveWorker(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoWorker
	}
	if err != nil {
		return nil, err
	}

	if err := m.prov.DestroyInstance(ctx, w.InstanceID); err != nil {
		log.Printf("Failed to destroy worker instance %s, terminating record anyway: %v",
			w.InstanceID, err)
	}
	if err := m.store.UpdateWorkerStatus(ctx, w.ID, models.WorkerTerminated); err != nil {
		return nil, err
	}

	log.Printf("Persistent worker %s stopped", w.ID)
	w.Status = models.WorkerTerminated
	return w, nil
}

// Refresh re-delivers the worker bootstrap to the running instance, pulling
// the latest image and restarting the worker container. The worker drops to
// starting until its next poll-in.
func (m *Manager) Refresh(ctx context.Context) (*models.PersistentWorker, error) {
	w, err := m.store.ActiveWorker(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoWorker
	}
	if err != nil {
		return nil, err
	}

	inst := &provisioner.Instance{ID: w.InstanceID, IP: w.IP}
	if err := m.prov.Rebootstrap(ctx, inst, m.persistentParams()); err != nil {
		return nil, fmt.Errorf("failed to refresh persistent worker: %w", err)
	}
	if err := m.store.UpdateWorkerStatus(ctx, w.ID, models.WorkerStarting); err != nil {
		return nil, err
	}

	log.Printf("Persistent worker %s refreshed", w.ID)
	w.Status = models.WorkerStarting
	return w, nil
}

// Status returns the merged view of the worker: the database record, a live
// provider-side instance check and the heartbeat age. A worker past the
// liveness window is demoted to offline in the response.
func (m *Manager) Status(ctx context.Context) (*models.WorkerStatusResponse, error) {
	w, err := m.store.ActiveWorker(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return &models.WorkerStatusResponse{
			Active:  false,
			Status:  "none",
			Message: "No persistent worker",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	resp := &models.WorkerStatusResponse{
		Active:        true,
		WorkerID:      w.ID.String(),
		InstanceID:    w.InstanceID,
		IP:            w.IP,
		Status:        string(w.Status),
		HourlyCostUSD: m.prov.GPUInfo().HourlyRateUSD,
	}
	if w.CurrentJobID != nil {
		resp.CurrentJobID = w.CurrentJobID.String()
	}
	if w.LastSeenAt != nil {
		seen := w.LastSeenAt.UTC().Format(time.RFC3339)
		resp.LastSeenAt = &seen
		age := time.Since(*w.LastSeenAt).Seconds()
		resp.HeartbeatAgeSeconds = &age
		if !m.seenRecently(w) && (w.Status == models.WorkerOnline || w.Status == models.WorkerBusy) {
			resp.Status = string(models.WorkerOffline)
			if err := m.store.UpdateWorkerStatus(ctx, w.ID, models.WorkerOffline); err != nil {
				log.Printf("Failed to demote worker %s to offline: %v", w.ID, err)
			}
		}
	}

	if status, serr := m.prov.InstanceStatus(ctx, w.InstanceID); serr == nil {
		resp.InstanceStatus = status
	}
	return resp, nil
}

// Touch records a poll-in from the worker. Used by the next-job endpoint so
// every poll doubles as a liveness signal.
func (m *Manager) Touch(ctx context.Context) error {
	w, err := m.store.ActiveWorker(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNoWorker
	}
	if err != nil {
		return err
	}
	return m.store.TouchWorker(ctx, w.ID)
}

// Claim marks the worker busy with a job and returns the worker so the
// caller can bind the job to the shared instance.
func (m *Manager) Claim(ctx context.Context, jobID uuid.UUID) (*models.PersistentWorker, error) {
	w, err := m.store.ActiveWorker(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoWorker
	}
	if err != nil {
		return nil, err
	}
	if err := m.store.SetWorkerBusy(ctx, w.ID, jobID); err != nil {
		return nil, err
	}
	w.Status = models.WorkerBusy
	w.CurrentJobID = &jobID
	return w, nil
}

// IsOnline reports whether the worker can take queued jobs: starting workers
// count (they will claim once booted), online and busy workers count only
// within the liveness window.
func (m *Manager) IsOnline(ctx context.Context) bool {
	w, err := m.store.ActiveWorker(ctx)
	if err != nil {
		return false
	}
	switch w.Status {
	case models.WorkerStarting:
		return true
	case models.WorkerOnline, models.WorkerBusy:
		return m.seenRecently(w)
	}
	return false
}

// ReleaseIfOwned releases the worker back to idle when instanceID is the
// persistent worker's shared instance. The instance itself is never touched.
func (m *Manager) ReleaseIfOwned(ctx context.Context, instanceID string, jobID uuid.UUID) (bool, error) {
	w, err := m.store.ActiveWorker(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if w.InstanceID != instanceID {
		return false, nil
	}
	if err := m.store.SetWorkerIdle(ctx, w.ID); err != nil {
		return true, err
	}
	log.Printf("Persistent worker %s released from job %s", w.ID, jobID)
	return true, nil
}

func (m *Manager) seenRecently(w *models.PersistentWorker) bool {
	return w.LastSeenAt != nil && time.Since(*w.LastSeenAt) <= m.cfg.WorkerLivenessWindow
}
