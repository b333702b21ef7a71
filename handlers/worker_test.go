package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforall/training-backend/catalog"
	"github.com/dataforall/training-backend/config"
	"github.com/dataforall/training-backend/models"
	"github.com/dataforall/training-backend/orchestrator"
	"github.com/dataforall/training-backend/repository"
	"github.com/dataforall/training-backend/stream"
	"github.com/dataforall/training-backend/worker"
)

// workerRecordStore backs a real worker.Manager in next-job tests.
type workerRecordStore struct {
	worker *models.PersistentWorker
}

func (s *workerRecordStore) ActiveWorker(ctx context.Context) (*models.PersistentWorker, error) {
	if s.worker == nil {
		return nil, repository.ErrNotFound
	}
	cp := *s.worker
	return &cp, nil
}

func (s *workerRecordStore) CreateWorker(ctx context.Context, w *models.PersistentWorker) error {
	s.worker = w
	return nil
}

func (s *workerRecordStore) DeleteWorker(ctx context.Context, id uuid.UUID) error {
	s.worker = nil
	return nil
}

func (s *workerRecordStore) UpdateWorkerStatus(ctx context.Context, id uuid.UUID, status models.WorkerStatus) error {
	s.worker.Status = status
	return nil
}

func (s *workerRecordStore) TouchWorker(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	s.worker.LastSeenAt = &now
	if s.worker.Status == models.WorkerStarting || s.worker.Status == models.WorkerOffline {
		s.worker.Status = models.WorkerOnline
	}
	return nil
}

func (s *workerRecordStore) SetWorkerBusy(ctx context.Context, id, jobID uuid.UUID) error {
	s.worker.Status = models.WorkerBusy
	s.worker.CurrentJobID = &jobID
	return nil
}

func (s *workerRecordStore) SetWorkerIdle(ctx context.Context, id uuid.UUID) error {
	s.worker.Status = models.WorkerOnline
	s.worker.CurrentJobID = nil
	return nil
}

func newWorkerEnv(t *testing.T, wrec *models.PersistentWorker, jobs ...*models.TrainingJob) (*gin.Engine, *stubStore, *workerRecordStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		APIBaseURL:              "http://localhost:8080",
		CallbackSecret:          testSecret,
		WorkerTrainingMode:      "simulated",
		PersistentWorkerEnabled: true,
		WorkerLivenessWindow:    2 * time.Minute,
		ProvisionRetries:        1,
		ProvisionBackoff:        time.Millisecond,
		WebhookTimeout:          time.Second,
		SkipApprovalCheck:       true,
	}

	store := newStubStore(jobs...)
	wstore := &workerRecordStore{worker: wrec}
	mgr := worker.NewManager(cfg, wstore, stubProv{})
	orch := orchestrator.New(cfg, store, stubProv{}, mgr)
	t.Cleanup(orch.Stop)

	h := NewHandler(cfg, store, orch, stubProv{}, mgr, stream.NewHub(), catalog.New(""), nil)
	router := gin.New()
	h.RegisterRoutes(router)
	return router, store, wstore
}

func onlineWorker() *models.PersistentWorker {
	now := time.Now().UTC()
	return &models.PersistentWorker{
		ID:         uuid.New(),
		InstanceID: "inst-shared",
		IP:         "10.0.0.2",
		Status:     models.WorkerOnline,
		LastSeenAt: &now,
	}
}

func TestNextJobEmptyQueue(t *testing.T) {
	router, _, wstore := newWorkerEnv(t, onlineWorker())

	w := doJSON(t, router, http.MethodGet, "/api/v1/training/worker/next-job", nil, testSecret)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotNil(t, wstore.worker.LastSeenAt, "every poll stamps liveness")
}

func TestNextJobRequiresSecret(t *testing.T) {
	router, _, _ := newWorkerEnv(t, onlineWorker())
	w := doJSON(t, router, http.MethodGet, "/api/v1/training/worker/next-job", nil, "nope")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestNextJobClaimsAndBindsToWorker(t *testing.T) {
	job := trainingJob(models.StatusQueued)
	router, store, wstore := newWorkerEnv(t, onlineWorker(), job)
	store.claimable = job

	w := doJSON(t, router, http.MethodGet, "/api/v1/training/worker/next-job", nil, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.NextJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, job.ID.String(), resp.JobID)
	assert.Equal(t, "text-classification", resp.Task)
	assert.Equal(t, "simulated", resp.TrainingMode)

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "inst-shared", got.InstanceID)

	assert.Equal(t, models.WorkerBusy, wstore.worker.Status)
	require.NotNil(t, wstore.worker.CurrentJobID)
	assert.Equal(t, job.ID, *wstore.worker.CurrentJobID)
}

func TestWorkerStatusEndpoint(t *testing.T) {
	router, _, _ := newWorkerEnv(t, onlineWorker())

	w := doJSON(t, router, http.MethodGet, "/api/v1/training/worker/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.WorkerStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Active)
	assert.Equal(t, "inst-shared", resp.InstanceID)
	assert.Equal(t, string(models.WorkerOnline), resp.Status)
	assert.Equal(t, "running", resp.InstanceStatus)
}

func TestWorkerStartConflictsWhileRunning(t *testing.T) {
	router, _, _ := newWorkerEnv(t, onlineWorker())
	w := doJSON(t, router, http.MethodPost, "/api/v1/training/worker/start", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkerStartAndStop(t *testing.T) {
	router, _, wstore := newWorkerEnv(t, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/training/worker/start", nil, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, wstore.worker)
	assert.Equal(t, models.WorkerStarting, wstore.worker.Status)

	w = doJSON(t, router, http.MethodPost, "/api/v1/training/worker/stop", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.WorkerTerminated, wstore.worker.Status)
}
