package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforall/training-backend/config"
	"github.com/dataforall/training-backend/models"
	"github.com/dataforall/training-backend/provisioner"
)

func testConfig() *config.Config {
	return &config.Config{
		APIBaseURL:         "http://localhost:8080",
		CallbackSecret:     "secret",
		WorkerTrainingMode: "simulated",
		ProvisionRetries:   3,
		ProvisionBackoff:   time.Millisecond,
		OrphanInterval:     time.Minute,
		OrphanTimeout:      30 * time.Minute,
		HeartbeatInterval:  time.Minute,
		HeartbeatTimeout:   5 * time.Minute,
		WebhookTimeout:     2 * time.Second,
	}
}

type fakeStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.TrainingJob
	statusLog []models.TrainingJobStatus
	stale     []models.TrainingJob
}

func newFakeStore(jobs ...*models.TrainingJob) *fakeStore {
	s := &fakeStore{jobs: make(map[uuid.UUID]*models.TrainingJob)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) GetJob(ctx context.Context, id uuid.UUID) (*models.TrainingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) TransitionJobStatus(ctx context.Context, id uuid.UUID, from, to models.TrainingJobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j.Status != from {
		return false, nil
	}
	j.Status = to
	s.statusLog = append(s.statusLog, to)
	return true, nil
}

func (s *fakeStore) BindInstance(ctx context.Context, id uuid.UUID, instanceID, instanceIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].InstanceID = instanceID
	s.jobs[id].InstanceIP = instanceIP
	return nil
}

func (s *fakeStore) FailJob(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j.Status.IsTerminal() {
		return false, nil
	}
	j.Status = models.StatusFailed
	j.ErrorMessage = message
	s.statusLog = append(s.statusLog, models.StatusFailed)
	return true, nil
}

func (s *fakeStore) CancelJob(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j.Status.IsTerminal() {
		return false, nil
	}
	j.Status = models.StatusCancelled
	j.ErrorMessage = message
	s.statusLog = append(s.statusLog, models.StatusCancelled)
	return true, nil
}

func (s *fakeStore) ListStaleProvisioning(ctx context.Context, cutoff time.Time) ([]models.TrainingJob, error) {
	return s.stale, nil
}

func (s *fakeStore) ListStaleTraining(ctx context.Context, cutoff time.Time) ([]models.TrainingJob, error) {
	return s.stale, nil
}

type fakeProv struct {
	mu        sync.Mutex
	failTimes int
	created   int
	destroyed []string
	onCreate  func()
}

func (p *fakeProv) CreateInstance(ctx context.Context, label string, params *provisioner.BootstrapParams) (*provisioner.Instance, error) {
	p.mu.Lock()
	p.created++
	created := p.created
	hook := p.onCreate
	p.mu.Unlock()
	if created <= p.failTimes {
		return nil, errors.New("capacity exhausted")
	}
	if hook != nil {
		hook()
	}
	return &provisioner.Instance{ID: "inst-1", IP: "10.0.0.1"}, nil
}

func (p *fakeProv) InstanceStatus(ctx context.Context, instanceID string) (string, error) {
	return "running", nil
}

func (p *fakeProv) DestroyInstance(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, instanceID)
	return nil
}

func (p *fakeProv) Rebootstrap(ctx context.Context, inst *provisioner.Instance, params *provisioner.BootstrapParams) error {
	return nil
}

func (p *fakeProv) EstimateCost(maxEpochs int) float64 { return 0.5 }
func (p *fakeProv) GPUInfo() models.GPUInfo            { return models.GPUInfo{} }
func (p *fakeProv) Mode() string                       { return "fake" }

type fakePool struct {
	online   bool
	owned    string
	released []uuid.UUID
}

func (p *fakePool) IsOnline(ctx context.Context) bool { return p.online }

func (p *fakePool) ReleaseIfOwned(ctx context.Context, instanceID string, jobID uuid.UUID) (bool, error) {
	if instanceID != p.owned {
		return false, nil
	}
	p.released = append(p.released, jobID)
	return true, nil
}

func queuedJob() *models.TrainingJob {
	return &models.TrainingJob{
		ID:        uuid.New(),
		MissionID: uuid.New(),
		Task:      models.TaskImageClassification,
		BaseModel: "google/vit-base-patch16-224",
		Status:    models.StatusQueued,
		MaxEpochs: 5,
	}
}

func TestProvisionRetryThenSuccess(t *testing.T) {
	job := queuedJob()
	store := newFakeStore(job)
	prov := &fakeProv{failTimes: 2}
	o := New(testConfig(), store, prov, nil)

	o.provisionWithRetry(context.Background(), job)

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTraining, got.Status,
		"a successfully provisioned job must end up training")
	assert.Equal(t, "inst-1", got.InstanceID)
	assert.Equal(t, "10.0.0.1", got.InstanceIP)
	assert.Equal(t, 3, prov.created)

	// every failed attempt must requeue the job before retrying
	assert.Equal(t, []models.TrainingJobStatus{
		models.StatusProvisioning,
		models.StatusQueued,
		models.StatusProvisioning,
		models.StatusQueued,
		models.StatusProvisioning,
		models.StatusTraining,
	}, store.statusLog)
}

func TestProvisionSkippedWhenWorkerClaimsJob(t *testing.T) {
	job := queuedJob()
	job.Status = models.StatusTraining // claimed via the worker's next-job poll
	store := newFakeStore(job)
	prov := &fakeProv{}
	o := New(testConfig(), store, prov, nil)

	o.provisionWithRetry(context.Background(), job)

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.StatusTraining, got.Status)
	assert.Zero(t, prov.created, "a claimed job must not get a second instance")
}

func TestCancelDuringInflightProvisionDestroysInstance(t *testing.T) {
	job := queuedJob()
	store := newFakeStore(job)
	prov := &fakeProv{}
	prov.onCreate = func() {
		_, err := store.CancelJob(context.Background(), job.ID, "Cancelled by user")
		require.NoError(t, err)
	}
	o := New(testConfig(), store, prov, nil)

	o.provisionWithRetry(context.Background(), job)

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Empty(t, got.InstanceID, "a cancelled job must not hold compute fields")
	assert.Equal(t, []string{"inst-1"}, prov.destroyed,
		"the instance created for a cancelled job must be torn down")
}

func TestProvisionExhaustionFailsJob(t *testing.T) {
	job := queuedJob()
	store := newFakeStore(job)
	prov := &fakeProv{failTimes: 10}
	o := New(testConfig(), store, prov, nil)

	o.provisionWithRetry(context.Background(), job)

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "Provisioning failed after 3 attempts: capacity exhausted", got.ErrorMessage)
	assert.Equal(t, 3, prov.created)
}

func TestProvisionStopsWhenJobTurnsTerminal(t *testing.T) {
	job := queuedJob()
	job.Status = models.StatusCancelled
	store := newFakeStore(job)
	prov := &fakeProv{}
	o := New(testConfig(), store, prov, nil)

	o.provisionWithRetry(context.Background(), job)

	assert.Zero(t, prov.created)
}

func TestCancelLiveJobDestroysDedicatedInstance(t *testing.T) {
	job := queuedJob()
	job.Status = models.StatusTraining
	job.InstanceID = "inst-9"
	store := newFakeStore(job)
	prov := &fakeProv{}
	o := New(testConfig(), store, prov, nil)

	got, err := o.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, []string{"inst-9"}, prov.destroyed)
}

func TestCancelTerminalJobRefused(t *testing.T) {
	job := queuedJob()
	job.Status = models.StatusCompleted
	store := newFakeStore(job)
	o := New(testConfig(), store, &fakeProv{}, nil)

	got, err := o.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestCleanupReleasesPersistentWorkerInstance(t *testing.T) {
	job := queuedJob()
	job.Status = models.StatusCompleted
	job.InstanceID = "shared-inst"
	store := newFakeStore(job)
	prov := &fakeProv{}
	pool := &fakePool{owned: "shared-inst"}
	o := New(testConfig(), store, prov, pool)

	o.NotifyTerminal(context.Background(), job.ID)

	assert.Equal(t, []uuid.UUID{job.ID}, pool.released)
	assert.Empty(t, prov.destroyed, "shared instance must never be destroyed")
}

func TestCleanupDestroysUnownedInstance(t *testing.T) {
	job := queuedJob()
	job.Status = models.StatusFailed
	job.InstanceID = "inst-5"
	store := newFakeStore(job)
	prov := &fakeProv{}
	pool := &fakePool{owned: "other"}
	o := New(testConfig(), store, prov, pool)

	o.NotifyTerminal(context.Background(), job.ID)

	assert.Empty(t, pool.released)
	assert.Equal(t, []string{"inst-5"}, prov.destroyed)
}

func TestNotifyTerminalAsyncCleansUpAfterCaller(t *testing.T) {
	job := queuedJob()
	job.Status = models.StatusFailed
	job.InstanceID = "inst-5"
	store := newFakeStore(job)
	prov := &fakeProv{}
	o := New(testConfig(), store, prov, nil)

	o.NotifyTerminalAsync(job.ID)
	o.Stop() // waits for the detached cleanup goroutine

	assert.Equal(t, []string{"inst-5"}, prov.destroyed)
}

func TestLaunchJobSkipsProvisioningWhenWorkerOnline(t *testing.T) {
	cfg := testConfig()
	cfg.PersistentWorkerEnabled = true
	job := queuedJob()
	store := newFakeStore(job)
	prov := &fakeProv{}
	o := New(cfg, store, prov, &fakePool{online: true})

	o.LaunchJob(job)
	o.Stop()

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Zero(t, prov.created)
}

func TestOrphanSweepFailsStaleProvisioning(t *testing.T) {
	job := queuedJob()
	job.Status = models.StatusProvisioning
	job.InstanceID = "inst-3"
	store := newFakeStore(job)
	store.stale = []models.TrainingJob{*job}
	prov := &fakeProv{}
	o := New(testConfig(), store, prov, nil)

	o.sweepOrphans(context.Background())

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "Job timed out during provisioning", got.ErrorMessage)
	assert.Equal(t, []string{"inst-3"}, prov.destroyed)
}

func TestWebhookDeliveredOnTerminal(t *testing.T) {
	var received models.WebhookPayload
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		close(done)
	}))
	defer srv.Close()

	acc := 0.93
	job := queuedJob()
	job.Status = models.StatusCompleted
	job.ResultAccuracy = &acc
	job.NotifyWebhook = srv.URL
	store := newFakeStore(job)
	o := New(testConfig(), store, &fakeProv{}, nil)

	o.NotifyTerminal(context.Background(), job.ID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
	assert.Equal(t, job.ID.String(), received.JobID)
	assert.Equal(t, "completed", received.Status)
	require.NotNil(t, received.ResultAccuracy)
	assert.InDelta(t, 0.93, *received.ResultAccuracy, 1e-9)
	assert.True(t, strings.Contains(received.Message, "completed"))
}
