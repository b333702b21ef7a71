package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforall/training-backend/catalog"
	"github.com/dataforall/training-backend/config"
	"github.com/dataforall/training-backend/models"
	"github.com/dataforall/training-backend/orchestrator"
	"github.com/dataforall/training-backend/stream"
)

// recordingProv tracks destroyed instances on top of the stub.
type recordingProv struct {
	stubProv
	mu        sync.Mutex
	destroyed []string
}

func (p *recordingProv) DestroyInstance(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, instanceID)
	return nil
}

func (p *recordingProv) Destroyed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.destroyed...)
}

func TestCallbacksRequireSecret(t *testing.T) {
	job := trainingJob(models.StatusTraining)
	env := newTestEnv(t, job)
	base := "/api/v1/training/jobs/" + job.ID.String() + "/callback"

	for _, path := range []string{"/status", "/heartbeat", "/log", "/complete", "/fail"} {
		w := doJSON(t, env.router, http.MethodPost, base+path, map[string]string{}, "wrong")
		assert.Equal(t, http.StatusForbidden, w.Code, "path %s must reject a bad secret", path)
	}
}

func TestStatusCallbackRecordsProgress(t *testing.T) {
	job := trainingJob(models.StatusProvisioning)
	env := newTestEnv(t, job)

	epoch, batch, total := 2, 5, 40
	loss := 0.42
	req := models.CallbackStatusRequest{
		Status:          "training",
		EpochsCompleted: 1,
		CurrentEpoch:    &epoch,
		CurrentBatch:    &batch,
		TotalBatches:    &total,
		CurrentLoss:     &loss,
	}
	w := doJSON(t, env.router, http.MethodPost,
		"/api/v1/training/jobs/"+job.ID.String()+"/callback/status", req, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTraining, got.Status, "first progress report flips the job to training")
	assert.Equal(t, 2, got.CurrentEpoch)
	assert.NotNil(t, got.LastProgressAt)
	require.NotNil(t, env.store.lastProgress)
	assert.False(t, env.store.lastProgress.Uploading)
}

func TestStatusCallbackUploadingPhase(t *testing.T) {
	job := trainingJob(models.StatusTraining)
	env := newTestEnv(t, job)

	req := models.CallbackStatusRequest{Status: "uploading", EpochsCompleted: 10}
	w := doJSON(t, env.router, http.MethodPost,
		"/api/v1/training/jobs/"+job.ID.String()+"/callback/status", req, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	got, _ := env.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.StatusUploading, got.Status)
}

func TestStatusCallbackClampsEpochToMax(t *testing.T) {
	job := trainingJob(models.StatusTraining)
	env := newTestEnv(t, job)

	epoch := 15
	req := models.CallbackStatusRequest{Status: "training", EpochsCompleted: 12, CurrentEpoch: &epoch}
	w := doJSON(t, env.router, http.MethodPost,
		"/api/v1/training/jobs/"+job.ID.String()+"/callback/status", req, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	require.NotNil(t, env.store.lastProgress)
	assert.Equal(t, 10, env.store.lastProgress.CurrentEpoch,
		"current epoch must never exceed max epochs")
	assert.Equal(t, 10, env.store.lastProgress.EpochsCompleted)
}

func TestStatusCallbackIgnoredForTerminalJob(t *testing.T) {
	job := trainingJob(models.StatusCancelled)
	env := newTestEnv(t, job)

	req := models.CallbackStatusRequest{Status: "training", EpochsCompleted: 3}
	w := doJSON(t, env.router, http.MethodPost,
		"/api/v1/training/jobs/"+job.ID.String()+"/callback/status", req, testSecret)
	assert.Equal(t, http.StatusNotFound, w.Code)

	got, _ := env.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.StatusCancelled, got.Status, "terminal jobs must not be resurrected")
}

func TestHeartbeatDoesNotChangeStatus(t *testing.T) {
	job := trainingJob(models.StatusTraining)
	env := newTestEnv(t, job)

	temp := 71.5
	req := models.CallbackHeartbeatRequest{WorkerStatus: "training_epoch_3", GPUTempC: &temp}
	w := doJSON(t, env.router, http.MethodPost,
		"/api/v1/training/jobs/"+job.ID.String()+"/callback/heartbeat", req, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	got, _ := env.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.StatusTraining, got.Status)
	assert.Equal(t, "training_epoch_3", got.WorkerStatus)
	assert.NotNil(t, got.LastHeartbeatAt)
	assert.Nil(t, got.LastProgressAt, "a heartbeat is not progress")
}

func TestLogCallbackStoresAndBroadcasts(t *testing.T) {
	job := trainingJob(models.StatusTraining)
	env := newTestEnv(t, job)

	sub := env.hub.Subscribe(job.ID)
	defer env.hub.Unsubscribe(job.ID, sub)

	epoch := 1
	req := models.CallbackLogRequest{
		Level:     "INFO",
		Message:   "epoch 1 done",
		Timestamp: time.Now().UTC(),
		Epoch:     &epoch,
	}
	w := doJSON(t, env.router, http.MethodPost,
		"/api/v1/training/jobs/"+job.ID.String()+"/callback/log", req, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	logs, total, err := env.store.ListLogs(context.Background(), job.ID, "", 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "epoch 1 done", logs[0].Message)

	select {
	case ev := <-sub:
		assert.Equal(t, "log", ev.Kind)
	default:
		t.Fatal("log event was not broadcast")
	}
}

func TestLogCallbackRejectsUnknownLevel(t *testing.T) {
	job := trainingJob(models.StatusTraining)
	env := newTestEnv(t, job)

	req := map[string]interface{}{
		"level": "TRACE", "message": "x", "timestamp": time.Now().UTC(),
	}
	w := doJSON(t, env.router, http.MethodPost,
		"/api/v1/training/jobs/"+job.ID.String()+"/callback/log", req, testSecret)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompleteCallbackIsExactlyOnce(t *testing.T) {
	job := trainingJob(models.StatusUploading)
	env := newTestEnv(t, job)
	path := "/api/v1/training/jobs/" + job.ID.String() + "/callback/complete"

	first := models.CallbackCompleteRequest{ResultAccuracy: 0.91, ResultLoss: 0.2, EpochsCompleted: 10}
	w := doJSON(t, env.router, http.MethodPost, path, first, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	second := models.CallbackCompleteRequest{ResultAccuracy: 0.50, ResultLoss: 0.9, EpochsCompleted: 4}
	w = doJSON(t, env.router, http.MethodPost, path, second, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["already_terminal"])

	got, _ := env.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.ResultAccuracy)
	assert.InDelta(t, 0.91, *got.ResultAccuracy, 1e-9, "the first result must stand")
}

func TestCompleteCallbackCleanupRunsDetached(t *testing.T) {
	gin.SetMode(gin.TestMode)
	job := trainingJob(models.StatusUploading)
	job.InstanceID = "inst-7"

	cfg := &config.Config{
		APIBaseURL:         "http://localhost:8080",
		CallbackSecret:     testSecret,
		WorkerTrainingMode: "simulated",
		ProvisionRetries:   1,
		ProvisionBackoff:   time.Millisecond,
		WebhookTimeout:     time.Second,
		SkipApprovalCheck:  true,
	}
	store := newStubStore(job)
	prov := &recordingProv{}
	orch := orchestrator.New(cfg, store, prov, nil)

	h := NewHandler(cfg, store, orch, prov, nil, stream.NewHub(), catalog.New(""), nil)
	router := gin.New()
	h.RegisterRoutes(router)

	req := models.CallbackCompleteRequest{ResultAccuracy: 0.9, ResultLoss: 0.3, EpochsCompleted: 10}
	w := doJSON(t, router, http.MethodPost,
		"/api/v1/training/jobs/"+job.ID.String()+"/callback/complete", req, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	// Stop waits for the background teardown the callback kicked off; the
	// response itself must not have depended on it.
	orch.Stop()
	assert.Equal(t, []string{"inst-7"}, prov.Destroyed())
}

func TestFailCallbackRecordsError(t *testing.T) {
	job := trainingJob(models.StatusTraining)
	env := newTestEnv(t, job)

	req := models.CallbackFailRequest{ErrorMessage: "CUDA out of memory"}
	w := doJSON(t, env.router, http.MethodPost,
		"/api/v1/training/jobs/"+job.ID.String()+"/callback/fail", req, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	got, _ := env.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "CUDA out of memory", got.ErrorMessage)
}

func TestFailAfterCompleteIsIgnored(t *testing.T) {
	job := trainingJob(models.StatusCompleted)
	acc := 0.88
	job.ResultAccuracy = &acc
	env := newTestEnv(t, job)

	req := models.CallbackFailRequest{ErrorMessage: "late failure"}
	w := doJSON(t, env.router, http.MethodPost,
		"/api/v1/training/jobs/"+job.ID.String()+"/callback/fail", req, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	got, _ := env.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
}
