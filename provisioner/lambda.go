package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/dataforall/training-backend/config"
	"github.com/dataforall/training-backend/models"
)

const lambdaBase = "https://cloud.lambdalabs.com/api/v1"

var lambdaGPUInfo = models.GPUInfo{
	Name:          "NVIDIA A10 (Lambda Labs)",
	Plan:          "gpu_1x_a10",
	HourlyRateUSD: 0.75,
	GPUMemoryGB:   24,
	CPUMemoryGB:   200,
	Description:   "NVIDIA A10, 24 GB VRAM, 30 vCPU, 200 GB RAM. Lambda on-demand. $0.75/hr.",
}

// Lambda provisions on-demand GPU instances through the Lambda Cloud API.
// Lambda has no user_data facility, so bootstrap happens in a second step:
// once the instance is active the startup script is delivered over SSH.
type Lambda struct {
	cfg    *config.Config
	client *http.Client
	ssh    *sshRunner
}

// NewLambda creates a Lambda Labs provisioner.
func NewLambda(cfg *config.Config) *Lambda {
	return &Lambda{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		ssh: newSSHRunner(cfg.LambdaSSHUser, cfg.LambdaSSHPrivateKey,
			cfg.SSHAttempts, cfg.SSHRetryDelay, cfg.SSHCommandTimeout),
	}
}

type lambdaInstance struct {
	ID     string `json:"id"`
	IP     string `json:"ip"`
	Status string `json:"status"`
}

// CreateInstance launches an instance, waits for it to become active with an
// IP, then bootstraps it over SSH. If every SSH attempt fails the instance is
// torn down before the error is returned, so no orphaned compute bills.
func (l *Lambda) CreateInstance(ctx context.Context, label string, params *BootstrapParams) (*Instance, error) {
	payload := map[string]interface{}{
		"region_name":        l.cfg.LambdaRegion,
		"instance_type_name": l.cfg.LambdaInstanceType,
		"ssh_key_names":      []string{l.cfg.LambdaSSHKeyName},
		"name":               label,
	}

	var launched struct {
		Data struct {
			InstanceIDs []string `json:"instance_ids"`
		} `json:"data"`
	}
	if err := l.do(ctx, http.MethodPost, "/instance-operations/launch", payload, &launched); err != nil {
		return nil, fmt.Errorf("lambda launch failed: %w", err)
	}
	if len(launched.Data.InstanceIDs) == 0 {
		return nil, fmt.Errorf("lambda launch returned no instance IDs")
	}
	instanceID := launched.Data.InstanceIDs[0]
	log.Printf("Lambda GPU instance launched: %s", instanceID)

	active, err := l.pollUntilActive(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	script := BuildStartupScript(l.cfg, params)
	if err := l.ssh.runWithRetry(ctx, active.IP, script); err != nil {
		log.Printf("Bootstrap failed for Lambda instance %s, destroying it", instanceID)
		if derr := l.DestroyInstance(context.Background(), instanceID); derr != nil {
			log.Printf("Cleanup of Lambda instance %s also failed: %v", instanceID, derr)
		}
		return nil, fmt.Errorf("lambda bootstrap failed: %w", err)
	}

	return &Instance{ID: active.ID, IP: active.IP}, nil
}

func (l *Lambda) pollUntilActive(ctx context.Context, instanceID string) (*lambdaInstance, error) {
	deadline := time.Now().Add(l.cfg.InstancePollWait)
	for time.Now().Before(deadline) {
		inst, err := l.getInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}

		log.Printf("Lambda GPU %s: status=%s ip=%s", instanceID, inst.Status, inst.IP)

		if inst.Status == "active" && inst.IP != "" {
			return inst, nil
		}

		select {
		case <-time.After(l.cfg.InstancePollEvery):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("lambda instance %s did not become active within %s",
		instanceID, l.cfg.InstancePollWait)
}

func (l *Lambda) getInstance(ctx context.Context, instanceID string) (*lambdaInstance, error) {
	var got struct {
		Data lambdaInstance `json:"data"`
	}
	if err := l.do(ctx, http.MethodGet, "/instances/"+instanceID, nil, &got); err != nil {
		return nil, err
	}
	return &got.Data, nil
}

// InstanceStatus returns the provider-side status string for an instance.
func (l *Lambda) InstanceStatus(ctx context.Context, instanceID string) (string, error) {
	inst, err := l.getInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if inst.Status == "active" {
		return "running", nil
	}
	return inst.Status, nil
}

// DestroyInstance terminates an instance. Failures are logged; teardown must
// never block a job-state transition.
func (l *Lambda) DestroyInstance(ctx context.Context, instanceID string) error {
	payload := map[string]interface{}{
		"instance_ids": []string{instanceID},
	}
	if err := l.do(ctx, http.MethodPost, "/instance-operations/terminate", payload, nil); err != nil {
		log.Printf("Lambda terminate error for %s: %v", instanceID, err)
		return err
	}
	log.Printf("Lambda GPU instance %s terminated", instanceID)
	return nil
}

// Rebootstrap re-delivers a startup script to a running instance over SSH.
// Used to restart or refresh the persistent worker without recreating the
// instance.
func (l *Lambda) Rebootstrap(ctx context.Context, inst *Instance, params *BootstrapParams) error {
	script := BuildRefreshScript(l.cfg, params)
	return l.ssh.runWithRetry(ctx, inst.IP, script)
}

// EstimateCost returns the upfront USD estimate for a run.
func (l *Lambda) EstimateCost(maxEpochs int) float64 {
	return estimateFlatHourly(lambdaGPUInfo.HourlyRateUSD, maxEpochs)
}

// GPUInfo returns the static specs of the provisioned GPU.
func (l *Lambda) GPUInfo() models.GPUInfo {
	return lambdaGPUInfo
}

// Mode identifies the provider in API responses.
func (l *Lambda) Mode() string {
	return "lambda"
}

func (l *Lambda) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, lambdaBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+l.cfg.LambdaAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("lambda API error %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
