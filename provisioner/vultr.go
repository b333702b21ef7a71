package provisioner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/dataforall/training-backend/config"
	"github.com/dataforall/training-backend/models"
)

const (
	vultrBase = "https://api.vultr.com/v2"
	vultrOSID = 2284
)

var vultrGPUInfo = models.GPUInfo{
	Name:          "NVIDIA A100 Cloud GPU",
	Plan:          "vcg-a100-2c-15g-10vram",
	HourlyRateUSD: 0.342,
	GPUMemoryGB:   10,
	CPUMemoryGB:   15,
	Description:   "NVIDIA A100, 10 GB VRAM, 15 GB RAM, 2 vCPU. Cloud GPU in ewr. $0.342/hr.",
}

// Vultr provisions Cloud GPU instances through the Vultr v2 API. Bootstrap
// is delivered inline: the startup script rides along as base64 user_data
// and cloud-init runs it on first boot.
type Vultr struct {
	cfg    *config.Config
	client *http.Client
}

// NewVultr creates a Vultr provisioner.
func NewVultr(cfg *config.Config) *Vultr {
	return &Vultr{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type vultrInstance struct {
	ID          string `json:"id"`
	MainIP      string `json:"main_ip"`
	Status      string `json:"status"`
	PowerStatus string `json:"power_status"`
}

// CreateInstance launches an instance with the bootstrap script embedded as
// user_data, then polls until the provider reports it active and powered on
// with an assigned IP.
func (v *Vultr) CreateInstance(ctx context.Context, label string, params *BootstrapParams) (*Instance, error) {
	script := BuildStartupScript(v.cfg, params)

	payload := map[string]interface{}{
		"region":    v.cfg.VultrRegion,
		"plan":      v.cfg.VultrPlan,
		"os_id":     vultrOSID,
		"label":     label,
		"user_data": base64.StdEncoding.EncodeToString([]byte(script)),
	}

	var created struct {
		Instance vultrInstance `json:"instance"`
	}
	if err := v.do(ctx, http.MethodPost, "/instances", payload, &created); err != nil {
		return nil, fmt.Errorf("vultr create failed: %w", err)
	}

	log.Printf("Vultr GPU instance created: %s", created.Instance.ID)

	active, err := v.pollUntilActive(ctx, created.Instance.ID)
	if err != nil {
		return nil, err
	}

	return &Instance{ID: active.ID, IP: active.MainIP}, nil
}

// pollUntilActive polls the instance endpoint until the provider reports it
// both active and powered on with an IP, or the poll deadline passes.
func (v *Vultr) pollUntilActive(ctx context.Context, instanceID string) (*vultrInstance, error) {
	deadline := time.Now().Add(v.cfg.InstancePollWait)
	for time.Now().Before(deadline) {
		var got struct {
			Instance vultrInstance `json:"instance"`
		}
		if err := v.do(ctx, http.MethodGet, "/instances/"+instanceID, nil, &got); err != nil {
			return nil, err
		}
		inst := got.Instance

		log.Printf("Vultr GPU %s: status=%s power=%s ip=%s",
			instanceID, inst.Status, inst.PowerStatus, inst.MainIP)

		if inst.Status == "active" && inst.PowerStatus == "running" &&
			inst.MainIP != "" && inst.MainIP != "0.0.0.0" {
			return &inst, nil
		}

		select {
		case <-time.After(v.cfg.InstancePollEvery):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("vultr instance %s did not become active within %s",
		instanceID, v.cfg.InstancePollWait)
}

// InstanceStatus returns the provider-side status string for an instance.
func (v *Vultr) InstanceStatus(ctx context.Context, instanceID string) (string, error) {
	var got struct {
		Instance vultrInstance `json:"instance"`
	}
	if err := v.do(ctx, http.MethodGet, "/instances/"+instanceID, nil, &got); err != nil {
		return "", err
	}
	if got.Instance.PowerStatus == "running" && got.Instance.Status == "active" {
		return "running", nil
	}
	return got.Instance.Status, nil
}

// DestroyInstance terminates an instance. Failures are logged; teardown must
// never block a job-state transition.
func (v *Vultr) DestroyInstance(ctx context.Context, instanceID string) error {
	if err := v.do(ctx, http.MethodDelete, "/instances/"+instanceID, nil, nil); err != nil {
		log.Printf("Vultr destroy error for %s: %v", instanceID, err)
		return err
	}
	log.Printf("Vultr GPU instance %s destroyed", instanceID)
	return nil
}

// Rebootstrap is unsupported: Vultr instances receive bootstrap via
// cloud-init at creation only.
func (v *Vultr) Rebootstrap(ctx context.Context, inst *Instance, params *BootstrapParams) error {
	return ErrRebootstrapUnsupported
}

// EstimateCost returns the upfront USD estimate for a run.
func (v *Vultr) EstimateCost(maxEpochs int) float64 {
	return estimateFlatHourly(vultrGPUInfo.HourlyRateUSD, maxEpochs)
}

// GPUInfo returns the static specs of the provisioned GPU.
func (v *Vultr) GPUInfo() models.GPUInfo {
	return vultrGPUInfo
}

// Mode identifies the provider in API responses.
func (v *Vultr) Mode() string {
	return "vultr"
}

func (v *Vultr) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, vultrBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+v.cfg.VultrAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vultr API error %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
