package provisioner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dataforall/training-backend/config"
	"github.com/dataforall/training-backend/models"
)

var localGPUInfo = models.GPUInfo{
	Name:          "NVIDIA RTX 4060 (local)",
	Plan:          "local-dev",
	HourlyRateUSD: 0,
	GPUMemoryGB:   8,
	CPUMemoryGB:   32,
	Description:   "Local development GPU. No provisioning, no billing.",
}

// Local is the development provider. It fabricates instance records without
// touching any cloud API; a worker started by hand on the developer machine
// picks jobs up through the normal callback contract.
type Local struct {
	cfg *config.Config

	mu        sync.Mutex
	instances map[string]bool
	seq       int
}

// NewLocal creates the local development provisioner.
func NewLocal(cfg *config.Config) *Local {
	return &Local{
		cfg:       cfg,
		instances: make(map[string]bool),
	}
}

// CreateInstance registers a synthetic instance immediately.
func (l *Local) CreateInstance(ctx context.Context, label string, params *BootstrapParams) (*Instance, error) {
	l.mu.Lock()
	l.seq++
	id := fmt.Sprintf("local-%d-%d", time.Now().Unix(), l.seq)
	l.instances[id] = true
	l.mu.Unlock()

	log.Printf("Local instance %s registered for %s", id, label)
	return &Instance{ID: id, IP: "127.0.0.1"}, nil
}

// InstanceStatus reports running for known instances.
func (l *Local) InstanceStatus(ctx context.Context, instanceID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.instances[instanceID] {
		return "running", nil
	}
	return "", fmt.Errorf("unknown local instance %s", instanceID)
}

// DestroyInstance forgets the synthetic instance.
func (l *Local) DestroyInstance(ctx context.Context, instanceID string) error {
	l.mu.Lock()
	delete(l.instances, instanceID)
	l.mu.Unlock()
	log.Printf("Local instance %s destroyed", instanceID)
	return nil
}

// Rebootstrap is a no-op locally: the developer restarts the worker by hand.
func (l *Local) Rebootstrap(ctx context.Context, inst *Instance, params *BootstrapParams) error {
	log.Printf("Local rebootstrap requested for %s (no-op)", inst.ID)
	return nil
}

// EstimateCost returns zero for local runs.
func (l *Local) EstimateCost(maxEpochs int) float64 {
	return 0
}

// GPUInfo returns the static specs of the local GPU.
func (l *Local) GPUInfo() models.GPUInfo {
	return localGPUInfo
}

// Mode identifies the provider in API responses.
func (l *Local) Mode() string {
	return "local"
}
