// Package provisioner provides a uniform interface for creating, polling and
// destroying remote GPU compute across providers. The orchestrator is
// provider-agnostic; which provider is active is a configuration choice.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dataforall/training-backend/config"
	"github.com/dataforall/training-backend/models"
)

var (
	// ErrRebootstrapUnsupported is returned by providers that cannot re-deliver
	// bootstrap instructions to a running instance.
	ErrRebootstrapUnsupported = errors.New("provider does not support re-bootstrapping a running instance")
)

// Instance identifies a provisioned compute instance.
type Instance struct {
	ID string
	IP string
}

// BootstrapParams carries everything the worker container needs, injected as
// environment configuration at launch. When Persistent is set the job fields
// are empty and the worker starts in polling mode.
type BootstrapParams struct {
	Persistent bool

	JobID          string
	MissionID      string
	BaseModel      string
	Task           string
	MaxEpochs      int
	BatchSize      int
	LearningRate   float64
	UseLoRA        bool
	TargetAccuracy *float64
	DatasetPath    string

	CallbackURL    string
	CallbackSecret string
	TrainingMode   string
}

// Provisioner is the uniform contract every compute provider implements.
//
// CreateInstance blocks until the instance is active and bootstrapped (either
// via an inline boot script or a post-boot shell channel). DestroyInstance is
// best-effort: implementations log failures, and callers must never let a
// destroy error block a job-state transition.
type Provisioner interface {
	CreateInstance(ctx context.Context, label string, params *BootstrapParams) (*Instance, error)
	InstanceStatus(ctx context.Context, instanceID string) (string, error)
	DestroyInstance(ctx context.Context, instanceID string) error
	Rebootstrap(ctx context.Context, inst *Instance, params *BootstrapParams) error
	EstimateCost(maxEpochs int) float64
	GPUInfo() models.GPUInfo
	Mode() string
}

// New selects the active provider from configuration.
func New(cfg *config.Config) (Provisioner, error) {
	switch cfg.Provider {
	case "vultr":
		return NewVultr(cfg), nil
	case "lambda":
		return NewLambda(cfg), nil
	case "kubernetes":
		return NewKubernetes(cfg)
	case "local":
		return NewLocal(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// estimateFlatHourly is the shared cost model: one billed hour at the
// provider's rate regardless of epoch count. Epochs are kept in the
// signature so providers with per-epoch billing can refine it.
func estimateFlatHourly(hourlyRate float64, _ int) float64 {
	return math.Round(hourlyRate*100) / 100
}
