package provisioner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforall/training-backend/config"
)

func TestFactorySelectsProvider(t *testing.T) {
	cfg := &config.Config{Provider: "local"}
	p, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "local", p.Mode())

	cfg.Provider = "vultr"
	p, err = New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "vultr", p.Mode())

	cfg.Provider = "lambda"
	p, err = New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "lambda", p.Mode())

	cfg.Provider = "ec2"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestLocalProviderLifecycle(t *testing.T) {
	l := NewLocal(&config.Config{})
	ctx := context.Background()

	inst, err := l.CreateInstance(ctx, "test", &BootstrapParams{JobID: "j1"})
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, "127.0.0.1", inst.IP)

	status, err := l.InstanceStatus(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", status)

	require.NoError(t, l.DestroyInstance(ctx, inst.ID))
	_, err = l.InstanceStatus(ctx, inst.ID)
	assert.Error(t, err)
}

func TestLocalInstanceIDsAreUnique(t *testing.T) {
	l := NewLocal(&config.Config{})
	a, err := l.CreateInstance(context.Background(), "a", &BootstrapParams{})
	require.NoError(t, err)
	b, err := l.CreateInstance(context.Background(), "b", &BootstrapParams{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestCostEstimates(t *testing.T) {
	cfg := &config.Config{}
	assert.InDelta(t, 0.34, NewVultr(cfg).EstimateCost(10), 1e-9)
	assert.InDelta(t, 0.75, NewLambda(cfg).EstimateCost(10), 1e-9)
	assert.Zero(t, NewLocal(cfg).EstimateCost(10))
}

func TestRebootstrapSupport(t *testing.T) {
	cfg := &config.Config{}
	inst := &Instance{ID: "x", IP: "10.0.0.1"}
	err := NewVultr(cfg).Rebootstrap(context.Background(), inst, &BootstrapParams{})
	assert.ErrorIs(t, err, ErrRebootstrapUnsupported)
	assert.NoError(t, NewLocal(cfg).Rebootstrap(context.Background(), inst, &BootstrapParams{}))
}

func TestSanitizePodName(t *testing.T) {
	assert.Equal(t, "dfa-trainabc123", sanitizePodName("DFA-Train_abc123"))
	assert.Equal(t, "x", sanitizePodName("--x--"))
	assert.LessOrEqual(t, len(sanitizePodName(strings.Repeat("a", 100))), 63)
}
