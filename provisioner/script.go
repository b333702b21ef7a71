package provisioner

import (
	"fmt"
	"strings"

	"github.com/dataforall/training-backend/config"
)

const workerContainerName = "dfa-persistent-worker"

// buildEnvFlags renders the -e KEY=VALUE docker flags for the worker
// container. Job parameters and the callback contract all travel as
// environment configuration.
func buildEnvFlags(cfg *config.Config, params *BootstrapParams) []string {
	var flags []string
	add := func(key, value string) {
		flags = append(flags, fmt.Sprintf("    -e %s=%s", key, value))
	}

	if params.Persistent {
		add("WORKER_MODE", "persistent")
	} else {
		add("JOB_ID", params.JobID)
		add("MISSION_ID", params.MissionID)
		add("BASE_MODEL", params.BaseModel)
		add("TASK", params.Task)
		add("MAX_EPOCHS", fmt.Sprintf("%d", params.MaxEpochs))
		add("BATCH_SIZE", fmt.Sprintf("%d", params.BatchSize))
		add("LEARNING_RATE", fmt.Sprintf("%g", params.LearningRate))
		add("USE_LORA", fmt.Sprintf("%t", params.UseLoRA))
		if params.TargetAccuracy != nil {
			add("TARGET_ACCURACY", fmt.Sprintf("%g", *params.TargetAccuracy))
		} else {
			add("TARGET_ACCURACY", "")
		}
		add("DATASET_PATH", params.DatasetPath)
	}

	add("API_CALLBACK_URL", params.CallbackURL)
	add("CALLBACK_SECRET", params.CallbackSecret)
	add("TRAINING_MODE", params.TrainingMode)
	return flags
}

// BuildStartupScript generates the shell script delivered to a fresh
// instance, either inline (cloud-init user_data) or over a remote shell.
// It waits for the container runtime, authenticates to the registry, pulls
// the worker image and launches the worker container detached.
func BuildStartupScript(cfg *config.Config, params *BootstrapParams) string {
	var b strings.Builder

	b.WriteString("#!/bin/bash\nset -e\n\n")
	b.WriteString("echo \"===== DataForAll GPU Worker Starting =====\"\n")
	if !params.Persistent {
		fmt.Fprintf(&b, "echo \"Job ID: %s\"\n", params.JobID)
	}

	b.WriteString(`
echo "Waiting for Docker..."
for i in $(seq 1 30); do
    docker info >/dev/null 2>&1 && break
    sleep 2
done
echo "Docker is ready"

`)
	fmt.Fprintf(&b, "echo \"%s\" | docker login %s -u %s --password-stdin\n\n",
		cfg.RegistryPassword, cfg.RegistryURL, cfg.RegistryUsername)
	fmt.Fprintf(&b, "docker pull %s\n\n", cfg.WorkerImage)

	if params.Persistent {
		fmt.Fprintf(&b, "docker stop %s 2>/dev/null || true\n", workerContainerName)
		fmt.Fprintf(&b, "docker rm %s 2>/dev/null || true\n\n", workerContainerName)
		b.WriteString("nohup docker run --gpus all \\\n")
		fmt.Fprintf(&b, "    --name %s \\\n", workerContainerName)
		b.WriteString("    --restart unless-stopped \\\n")
	} else {
		b.WriteString("nohup docker run --rm --gpus all \\\n")
	}

	for _, flag := range buildEnvFlags(cfg, params) {
		b.WriteString(flag)
		b.WriteString(" \\\n")
	}
	fmt.Fprintf(&b, "    %s > /tmp/gpu-worker.log 2>&1 &\n\n", cfg.WorkerImage)

	b.WriteString("echo \"===== GPU Worker launched =====\"\n")
	return b.String()
}

// BuildRefreshScript generates the script that pulls the latest worker image
// and restarts the persistent worker container without touching the instance.
func BuildRefreshScript(cfg *config.Config, params *BootstrapParams) string {
	var b strings.Builder

	b.WriteString("set -e\n\n")
	b.WriteString("echo \"===== Refreshing GPU Worker Image =====\"\n\n")
	fmt.Fprintf(&b, "echo \"%s\" | docker login %s -u %s --password-stdin\n\n",
		cfg.RegistryPassword, cfg.RegistryURL, cfg.RegistryUsername)
	fmt.Fprintf(&b, "docker pull %s\n\n", cfg.WorkerImage)
	fmt.Fprintf(&b, "docker stop %s 2>/dev/null || true\n", workerContainerName)
	fmt.Fprintf(&b, "docker rm %s 2>/dev/null || true\n\n", workerContainerName)

	b.WriteString("nohup docker run --gpus all \\\n")
	fmt.Fprintf(&b, "    --name %s \\\n", workerContainerName)
	b.WriteString("    --restart unless-stopped \\\n")
	for _, flag := range buildEnvFlags(cfg, params) {
		b.WriteString(flag)
		b.WriteString(" \\\n")
	}
	fmt.Fprintf(&b, "    %s > /tmp/gpu-worker.log 2>&1 &\n\n", cfg.WorkerImage)

	b.WriteString("echo \"===== GPU Worker refreshed =====\"\n")
	return b.String()
}
