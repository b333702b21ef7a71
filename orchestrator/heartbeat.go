package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dataforall/training-backend/models"
)

// HeartbeatStore is the slice of the repository the heartbeat monitor reads
// stale jobs through.
type HeartbeatStore interface {
	ListStaleTraining(ctx context.Context, cutoff time.Time) ([]models.TrainingJob, error)
}

// HeartbeatMonitor fails TRAINING jobs whose workers stopped reporting
// progress. A worker that died mid-run never calls back, so without this
// sweep the job would sit in TRAINING forever while its instance bills.
type HeartbeatMonitor struct {
	orch  *Orchestrator
	store HeartbeatStore
}

// NewHeartbeatMonitor creates a heartbeat monitor sharing the orchestrator's
// cleanup and webhook machinery.
func NewHeartbeatMonitor(orch *Orchestrator, store HeartbeatStore) *HeartbeatMonitor {
	return &HeartbeatMonitor{orch: orch, store: store}
}

// Start launches the periodic stale-job check. It stops with the
// orchestrator.
func (m *HeartbeatMonitor) Start() {
	m.orch.spawn(func() {
		ticker := time.NewTicker(m.orch.cfg.HeartbeatInterval)
		defer ticker.Stop()
		log.Printf("Heartbeat monitor started (interval %s, timeout %s)",
			m.orch.cfg.HeartbeatInterval, m.orch.cfg.HeartbeatTimeout)
		for {
			select {
			case <-ticker.C:
				m.sweep(context.Background())
			case <-m.orch.stopChan:
				return
			}
		}
	})
}

// sweep fails every TRAINING job whose last progress precedes the heartbeat
// timeout and reclaims its compute.
func (m *HeartbeatMonitor) sweep(ctx context.Context) {
	timeout := m.orch.cfg.HeartbeatTimeout
	cutoff := time.Now().UTC().Add(-timeout)

	jobs, err := m.store.ListStaleTraining(ctx, cutoff)
	if err != nil {
		log.Printf("Heartbeat sweep query failed: %v", err)
		return
	}

	for i := range jobs {
		job := &jobs[i]
		msg := fmt.Sprintf("No heartbeat for %d minutes", int(timeout.Minutes()))
		changed, err := m.orch.store.FailJob(ctx, job.ID, msg)
		if err != nil {
			log.Printf("Heartbeat sweep failed to fail job %s: %v", job.ID, err)
			continue
		}
		if changed {
			log.Printf("Job %s lost its worker heartbeat, marked failed", job.ID)
			m.orch.NotifyTerminal(ctx, job.ID)
		}
	}
}
