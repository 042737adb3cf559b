package engine

import (
	"log/slog"

	"github.com/mattkinnersley/script-runner/internal/state"
)

// sweep evicts jobs whose retention expired, then the oldest finished jobs
// while the registry holds more than MaxJobs. Active jobs are never evicted.
func (e *Engine) sweep() {
	now := e.now()
	for _, job := range e.store.List() {
		if at, ok := job.CompletedAt(); ok && now.Sub(at) > e.cfg.Retention {
			e.evict(job, "expired")
		}
	}

	for e.store.Len() > e.cfg.MaxJobs {
		oldest := e.oldestFinished()
		if oldest == nil {
			break
		}
		e.evict(oldest, "over capacity")
	}
}

func (e *Engine) oldestFinished() *state.Job {
	jobs := e.store.List()
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].Status().Terminal() {
			return jobs[i]
		}
	}
	return nil
}

func (e *Engine) evict(job *state.Job, reason string) {
	if err := e.store.Delete(job.ID); err != nil {
		return
	}
	if err := job.DeleteFiles(); err != nil {
		slog.Warn("removing output files", "job", job.ID, "error", err)
	}
	slog.Debug("job evicted", "job", job.ID, "reason", reason)
}
