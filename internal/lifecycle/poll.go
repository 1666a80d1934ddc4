package lifecycle

import (
	"context"

	"github.com/kiranshivaraju/simconsole/pkg/models"
)

// NeedsPolling reports whether any job is processing or was triggered within
// the await timeout and has not settled yet.
func (o *Orchestrator) NeedsPolling() bool {
	now := o.cfg.Clock.Now()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	for _, w := range o.awaiting {
		if now.Sub(w.since) <= o.cfg.AwaitTimeout {
			return true
		}
	}
	for _, j := range o.jobs {
		if j.Status == models.JobStatusProcessing {
			return true
		}
	}
	return false
}

// Poll refreshes the job list every PollInterval while jobs are in flight,
// notifying when a simulation completes or fails. It returns when ctx is
// cancelled or the orchestrator is closed.
func (o *Orchestrator) Poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case <-o.cfg.Clock.After(o.cfg.PollInterval):
		}

		if !o.NeedsPolling() {
			continue
		}
		user, err := o.cfg.Session.CurrentUser(ctx)
		if err != nil {
			o.logger.Debug("poll skipped, no session", "error", err)
			continue
		}
		if _, err := o.refresh(ctx, user); err != nil {
			o.logger.Warn("poll refresh failed", "error", err)
		}
	}
}
