package lifecycle

import (
	"context"

	"github.com/steveyegge/mabd/internal/store"
)

// Reconcile runs at daemon startup: any worker left in a
// non-terminal status by an unclean daemon exit is checked against its
// recorded pid. If the process is gone, the record is failed with
// "orphaned" so the restart supervisor can decide whether to respawn
// it; if the process is somehow still alive (the daemon crashed without
// its workers dying), its record is left alone so health checks pick it
// back up.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	var workers []*store.Worker
	var err error
	if submitErr := c.submit(ctx, func() {
		workers, err = c.st.ListWorkers(ctx, store.WorkerFilter{})
	}); submitErr != nil {
		return submitErr
	}
	if err != nil {
		return err
	}

	for _, w := range workers {
		if !w.Status.IsNonTerminal() {
			continue
		}
		if processAlive(w.PID) {
			c.log.Info().Str("worker_id", w.ID).Int("pid", w.PID).Msg("reconcile: worker survived daemon restart")
			continue
		}
		workerID := w.ID
		_ = c.submit(ctx, func() {
			c.failWorkerLocked(ctx, workerID, "orphaned", nil)
		})
	}
	return nil
}
