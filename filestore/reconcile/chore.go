package reconcile

import (
	"context"

	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

// Chore periodically scans for nodes flagged as drifted and feeds them back
// into the reconciliation queue.
type Chore struct {
	log     *zap.Logger
	db      meta.DB
	manager *Manager
	batch   int

	Loop *sync2.Cycle
}

// NewChore creates an audit chore.
func NewChore(log *zap.Logger, db meta.DB, manager *Manager, config Config) *Chore {
	batch := config.AuditBatch
	if batch <= 0 {
		batch = 100
	}
	return &Chore{
		log:     log,
		db:      db,
		manager: manager,
		batch:   batch,
		Loop:    sync2.NewCycle(config.AuditInterval),
	}
}

// Run executes the audit loop until the context is canceled.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return chore.Loop.Run(ctx, chore.RunOnce)
}

// RunOnce performs a single audit pass.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	candidates, err := chore.db.Nodes().ListReconciliationCandidates(ctx, chore.batch)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, node := range candidates {
		if _, err := chore.manager.Enqueue(ctx, Request{
			MountID: node.MountID,
			Path:    node.Path,
			Reason:  meta.ReasonAudit,
		}); err != nil {
			chore.log.Warn("enqueue audit reconciliation",
				zap.String("path", node.Path), zap.Error(err))
		}
	}
	if len(candidates) > 0 {
		chore.log.Debug("audit pass", zap.Int("candidates", len(candidates)))
	}
	return nil
}

// Close stops the loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
