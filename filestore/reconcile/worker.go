package reconcile

import (
	"context"
	"encoding/json"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/filestore/rollup"
	"github.com/benediktbwimmer/apphub-sub012/jobqueue"
)

// Result is the payload stored on a completed job record.
type Result struct {
	Outcome       Outcome `json:"outcome"`
	Path          string  `json:"path"`
	BackendExists bool    `json:"backendExists"`
	NodeID        *int64  `json:"nodeId,omitempty"`
	ChildJobs     int     `json:"childJobs,omitempty"`
}

// process is the queue handler for one reconciliation job.
func (manager *Manager) process(ctx context.Context, queued jobqueue.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	var payload jobPayload
	if err := json.Unmarshal(queued.Payload, &payload); err != nil {
		return Error.Wrap(err)
	}
	job, err := manager.db.Jobs().Get(ctx, payload.JobID)
	if err != nil {
		return Error.Wrap(err)
	}
	if job.Status != meta.JobQueued {
		return nil
	}

	now := manager.nowFn()
	attempt := job.Attempt + 1
	job, err = manager.db.Jobs().Update(ctx, meta.UpdateReconciliationJob{
		ID: job.ID, Status: meta.JobRunning, Attempt: &attempt, StartedAt: &now,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	manager.publishJobEvent(ctx, eventbus.TypeReconciliationStarted, job)

	result, execErr := manager.execute(ctx, job)
	completed := manager.nowFn()
	if execErr != nil {
		message := execErr.Error()
		if _, err := manager.db.Jobs().Update(ctx, meta.UpdateReconciliationJob{
			ID: job.ID, Status: meta.JobFailed, ErrorMessage: &message, CompletedAt: &completed,
		}); err != nil {
			manager.log.Error("record job failure", zap.Int64("job", job.ID), zap.Error(err))
		}
		job.Status, job.ErrorMessage = meta.JobFailed, message
		manager.publishJobEvent(ctx, eventbus.TypeReconciliationFailed, job)
		mon.Counter("reconcile_failed").Inc(1)
		return Error.Wrap(execErr)
	}

	status := meta.JobSucceeded
	if result.Outcome == OutcomeNoop {
		status = meta.JobSkipped
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return Error.Wrap(err)
	}
	job, err = manager.db.Jobs().Update(ctx, meta.UpdateReconciliationJob{
		ID: job.ID, Status: status, Result: resultJSON, CompletedAt: &completed,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	manager.publishJobEvent(ctx, eventbus.TypeReconciliationCompleted, job)
	mon.Counter("reconcile_completed", monkit.NewSeriesTag("outcome", string(result.Outcome))).Inc(1)
	return nil
}

// execute probes the backend and converges the metadata inside one
// transaction. Child fanout and rollup recalculation happen after the commit.
func (manager *Manager) execute(ctx context.Context, job meta.ReconciliationJob) (result Result, err error) {
	defer mon.Task()(&ctx)(&err)

	adapter, err := manager.backends.Get(ctx, job.MountID)
	if err != nil {
		return Result{}, err
	}
	stat, err := adapter.Stat(ctx, job.Path)
	if err != nil {
		return Result{}, err
	}

	result = Result{Path: job.Path, BackendExists: stat.Exists}

	var plan rollup.Plan
	var updated []meta.Rollup
	var candidates []rollup.Candidate
	var events []eventbus.Event
	var children []childTarget

	err = manager.db.WithTx(ctx, func(ctx context.Context, tx meta.Tx) error {
		plan, updated, candidates, events, children = rollup.Plan{}, nil, nil, nil, nil

		var node *meta.Node
		found, err := tx.Nodes().GetByPath(ctx, job.MountID, job.Path, true)
		switch {
		case err == nil:
			node = &found
		case !meta.ErrNotFound.Has(err):
			return Error.Wrap(err)
		}

		outcome := Decide(node, stat)
		result.Outcome = outcome
		if node != nil {
			result.NodeID = &node.ID
		}

		applied, applyEvents, err := manager.apply(ctx, tx, job, node, stat, outcome, &plan)
		if err != nil {
			return err
		}
		if applied != nil {
			result.NodeID = &applied.ID
		}
		events = applyEvents

		if job.DetectChildren && stat.Exists && stat.Kind == backend.KindDirectory {
			children, err = manager.childTargets(ctx, tx, adapter, job, applied)
			if err != nil {
				return err
			}
		}

		updated, err = manager.rollups.ApplyPlan(ctx, tx, plan)
		if err != nil {
			return err
		}
		candidates = plan.ScheduleCandidates
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	manager.rollups.AfterCommit(ctx, plan, updated)
	// Reconciliation candidates bypass the mutation thresholds: drift means
	// the cached aggregates cannot be trusted.
	for _, candidate := range candidates {
		if err := manager.rollups.Schedule(ctx, candidate); err != nil {
			manager.log.Warn("schedule recalculation", zap.Int64("node", candidate.NodeID), zap.Error(err))
		}
	}
	for _, event := range events {
		manager.bus.Publish(ctx, event)
	}

	for _, child := range children {
		// Files cannot fan out further, so their jobs never detect children.
		if _, err := manager.Enqueue(ctx, Request{
			MountID:        job.MountID,
			Path:           child.Path,
			Reason:         job.Reason,
			DetectChildren: job.DetectChildren && child.Directory,
		}); err != nil {
			manager.log.Warn("enqueue child reconciliation",
				zap.String("path", child.Path), zap.Error(err))
			continue
		}
		result.ChildJobs++
	}
	return result, nil
}

func (manager *Manager) apply(
	ctx context.Context,
	tx meta.Tx,
	job meta.ReconciliationJob,
	node *meta.Node,
	stat backend.StatInfo,
	outcome Outcome,
	plan *rollup.Plan,
) (*meta.Node, []eventbus.Event, error) {
	now := manager.nowFn()

	switch outcome {
	case OutcomeNoop:
		if node == nil {
			return nil, nil, nil
		}
		refreshed := *node
		refreshed.ConsistencyCheckedAt = &now
		if stat.Exists {
			refreshed.LastSeenAt = &now
		}
		updated, err := tx.Nodes().Update(ctx, refreshed)
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
		return &updated, nil, nil

	case OutcomeMarkMissing:
		if _, err := tx.Snapshots().Record(ctx, meta.SnapshotOf(*node)); err != nil {
			return nil, nil, Error.Wrap(err)
		}
		before := rollup.ContributionOf(*node)
		changed := *node
		changed.State = meta.NodeMissing
		changed.ConsistencyState = meta.ConsistencyMissing
		changed.ConsistencyCheckedAt = &now
		changed.LastReconciledAt = &now
		changed.UpdatedAt = now
		updated, err := tx.Nodes().Update(ctx, changed)
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
		if err := manager.ancestorDeltas(ctx, tx, updated, rollup.Contribution{}.Sub(before), -1, plan); err != nil {
			return nil, nil, err
		}
		plan.AddInvalidate(updated.ID, meta.RollupInvalid)
		return &updated, []eventbus.Event{
			manager.nodeEvent(eventbus.TypeDriftDetected, updated),
			manager.nodeEvent(eventbus.TypeNodeMissing, updated),
		}, nil

	case OutcomeUpdateDrift:
		if _, err := tx.Snapshots().Record(ctx, meta.SnapshotOf(*node)); err != nil {
			return nil, nil, Error.Wrap(err)
		}
		sizeDelta := stat.SizeBytes - node.SizeBytes
		changed := *node
		changed.SizeBytes = stat.SizeBytes
		if stat.Checksum != "" {
			changed.Checksum = stat.Checksum
			changed.ContentHash = stat.Checksum
		}
		changed.ConsistencyState = meta.ConsistencyConsistent
		changed.ConsistencyCheckedAt = &now
		changed.LastReconciledAt = &now
		changed.LastSeenAt = &now
		changed.UpdatedAt = now
		updated, err := tx.Nodes().Update(ctx, changed)
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
		plan.AddEnsure(updated.ID)
		plan.AddIncrement(meta.RollupDelta{NodeID: updated.ID, SizeBytes: sizeDelta})
		if err := manager.ancestorDeltas(ctx, tx, updated, rollup.Contribution{SizeBytes: sizeDelta}, 0, plan); err != nil {
			return nil, nil, err
		}
		return &updated, []eventbus.Event{
			manager.nodeEvent(eventbus.TypeDriftDetected, updated),
			manager.nodeEvent(eventbus.TypeNodeReconciled, updated),
		}, nil

	case OutcomeReactivate:
		if _, err := tx.Snapshots().Record(ctx, meta.SnapshotOf(*node)); err != nil {
			return nil, nil, Error.Wrap(err)
		}
		changed := *node
		changed.State = meta.NodeActive
		changed.ConsistencyState = meta.ConsistencyConsistent
		if changed.Kind == meta.KindFile {
			changed.SizeBytes = stat.SizeBytes
			if stat.Checksum != "" {
				changed.Checksum = stat.Checksum
				changed.ContentHash = stat.Checksum
			}
		}
		changed.ConsistencyCheckedAt = &now
		changed.LastReconciledAt = &now
		changed.LastSeenAt = &now
		changed.UpdatedAt = now
		updated, err := tx.Nodes().Update(ctx, changed)
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
		plan.AddEnsure(updated.ID)
		if err := manager.ancestorDeltas(ctx, tx, updated, rollup.ContributionOf(updated), 1, plan); err != nil {
			return nil, nil, err
		}
		plan.AddInvalidate(updated.ID, meta.RollupPending)
		return &updated, []eventbus.Event{manager.nodeEvent(eventbus.TypeNodeReconciled, updated)}, nil

	case OutcomeInsertDiscovered:
		kind := meta.KindFile
		if stat.Kind == backend.KindDirectory {
			kind = meta.KindDirectory
		}
		parentPath, _ := backend.ParentPath(job.Path)
		chain, err := manager.ensureChain(ctx, tx, job.MountID, parentPath, plan)
		if err != nil {
			return nil, nil, err
		}
		parent := chain[0]
		inserted, err := tx.Nodes().Insert(ctx, meta.Node{
			MountID:              job.MountID,
			ParentID:             &parent.ID,
			Path:                 job.Path,
			Name:                 backend.BaseName(job.Path),
			Depth:                backend.Depth(job.Path),
			Kind:                 kind,
			State:                meta.NodeActive,
			ConsistencyState:     meta.ConsistencyConsistent,
			SizeBytes:            stat.SizeBytes,
			Checksum:             stat.Checksum,
			ContentHash:          stat.Checksum,
			Metadata:             meta.Metadata{},
			CreatedAt:            now,
			UpdatedAt:            now,
			LastSeenAt:           &now,
			LastReconciledAt:     &now,
			ConsistencyCheckedAt: &now,
		})
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
		own := rollup.ContributionOf(inserted)
		plan.AddEnsure(inserted.ID)
		plan.AddIncrement(meta.RollupDelta{NodeID: inserted.ID, SizeBytes: own.SizeBytes, FileCount: own.FileCount})
		plan.AddAncestorDeltas(nodeIDs(chain), own, 1, false)
		plan.AddCandidate(rollup.Candidate{
			NodeID: parent.ID, MountID: job.MountID,
			Reason: "discovered", Depth: inserted.Depth, ChildCountDelta: 1,
		})
		return &inserted, []eventbus.Event{manager.nodeEvent(eventbus.TypeNodeCreated, inserted)}, nil
	}
	return node, nil, nil
}

// ancestorDeltas loads the locked ancestor chain of a node and records the
// contribution diff, marking the touched rollups pending so stale aggregates
// are never served as up to date.
func (manager *Manager) ancestorDeltas(ctx context.Context, tx meta.Tx, node meta.Node, diff rollup.Contribution, childDelta int64, plan *rollup.Plan) error {
	parentPath, ok := backend.ParentPath(node.Path)
	if !ok {
		return nil
	}
	chain, err := manager.ensureChain(ctx, tx, node.MountID, parentPath, plan)
	if err != nil {
		return err
	}
	plan.AddAncestorDeltas(nodeIDs(chain), diff, childDelta, true)
	plan.AddCandidate(rollup.Candidate{
		NodeID: chain[0].ID, MountID: node.MountID,
		Reason: "reconcile", Depth: node.Depth, ChildCountDelta: childDelta,
	})
	return nil
}

// ensureChain locks the directory chain down to dirPath, creating missing
// directory records for discovered artifacts.
func (manager *Manager) ensureChain(ctx context.Context, tx meta.Tx, mountID int64, dirPath string, plan *rollup.Plan) ([]meta.Node, error) {
	now := manager.nowFn()

	root, err := tx.Nodes().GetByPath(ctx, mountID, "", true)
	if meta.ErrNotFound.Has(err) {
		root, err = tx.Nodes().Insert(ctx, meta.Node{
			MountID:          mountID,
			Kind:             meta.KindDirectory,
			State:            meta.NodeActive,
			ConsistencyState: meta.ConsistencyConsistent,
			Metadata:         meta.Metadata{},
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if err == nil {
			plan.AddEnsure(root.ID)
		}
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	chain := []meta.Node{root}
	if dirPath != "" {
		prefix := ""
		for _, segment := range splitSegments(dirPath) {
			if prefix == "" {
				prefix = segment
			} else {
				prefix = prefix + "/" + segment
			}
			node, err := tx.Nodes().GetByPath(ctx, mountID, prefix, true)
			if meta.ErrNotFound.Has(err) {
				parent := chain[len(chain)-1]
				node, err = tx.Nodes().Insert(ctx, meta.Node{
					MountID:          mountID,
					ParentID:         &parent.ID,
					Path:             prefix,
					Name:             segment,
					Depth:            backend.Depth(prefix),
					Kind:             meta.KindDirectory,
					State:            meta.NodeActive,
					ConsistencyState: meta.ConsistencyConsistent,
					Metadata:         meta.Metadata{},
					CreatedAt:        now,
					UpdatedAt:        now,
				})
				if err == nil {
					plan.AddEnsure(node.ID)
					plan.AddAncestorDeltas(nodeIDs(reversed(chain)), rollup.ContributionOf(node), 1, false)
				}
			}
			if err != nil {
				return nil, Error.Wrap(err)
			}
			chain = append(chain, node)
		}
	}
	return reversed(chain), nil
}

// childTarget is one child path to probe, along with whether it is a
// directory that can fan out further.
type childTarget struct {
	Path      string
	Directory bool
}

// childTargets merges backend children with tracked children so both
// discovered and vanished artifacts get probed.
func (manager *Manager) childTargets(ctx context.Context, tx meta.Tx, adapter backend.Adapter, job meta.ReconciliationJob, node *meta.Node) ([]childTarget, error) {
	entries, err := adapter.List(ctx, job.Path)
	if err != nil && !backend.ErrNotFound.Has(err) {
		return nil, err
	}

	seen := map[string]bool{}
	var targets []childTarget
	for _, entry := range entries {
		childPath := entry.Name
		if job.Path != "" {
			childPath = job.Path + "/" + entry.Name
		}
		seen[childPath] = true
		targets = append(targets, childTarget{
			Path:      childPath,
			Directory: entry.Kind == backend.KindDirectory,
		})
	}

	if node != nil {
		children, err := tx.Nodes().ListChildren(ctx, node.ID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		for _, child := range children {
			if !seen[child.Path] {
				targets = append(targets, childTarget{
					Path:      child.Path,
					Directory: child.Kind == meta.KindDirectory,
				})
			}
		}
	}
	return targets, nil
}

func (manager *Manager) nodeEvent(eventType eventbus.Type, node meta.Node) eventbus.Event {
	event, err := eventbus.New(eventType, map[string]interface{}{"node": meta.NodeToJSON(node)})
	if err != nil {
		manager.log.Error("encode event", zap.String("type", string(eventType)), zap.Error(err))
		return eventbus.Event{Type: eventType, EmittedAt: manager.nowFn()}
	}
	return event
}

func reversed(nodes []meta.Node) []meta.Node {
	out := make([]meta.Node, len(nodes))
	for i, node := range nodes {
		out[len(nodes)-1-i] = node
	}
	return out
}

func nodeIDs(nodes []meta.Node) []int64 {
	ids := make([]int64, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
	}
	return ids
}

func splitSegments(p string) []string {
	var segments []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				segments = append(segments, p[start:i])
			}
			start = i + 1
		}
	}
	return segments
}
