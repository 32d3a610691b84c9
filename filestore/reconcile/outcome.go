// Package reconcile compares tracked metadata against backend ground truth and
// converges the two. Reconciliations run as queued jobs with a persisted audit
// record; a periodic chore feeds nodes flagged as drifted back into the queue.
package reconcile

import (
	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

// Outcome is the action a reconciliation decides on after probing the backend.
type Outcome string

// Outcomes.
const (
	// OutcomeNoop records the probe without changing the node.
	OutcomeNoop Outcome = "noop"
	// OutcomeMarkMissing flags a tracked node whose artifact is gone.
	OutcomeMarkMissing Outcome = "mark_missing"
	// OutcomeUpdateDrift refreshes size and checksum from the backend.
	OutcomeUpdateDrift Outcome = "update_drift"
	// OutcomeReactivate returns a missing or inconsistent node to active.
	OutcomeReactivate Outcome = "reactivate"
	// OutcomeInsertDiscovered records an artifact unknown to the metadata.
	OutcomeInsertDiscovered Outcome = "insert_discovered"
)

// Decide maps the (metadata, backend) observation pair onto an outcome.
// Deleted nodes are terminal and never resurrected by reconciliation.
func Decide(node *meta.Node, stat backend.StatInfo) Outcome {
	if node == nil {
		if stat.Exists {
			return OutcomeInsertDiscovered
		}
		return OutcomeNoop
	}

	switch node.State {
	case meta.NodeDeleted:
		return OutcomeNoop

	case meta.NodeActive:
		if !stat.Exists {
			return OutcomeMarkMissing
		}
		if node.Kind == meta.KindFile && fileDrifted(*node, stat) {
			return OutcomeUpdateDrift
		}
		return OutcomeNoop

	case meta.NodeMissing, meta.NodeInconsistent:
		if stat.Exists {
			return OutcomeReactivate
		}
		return OutcomeNoop
	}
	return OutcomeNoop
}

func fileDrifted(node meta.Node, stat backend.StatInfo) bool {
	if stat.Kind != backend.KindFile {
		return true
	}
	if node.SizeBytes != stat.SizeBytes {
		return true
	}
	return stat.Checksum != "" && node.Checksum != "" && stat.Checksum != node.Checksum
}
