// Package rollup maintains the per-node aggregates of descendant sizes and
// counts: plan application inside mutation transactions, the post-commit
// cache, and the background recalculation cascade.
package rollup

import (
	"sort"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

// Contribution is what a single node adds to the rollups of its ancestors.
type Contribution struct {
	SizeBytes      int64
	FileCount      int64
	DirectoryCount int64
}

// ContributionOf returns the node's active contribution. Nodes that are not
// active contribute nothing.
func ContributionOf(node meta.Node) Contribution {
	if !node.IsActive() {
		return Contribution{}
	}
	switch node.Kind {
	case meta.KindFile:
		return Contribution{SizeBytes: node.SizeBytes, FileCount: 1}
	case meta.KindDirectory:
		return Contribution{DirectoryCount: 1}
	}
	return Contribution{}
}

// Sub returns c minus other.
func (c Contribution) Sub(other Contribution) Contribution {
	return Contribution{
		SizeBytes:      c.SizeBytes - other.SizeBytes,
		FileCount:      c.FileCount - other.FileCount,
		DirectoryCount: c.DirectoryCount - other.DirectoryCount,
	}
}

// Add returns c plus other.
func (c Contribution) Add(other Contribution) Contribution {
	return Contribution{
		SizeBytes:      c.SizeBytes + other.SizeBytes,
		FileCount:      c.FileCount + other.FileCount,
		DirectoryCount: c.DirectoryCount + other.DirectoryCount,
	}
}

// IsZero reports whether the contribution changes nothing.
func (c Contribution) IsZero() bool {
	return c == Contribution{}
}

// Invalidation marks a rollup with a non-fresh state.
type Invalidation struct {
	NodeID int64
	State  meta.RollupState
}

// Candidate feeds the background recalculation queue.
type Candidate struct {
	NodeID          int64
	MountID         int64
	Reason          string
	Depth           int
	ChildCountDelta int64
}

// Plan captures the rollup work a mutation or reconciliation produces. It is
// built synchronously during the transaction and applied through
// Manager.ApplyPlan before commit; cache and queue effects run after commit.
type Plan struct {
	Ensure             []int64
	Increments         []meta.RollupDelta
	Invalidate         []Invalidation
	TouchedNodeIDs     []int64
	ScheduleCandidates []Candidate
}

// AddEnsure records that the node's rollup row must exist.
func (plan *Plan) AddEnsure(nodeID int64) {
	plan.Ensure = append(plan.Ensure, nodeID)
}

// AddIncrement records a counter delta for one node.
func (plan *Plan) AddIncrement(delta meta.RollupDelta) {
	plan.Increments = append(plan.Increments, delta)
}

// AddInvalidate records a state downgrade for one node.
func (plan *Plan) AddInvalidate(nodeID int64, state meta.RollupState) {
	plan.Invalidate = append(plan.Invalidate, Invalidation{NodeID: nodeID, State: state})
}

// Touch records that the node's cached summary must be refreshed or dropped.
func (plan *Plan) Touch(nodeID int64) {
	plan.TouchedNodeIDs = append(plan.TouchedNodeIDs, nodeID)
}

// AddCandidate records a background recalculation candidate.
func (plan *Plan) AddCandidate(candidate Candidate) {
	plan.ScheduleCandidates = append(plan.ScheduleCandidates, candidate)
}

// AddAncestorDeltas records the contribution diff for every ancestor of a
// node, parent first. Only the immediate parent observes the child count
// delta.
func (plan *Plan) AddAncestorDeltas(ancestorIDs []int64, diff Contribution, childCountDelta int64, markPending bool) {
	for i, id := range ancestorIDs {
		delta := meta.RollupDelta{
			NodeID:         id,
			SizeBytes:      diff.SizeBytes,
			FileCount:      diff.FileCount,
			DirectoryCount: diff.DirectoryCount,
			MarkPending:    markPending,
		}
		if i == 0 {
			delta.ChildCount = childCountDelta
		}
		plan.AddEnsure(id)
		plan.AddIncrement(delta)
		plan.Touch(id)
	}
}

// Merge appends all work from other into plan.
func (plan *Plan) Merge(other Plan) {
	plan.Ensure = append(plan.Ensure, other.Ensure...)
	plan.Increments = append(plan.Increments, other.Increments...)
	plan.Invalidate = append(plan.Invalidate, other.Invalidate...)
	plan.TouchedNodeIDs = append(plan.TouchedNodeIDs, other.TouchedNodeIDs...)
	plan.ScheduleCandidates = append(plan.ScheduleCandidates, other.ScheduleCandidates...)
}

// IsEmpty reports whether the plan carries no work at all.
func (plan *Plan) IsEmpty() bool {
	return len(plan.Ensure) == 0 && len(plan.Increments) == 0 &&
		len(plan.Invalidate) == 0 && len(plan.TouchedNodeIDs) == 0 &&
		len(plan.ScheduleCandidates) == 0
}

// normalized returns the plan with duplicates merged and everything ordered
// by ascending node id, so concurrent transactions lock rows in the same
// order.
func (plan *Plan) normalized() Plan {
	out := Plan{
		TouchedNodeIDs:     dedupeIDs(plan.TouchedNodeIDs),
		ScheduleCandidates: plan.ScheduleCandidates,
	}
	out.Ensure = dedupeIDs(plan.Ensure)

	merged := map[int64]meta.RollupDelta{}
	for _, delta := range plan.Increments {
		acc := merged[delta.NodeID]
		acc.NodeID = delta.NodeID
		acc.SizeBytes += delta.SizeBytes
		acc.FileCount += delta.FileCount
		acc.DirectoryCount += delta.DirectoryCount
		acc.ChildCount += delta.ChildCount
		acc.MarkPending = acc.MarkPending || delta.MarkPending
		merged[delta.NodeID] = acc
	}
	for _, delta := range merged {
		out.Increments = append(out.Increments, delta)
	}
	sort.Slice(out.Increments, func(i, j int) bool {
		return out.Increments[i].NodeID < out.Increments[j].NodeID
	})

	// Last state written wins for repeated invalidations of the same node.
	states := map[int64]meta.RollupState{}
	var order []int64
	for _, inv := range plan.Invalidate {
		if _, seen := states[inv.NodeID]; !seen {
			order = append(order, inv.NodeID)
		}
		states[inv.NodeID] = inv.State
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, id := range order {
		out.Invalidate = append(out.Invalidate, Invalidation{NodeID: id, State: states[id]})
	}
	return out
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
