package rollup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

func TestShouldScheduleThresholds(t *testing.T) {
	manager := &Manager{config: Config{
		RecalcDepthThreshold: 4,
		RecalcChildThreshold: 32,
	}}

	// Depth schedules at or deeper than the threshold.
	require.False(t, manager.shouldSchedule(Candidate{Depth: 3}))
	require.True(t, manager.shouldSchedule(Candidate{Depth: 4}))
	require.True(t, manager.shouldSchedule(Candidate{Depth: 5}))

	// Child count swings schedule regardless of depth.
	require.False(t, manager.shouldSchedule(Candidate{Depth: 1, ChildCountDelta: 31}))
	require.True(t, manager.shouldSchedule(Candidate{Depth: 1, ChildCountDelta: 32}))
	require.True(t, manager.shouldSchedule(Candidate{Depth: 1, ChildCountDelta: -32}))
}

func TestContributionOf(t *testing.T) {
	file := meta.Node{Kind: meta.KindFile, State: meta.NodeActive, SizeBytes: 42}
	require.Equal(t, Contribution{SizeBytes: 42, FileCount: 1}, ContributionOf(file))

	dir := meta.Node{Kind: meta.KindDirectory, State: meta.NodeActive}
	require.Equal(t, Contribution{DirectoryCount: 1}, ContributionOf(dir))

	missing := meta.Node{Kind: meta.KindFile, State: meta.NodeMissing, SizeBytes: 42}
	require.True(t, ContributionOf(missing).IsZero())

	deleted := meta.Node{Kind: meta.KindDirectory, State: meta.NodeDeleted}
	require.True(t, ContributionOf(deleted).IsZero())
}

func TestAddAncestorDeltas(t *testing.T) {
	var plan Plan
	diff := Contribution{SizeBytes: 3, FileCount: 1}
	plan.AddAncestorDeltas([]int64{7, 3, 1}, diff, 1, false)

	require.Equal(t, []int64{7, 3, 1}, plan.Ensure)
	require.Len(t, plan.Increments, 3)

	// only the immediate parent sees the child count
	require.Equal(t, int64(1), plan.Increments[0].ChildCount)
	require.Equal(t, int64(0), plan.Increments[1].ChildCount)
	require.Equal(t, int64(0), plan.Increments[2].ChildCount)
	for _, delta := range plan.Increments {
		require.Equal(t, int64(3), delta.SizeBytes)
		require.Equal(t, int64(1), delta.FileCount)
	}
}

func TestNormalizedMergesAndOrders(t *testing.T) {
	var plan Plan
	plan.AddEnsure(9)
	plan.AddEnsure(2)
	plan.AddEnsure(9)
	plan.AddIncrement(meta.RollupDelta{NodeID: 9, SizeBytes: 5})
	plan.AddIncrement(meta.RollupDelta{NodeID: 2, FileCount: 1, ChildCount: 1})
	plan.AddIncrement(meta.RollupDelta{NodeID: 9, SizeBytes: -2, MarkPending: true})
	plan.AddInvalidate(4, meta.RollupPending)
	plan.AddInvalidate(4, meta.RollupInvalid)
	plan.Touch(9)
	plan.Touch(9)
	plan.Touch(2)

	normalized := plan.normalized()

	require.Equal(t, []int64{2, 9}, normalized.Ensure)
	require.Equal(t, []int64{2, 9}, normalized.TouchedNodeIDs)

	require.Len(t, normalized.Increments, 2)
	require.Equal(t, meta.RollupDelta{NodeID: 2, FileCount: 1, ChildCount: 1}, normalized.Increments[0])
	require.Equal(t, meta.RollupDelta{NodeID: 9, SizeBytes: 3, MarkPending: true}, normalized.Increments[1])

	// last written state wins
	require.Equal(t, []Invalidation{{NodeID: 4, State: meta.RollupInvalid}}, normalized.Invalidate)
}

func TestIsEmpty(t *testing.T) {
	var plan Plan
	require.True(t, plan.IsEmpty())
	plan.Touch(1)
	require.False(t, plan.IsEmpty())
}
