package planner_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-sub012/timestore/colstats"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
	"github.com/benediktbwimmer/apphub-sub012/timestore/planner"
)

func numericPartition(id int64, start time.Time, min, max float64) datasets.Partition {
	return datasets.Partition{
		ID:        id,
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		ColumnStats: map[string]datasets.ColumnStats{
			"temperature_c": {Min: min, Max: max, RowCount: 2},
		},
	}
}

func TestPrunableRangePredicates(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cold := numericPartition(1, base, 10, 11)
	mild := numericPartition(2, base.Add(30*time.Minute), 20, 21)
	warm := numericPartition(3, base.Add(time.Hour), 30, 31)

	hot := []planner.Filter{{Column: "temperature_c", Op: planner.OpGte, Value: 25.0}}
	require.True(t, planner.Prunable(cold, hot))
	require.True(t, planner.Prunable(mild, hot))
	require.False(t, planner.Prunable(warm, hot))

	below := []planner.Filter{{Column: "temperature_c", Op: planner.OpLt, Value: 15.0}}
	require.False(t, planner.Prunable(cold, below))
	require.True(t, planner.Prunable(mild, below))

	exact := []planner.Filter{{Column: "temperature_c", Op: planner.OpEq, Value: 20.5}}
	require.True(t, planner.Prunable(cold, exact))
	require.False(t, planner.Prunable(mild, exact))

	// Strict bounds: max == value rules out "greater than" but not ">=".
	edge := []planner.Filter{{Column: "temperature_c", Op: planner.OpGt, Value: 21.0}}
	require.True(t, planner.Prunable(mild, edge))
	edge[0].Op = planner.OpGte
	require.False(t, planner.Prunable(mild, edge))
}

func TestPrunableBloomEquality(t *testing.T) {
	bloom := colstats.NewBloom(256, 4)
	colstats.BloomAdd(bloom, "station-7")
	partition := datasets.Partition{
		ID: 1,
		ColumnStats: map[string]datasets.ColumnStats{
			"station": {Min: "station-7", Max: "station-7", RowCount: 4},
		},
		BloomFilters: map[string]datasets.BloomFilter{"station": bloom},
	}

	miss := []planner.Filter{{Column: "station", Op: planner.OpEq, Value: "station-9"}}
	require.True(t, planner.Prunable(partition, miss))

	hit := []planner.Filter{{Column: "station", Op: planner.OpEq, Value: "station-7"}}
	require.False(t, planner.Prunable(partition, hit))

	// A filter on a column without statistics can never prune.
	unknown := []planner.Filter{{Column: "humidity", Op: planner.OpEq, Value: 1.0}}
	require.False(t, planner.Prunable(partition, unknown))
}

func TestPrunableIntegerProbeMatchesFloatStats(t *testing.T) {
	// JSON decoding delivers numbers as float64; a caller-supplied int must
	// still probe the same bloom entry and compare against min/max.
	bloom := colstats.NewBloom(256, 4)
	colstats.BloomAdd(bloom, colstats.Canonical(25.0))
	partition := datasets.Partition{
		ColumnStats: map[string]datasets.ColumnStats{
			"temperature_c": {Min: 20.0, Max: 30.0, RowCount: 1},
		},
		BloomFilters: map[string]datasets.BloomFilter{"temperature_c": bloom},
	}

	filters := []planner.Filter{{Column: "temperature_c", Op: planner.OpEq, Value: int64(25)}}
	require.False(t, planner.Prunable(partition, filters))

	filters[0].Value = int64(26)
	require.True(t, planner.Prunable(partition, filters))
}
