package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-sub012/timestore/colstats"
)

func TestRowInWindow(t *testing.T) {
	query := Query{
		StartTime:       time.Date(2024, 1, 1, 0, 25, 0, 0, time.UTC),
		EndTime:         time.Date(2024, 1, 1, 0, 40, 0, 0, time.UTC),
		TimestampColumn: "timestamp",
	}

	require.True(t, rowInWindow(colstats.Row{"timestamp": "2024-01-01T00:30:00Z"}, query))
	require.False(t, rowInWindow(colstats.Row{"timestamp": "2024-01-01T00:10:00Z"}, query))
	// End is exclusive.
	require.False(t, rowInWindow(colstats.Row{"timestamp": "2024-01-01T00:40:00Z"}, query))
	// Start is inclusive.
	require.True(t, rowInWindow(colstats.Row{"timestamp": "2024-01-01T00:25:00Z"}, query))
	// Rows with no parseable timestamp pass through.
	require.True(t, rowInWindow(colstats.Row{"timestamp": "not-a-time"}, query))
	require.True(t, rowInWindow(colstats.Row{}, query))
}

func TestRowMatches(t *testing.T) {
	row := colstats.Row{"temperature_c": 25.5, "station": "station-7"}

	require.True(t, rowMatches(row, []Filter{{Column: "temperature_c", Op: OpGte, Value: 25.0}}))
	require.False(t, rowMatches(row, []Filter{{Column: "temperature_c", Op: OpGt, Value: 25.5}}))
	require.True(t, rowMatches(row, []Filter{
		{Column: "temperature_c", Op: OpLte, Value: 30.0},
		{Column: "station", Op: OpEq, Value: "station-7"},
	}))
	require.False(t, rowMatches(row, []Filter{{Column: "station", Op: OpEq, Value: "station-9"}}))
	// Missing and null columns never match.
	require.False(t, rowMatches(row, []Filter{{Column: "humidity", Op: OpEq, Value: 1.0}}))
	require.False(t, rowMatches(colstats.Row{"station": nil}, []Filter{{Column: "station", Op: OpEq, Value: "x"}}))
}

func TestProjectRow(t *testing.T) {
	row := colstats.Row{"a": 1.0, "b": "two", "c": nil}
	projected := projectRow(row, []string{"a", "c"})
	require.Equal(t, colstats.Row{"a": 1.0, "c": nil}, projected)
}
