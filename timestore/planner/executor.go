package planner

import (
	"context"
	"io"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/timestore/colstats"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
	"github.com/benediktbwimmer/apphub-sub012/timestore/partitions"
	"github.com/benediktbwimmer/apphub-sub012/timestore/targets"
)

// Result is the materialized output of a plan.
type Result struct {
	Columns []datasets.Field `json:"columns"`
	Rows    []colstats.Row   `json:"rows"`
}

// Executor reads planned partition files and materializes matching rows.
type Executor struct {
	log      *zap.Logger
	backends *targets.Registry
}

// NewExecutor creates an Executor.
func NewExecutor(log *zap.Logger, backends *targets.Registry) *Executor {
	return &Executor{log: log, backends: backends}
}

// Execute reads every planned partition in order, filters rows to the query
// window and predicates, and projects the requested columns.
func (executor *Executor) Execute(ctx context.Context, plan Plan, query Query) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	result := Result{Rows: []colstats.Row{}}
	var projected []string
	for _, step := range plan.Steps {
		projected = step.Columns
		rows, err := executor.readPartition(ctx, step)
		if err != nil {
			return Result{}, err
		}
		for _, row := range rows {
			if !rowInWindow(row, query) {
				continue
			}
			if !rowMatches(row, query.Filters) {
				continue
			}
			result.Rows = append(result.Rows, projectRow(row, step.Columns))
		}
	}
	if projected == nil {
		projected, err = resolveColumns(plan.Schema, query.Columns)
		if err != nil {
			return Result{}, err
		}
	}
	for _, name := range projected {
		if field, ok := plan.Schema.FieldByName(name); ok {
			result.Columns = append(result.Columns, field)
		}
	}
	return result, nil
}

func (executor *Executor) readPartition(ctx context.Context, step Step) (_ []colstats.Row, err error) {
	adapter, err := executor.backends.Get(ctx, step.StorageTarget.ID)
	if err != nil {
		return nil, err
	}
	stream, err := adapter.ReadStream(ctx, step.Location)
	if err != nil {
		return nil, Error.New("read partition %d: %w", step.Partition.ID, err)
	}
	defer func() { err = errs.Combine(err, stream.Close()) }()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, Error.New("read partition %d: %w", step.Partition.ID, err)
	}
	_, rows, err := partitions.Decode(data)
	if err != nil {
		return nil, Error.New("decode partition %d: %w", step.Partition.ID, err)
	}
	return rows, nil
}

// rowInWindow checks the row's timestamp column against [start, end). Rows
// without a parseable timestamp are kept so a malformed value is surfaced to
// the caller rather than silently dropped.
func rowInWindow(row colstats.Row, query Query) bool {
	value, ok := row[query.TimestampColumn]
	if !ok {
		return true
	}
	ts, ok := asTime(value)
	if !ok {
		return true
	}
	return !ts.Before(query.StartTime) && ts.Before(query.EndTime)
}

func rowMatches(row colstats.Row, filters []Filter) bool {
	for _, filter := range filters {
		value, ok := row[filter.Column]
		if !ok || value == nil {
			return false
		}
		if !compare(value, filter.Op, filter.Value) {
			return false
		}
	}
	return true
}

func compare(value interface{}, op Op, operand interface{}) bool {
	left, leftOK := colstats.AsFloat(value)
	right, rightOK := colstats.AsFloat(operand)
	if leftOK && rightOK {
		switch op {
		case OpEq:
			return left == right
		case OpGt:
			return left > right
		case OpGte:
			return left >= right
		case OpLt:
			return left < right
		case OpLte:
			return left <= right
		}
		return false
	}

	ls, rs := colstats.Canonical(value), colstats.Canonical(operand)
	switch op {
	case OpEq:
		return ls == rs
	case OpGt:
		return ls > rs
	case OpGte:
		return ls >= rs
	case OpLt:
		return ls < rs
	case OpLte:
		return ls <= rs
	}
	return false
}

func projectRow(row colstats.Row, columns []string) colstats.Row {
	out := make(colstats.Row, len(columns))
	for _, name := range columns {
		out[name] = row[name]
	}
	return out
}

func asTime(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}
