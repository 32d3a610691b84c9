// Package planner resolves a time-range query to the minimal ordered set of
// partitions that may hold matching rows, and executes plans by reading the
// partition files back through the storage backend.
package planner

import (
	"context"
	"sort"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/timestore/colstats"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

var (
	// Error is the default planner errs class.
	Error = errs.Class("planner")

	mon = monkit.Package()
)

// Op is a filter comparison operator.
type Op string

// Filter operators.
const (
	OpEq  Op = "eq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Filter is one column predicate.
type Filter struct {
	Column string      `json:"column"`
	Op     Op          `json:"op"`
	Value  interface{} `json:"value"`
}

// Query is a planned read over one dataset.
type Query struct {
	DatasetSlug     string    `json:"datasetSlug"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	Columns         []string  `json:"columns,omitempty"`
	Filters         []Filter  `json:"filters,omitempty"`
	TimestampColumn string    `json:"timestampColumn"`
}

// Step is one planned partition read.
type Step struct {
	Partition     datasets.Partition
	StorageTarget datasets.StorageTarget
	Location      string
	Columns       []string
}

// Plan is the ordered list of partition reads for a query.
type Plan struct {
	Dataset datasets.Dataset
	Schema  datasets.SchemaVersion
	Steps   []Step
}

// Planner prunes the partition index down to a query plan. It performs no
// reads of partition files.
type Planner struct {
	log *zap.Logger
	db  datasets.DB
}

// NewPlanner creates a Planner.
func NewPlanner(log *zap.Logger, db datasets.DB) *Planner {
	return &Planner{log: log, db: db}
}

// Plan resolves the dataset, intersects manifest shards and partition time
// ranges with the query window, prunes on column statistics and bloom
// filters, and returns the surviving partitions ordered by start time then
// partition id.
func (planner *Planner) Plan(ctx context.Context, query Query) (_ Plan, err error) {
	defer mon.Task()(&ctx)(&err)

	if query.TimestampColumn == "" {
		query.TimestampColumn = "timestamp"
	}
	if !query.StartTime.Before(query.EndTime) {
		return Plan{}, Error.New("time range start must precede end")
	}

	dataset, err := planner.db.Datasets().GetBySlug(ctx, query.DatasetSlug, false)
	if err != nil {
		return Plan{}, err
	}
	schema, err := planner.db.Schemas().GetLatest(ctx, dataset.ID)
	if err != nil {
		return Plan{}, err
	}
	columns, err := resolveColumns(schema, query.Columns)
	if err != nil {
		return Plan{}, err
	}

	manifests, err := planner.db.Manifests().ListShardsIntersecting(ctx, dataset.ID, query.StartTime, query.EndTime)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Dataset: dataset, Schema: schema}
	var pruned int
	for _, manifest := range manifests {
		parts, err := planner.db.Partitions().ListByManifest(ctx, manifest.ID)
		if err != nil {
			return Plan{}, err
		}
		for _, partition := range parts {
			if !intersects(partition.StartTime, partition.EndTime, query.StartTime, query.EndTime) {
				continue
			}
			if Prunable(partition, query.Filters) {
				pruned++
				continue
			}
			target, err := planner.db.StorageTargets().Get(ctx, partition.StorageTargetID)
			if err != nil {
				return Plan{}, err
			}
			plan.Steps = append(plan.Steps, Step{
				Partition:     partition,
				StorageTarget: target,
				Location:      partition.FilePath,
				Columns:       columns,
			})
		}
	}

	sort.Slice(plan.Steps, func(i, j int) bool {
		si, sj := plan.Steps[i].Partition, plan.Steps[j].Partition
		if !si.StartTime.Equal(sj.StartTime) {
			return si.StartTime.Before(sj.StartTime)
		}
		return si.ID < sj.ID
	})

	mon.IntVal("planner_pruned").Observe(int64(pruned))
	planner.log.Debug("query planned",
		zap.String("dataset", dataset.Slug),
		zap.Int("partitions", len(plan.Steps)),
		zap.Int("pruned", pruned))
	return plan, nil
}

// resolveColumns validates the projection against the schema; an empty
// projection selects every column.
func resolveColumns(schema datasets.SchemaVersion, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return schema.FieldNames(), nil
	}
	for _, name := range requested {
		if _, ok := schema.FieldByName(name); !ok {
			return nil, Error.New("unknown column %q", name)
		}
	}
	return requested, nil
}

// intersects reports whether [aStart, aEnd) overlaps [bStart, bEnd).
func intersects(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Prunable reports whether the partition's column statistics prove that no
// row can satisfy the filters. False negatives are fine, false positives are
// not.
func Prunable(partition datasets.Partition, filters []Filter) bool {
	for _, filter := range filters {
		stats, ok := partition.ColumnStats[filter.Column]
		if !ok {
			continue
		}

		min, minOK := colstats.AsFloat(stats.Min)
		max, maxOK := colstats.AsFloat(stats.Max)
		value, valueOK := colstats.AsFloat(filter.Value)
		numeric := minOK && maxOK && valueOK

		switch filter.Op {
		case OpEq:
			if numeric && (value < min || value > max) {
				return true
			}
			if bloom, ok := partition.BloomFilters[filter.Column]; ok {
				if !colstats.BloomContains(bloom, colstats.Canonical(filter.Value)) {
					return true
				}
			}
		case OpGt:
			if numeric && max <= value {
				return true
			}
		case OpGte:
			if numeric && max < value {
				return true
			}
		case OpLt:
			if numeric && min >= value {
				return true
			}
		case OpLte:
			if numeric && min > value {
				return true
			}
		}
	}
	return false
}
