package ingest_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/timestore/colstats"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
	"github.com/benediktbwimmer/apphub-sub012/timestore/ingest"
	"github.com/benediktbwimmer/apphub-sub012/timestore/planner"
	"github.com/benediktbwimmer/apphub-sub012/timestore/spool"
	"github.com/benediktbwimmer/apphub-sub012/timestore/targets"
	"github.com/benediktbwimmer/apphub-sub012/timestore/timestoredb"
)

type pipeline struct {
	db        *timestoredb.DB
	staging   *spool.Spool
	backends  *targets.Registry
	processor *ingest.Processor
	planner   *planner.Planner
	executor  *planner.Executor
	target    datasets.StorageTarget
	slug      string
}

func newPipeline(t *testing.T, ctx *testcontext.Context, config ingest.Config) *pipeline {
	connstr := os.Getenv("APPHUB_TEST_POSTGRES")
	if connstr == "" {
		t.Skip("APPHUB_TEST_POSTGRES not set")
	}
	log := zaptest.NewLogger(t)

	db, err := timestoredb.Open(ctx, log.Named("db"), connstr)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.MigrateToLatest(ctx))

	slug := strings.ToLower(strings.ReplaceAll(t.Name(), "/", "-"))
	target, err := db.StorageTargets().Create(ctx, datasets.StorageTarget{
		Name:     "target-" + slug,
		Driver:   backend.DriverLocal,
		RootPath: ctx.Dir("partitions"),
	})
	require.NoError(t, err)

	staging, err := spool.Open(log.Named("spool"), spool.Config{
		Path: filepath.Join(ctx.Dir("spool"), "staging.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, staging.Close()) })

	backends := targets.NewRegistry(log.Named("targets"), db.StorageTargets())
	bus := eventbus.NewInline(log.Named("events"))
	processor := ingest.NewProcessor(log.Named("ingest"), db, staging, backends, bus, target.ID, config)

	return &pipeline{
		db:        db,
		staging:   staging,
		backends:  backends,
		processor: processor,
		planner:   planner.NewPlanner(log.Named("planner"), db),
		executor:  planner.NewExecutor(log.Named("executor"), backends),
		target:    target,
		slug:      slug,
	}
}

var weatherSchema = []datasets.Field{
	{Name: "timestamp", Type: datasets.TypeTimestamp},
	{Name: "temperature_c", Type: datasets.TypeDouble},
}

func weatherJob(slug string, start time.Time, temps ...float64) ingest.Job {
	rows := make([]colstats.Row, 0, len(temps))
	for i, temp := range temps {
		rows = append(rows, colstats.Row{
			"timestamp":     start.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			"temperature_c": temp,
		})
	}
	return ingest.Job{
		DatasetSlug: slug,
		TableName:   "observations",
		Schema:      weatherSchema,
		Partition: ingest.PartitionInput{
			Key: datasets.Metadata{"window": start.Format(time.RFC3339)},
			TimeRange: ingest.TimeRange{
				Start: start,
				End:   start.Add(30 * time.Minute),
			},
		},
		Rows: rows,
	}
}

func TestIngestIdempotentReplay(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx, ingest.Config{})

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	job := weatherJob(p.slug, day, 21.5, 22.0)
	job.IdempotencyKey = "batch-001"

	first, err := p.processor.Process(ctx, job)
	require.NoError(t, err)
	require.False(t, first.FlushPending)
	require.NotNil(t, first.Manifest)
	require.NotNil(t, first.Partition)
	require.Equal(t, int64(2), first.Manifest.TotalRows)

	// The replay returns the committed manifest untouched.
	second, err := p.processor.Process(ctx, job)
	require.NoError(t, err)
	require.NotNil(t, second.Manifest)
	require.Equal(t, first.Manifest.ID, second.Manifest.ID)
	require.Equal(t, first.Partition.ID, second.Partition.ID)
	require.Equal(t, int64(2), second.Manifest.TotalRows)

	parts, err := p.db.Partitions().ListByManifest(ctx, first.Manifest.ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, "batch-001", parts[0].IngestionSignature)
}

func TestManifestSharding(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx, ingest.Config{})

	dayOne := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	dayTwo := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

	first, err := p.processor.Process(ctx, weatherJob(p.slug, dayOne, 15.0))
	require.NoError(t, err)
	second, err := p.processor.Process(ctx, weatherJob(p.slug, dayTwo, 16.0))
	require.NoError(t, err)

	require.NotEqual(t, first.Manifest.ID, second.Manifest.ID)
	require.Equal(t, "2024-01-01", first.Manifest.ShardDate)
	require.Equal(t, "2024-01-02", second.Manifest.ShardDate)

	// Another batch on day one lands in the existing shard manifest.
	third, err := p.processor.Process(ctx, weatherJob(p.slug, dayOne.Add(time.Hour), 17.0))
	require.NoError(t, err)
	require.Equal(t, first.Manifest.ID, third.Manifest.ID)
	require.Equal(t, int64(2), third.Manifest.TotalRows)
}

func TestAdditiveSchemaEvolution(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx, ingest.Config{})

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first, err := p.processor.Process(ctx, weatherJob(p.slug, day, 21.5))
	require.NoError(t, err)
	require.Equal(t, 1, first.Schema.Version)

	evolved := weatherJob(p.slug, day.Add(30*time.Minute), 22.0)
	evolved.Schema = append(append([]datasets.Field{}, weatherSchema...),
		datasets.Field{Name: "wind_speed_mps", Type: datasets.TypeDouble, Nullable: true})
	evolved.Rows[0]["wind_speed_mps"] = 3.2
	evolved.Evolution.Backfill = true

	second, err := p.processor.Process(ctx, evolved)
	require.NoError(t, err)
	require.Equal(t, 2, second.Schema.Version)
	require.Equal(t, first.Manifest.ID, second.Manifest.ID)
	require.Equal(t, second.Schema.ID, second.Manifest.SchemaVersionID)

	evolution, ok := second.Manifest.Metadata["schemaEvolution"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, []interface{}{"wind_speed_mps"}, evolution["addedColumns"])
	require.Equal(t, true, evolution["requestedBackfill"])

	// Reordering existing fields is rejected.
	reordered := weatherJob(p.slug, day.Add(time.Hour), 23.0)
	reordered.Schema = []datasets.Field{weatherSchema[1], weatherSchema[0]}
	_, err = p.processor.Process(ctx, reordered)
	require.True(t, datasets.ErrSchemaIncompatible.Has(err))
}

func TestQueryPlanPruning(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx, ingest.Config{})

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, temps := range [][]float64{{10, 11}, {20, 21}, {30, 31}} {
		_, err := p.processor.Process(ctx,
			weatherJob(p.slug, day.Add(time.Duration(i)*30*time.Minute), temps...))
		require.NoError(t, err)
	}

	// No partition's stats window intersects the predicate.
	plan, err := p.planner.Plan(ctx, planner.Query{
		DatasetSlug: p.slug,
		StartTime:   day.Add(25 * time.Minute),
		EndTime:     day.Add(40 * time.Minute),
		Filters:     []planner.Filter{{Column: "temperature_c", Op: planner.OpGte, Value: 25.0}},
	})
	require.NoError(t, err)
	require.Empty(t, plan.Steps)

	// Over the whole window only the warm partition survives pruning.
	query := planner.Query{
		DatasetSlug: p.slug,
		StartTime:   day,
		EndTime:     day.Add(2 * time.Hour),
		Filters:     []planner.Filter{{Column: "temperature_c", Op: planner.OpGte, Value: 25.0}},
	}
	plan, err = p.planner.Plan(ctx, query)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)

	result, err := p.executor.Execute(ctx, plan, query)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	for _, row := range result.Rows {
		temp, ok := colstats.AsFloat(row["temperature_c"])
		require.True(t, ok)
		require.GreaterOrEqual(t, temp, 25.0)
	}
}

func TestSpoolRecovery(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx, ingest.Config{FlushMaxRows: 100})

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	result, err := p.processor.Process(ctx, weatherJob(p.slug, day, 21.5))
	require.NoError(t, err)
	require.True(t, result.FlushPending)
	require.Nil(t, result.Partition)

	// A restart replays staged batches regardless of the flush policy.
	flushed, err := p.processor.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, flushed)

	dataset, err := p.db.Datasets().GetBySlug(ctx, p.slug, false)
	require.NoError(t, err)
	manifest, err := p.db.Manifests().GetByShard(ctx, dataset.ID, "2024-01-01", false)
	require.NoError(t, err)
	require.Equal(t, int64(1), manifest.TotalRows)

	staged, err := p.staging.List(ctx)
	require.NoError(t, err)
	require.Empty(t, staged)
}
