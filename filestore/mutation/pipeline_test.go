package mutation_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/filestore/filestoredb"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/filestore/mounts"
	"github.com/benediktbwimmer/apphub-sub012/filestore/mutation"
	"github.com/benediktbwimmer/apphub-sub012/filestore/reconcile"
	"github.com/benediktbwimmer/apphub-sub012/filestore/rollup"
)

type pipeline struct {
	db         *filestoredb.DB
	backends   *mounts.Registry
	rollups    *rollup.Manager
	bus        eventbus.Bus
	service    *mutation.Service
	reconciler *reconcile.Manager
	mount      meta.Mount
	root       string
}

func newPipeline(t *testing.T, ctx *testcontext.Context) *pipeline {
	connstr := os.Getenv("APPHUB_TEST_POSTGRES")
	if connstr == "" {
		t.Skip("APPHUB_TEST_POSTGRES not set")
	}
	log := zaptest.NewLogger(t)

	db, err := filestoredb.Open(ctx, log.Named("db"), connstr)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.MigrateToLatest(ctx))

	root := ctx.Dir("backend")
	mount, err := db.Mounts().Create(ctx, meta.Mount{
		Name:     "test-" + t.Name(),
		Driver:   backend.DriverLocal,
		RootPath: root,
	})
	require.NoError(t, err)

	backends := mounts.NewRegistry(log.Named("mounts"), db.Mounts())
	rollupConfig := rollup.Config{
		QueueName:            "rollup-recalculate",
		QueueInline:          true,
		CacheTTL:             time.Minute,
		CacheMaxEntries:      128,
		RecalcDepthThreshold: 4,
		RecalcChildThreshold: 32,
		MaxCascadeDepth:      64,
	}
	cache := rollup.NewCache(log.Named("rollup-cache"), db.Rollups(), rollupConfig, nil)
	rollups := rollup.NewManager(log.Named("rollup"), db, cache, rollupConfig)
	bus := eventbus.NewInline(log.Named("events"))
	service := mutation.NewService(log.Named("mutation"), db, backends, rollups, bus, mutation.Config{})
	reconciler := reconcile.NewManager(log.Named("reconcile"), db, backends, rollups, bus, reconcile.Config{
		QueueInline: true,
	})

	return &pipeline{
		db: db, backends: backends, rollups: rollups, bus: bus,
		service: service, reconciler: reconciler,
		mount: mount, root: root,
	}
}

func (p *pipeline) rollupOf(t *testing.T, ctx *testcontext.Context, path string) meta.Rollup {
	node, err := p.db.Nodes().GetByPath(ctx, p.mount.ID, path, false)
	require.NoError(t, err)
	r, err := p.db.Rollups().Get(ctx, node.ID)
	require.NoError(t, err)
	return r
}

func (p *pipeline) recalcSubtree(t *testing.T, ctx *testcontext.Context, paths ...string) {
	// Deepest first so parents see fresh child rollups.
	for _, path := range paths {
		node, err := p.db.Nodes().GetByPath(ctx, p.mount.ID, path, false)
		require.NoError(t, err)
		require.NoError(t, p.rollups.Recalculate(ctx, node.ID))
	}
}

func TestUploadBuildsTreeAndRollups(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx)

	node, err := p.service.UploadFile(ctx, mutation.UploadFile{
		MountID: p.mount.ID,
		Path:    "datasets/observations.csv",
		Content: []byte{1, 2, 3},
	})
	require.NoError(t, err)
	require.Equal(t, meta.KindFile, node.Kind)
	require.Equal(t, int64(3), node.SizeBytes)
	require.Equal(t, backend.ChecksumBytes([]byte{1, 2, 3}), node.Checksum)

	// The missing ancestors were created on the fly.
	dir, err := p.db.Nodes().GetByPath(ctx, p.mount.ID, "datasets", false)
	require.NoError(t, err)
	require.Equal(t, meta.KindDirectory, dir.Kind)

	p.recalcSubtree(t, ctx, "datasets/observations.csv", "datasets", "")

	r := p.rollupOf(t, ctx, "")
	require.Equal(t, int64(3), r.SizeBytes)
	require.Equal(t, int64(1), r.FileCount)
	require.Equal(t, int64(1), r.DirectoryCount)
	require.Equal(t, meta.RollupUpToDate, r.State)

	sub := p.rollupOf(t, ctx, "datasets")
	require.Equal(t, int64(3), sub.SizeBytes)
	require.Equal(t, int64(1), sub.FileCount)
	require.Equal(t, int64(0), sub.DirectoryCount)
	require.Equal(t, int64(1), sub.ChildCount)
}

func TestUploadIdempotencyReplay(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx)

	first, err := p.service.UploadFile(ctx, mutation.UploadFile{
		MountID:        p.mount.ID,
		Path:           "a/file.bin",
		Content:        []byte("payload"),
		IdempotencyKey: "upload-1",
	})
	require.NoError(t, err)

	replay, err := p.service.UploadFile(ctx, mutation.UploadFile{
		MountID:        p.mount.ID,
		Path:           "a/file.bin",
		Content:        []byte("payload"),
		IdempotencyKey: "upload-1",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, replay.ID)
	require.Equal(t, first.Version, replay.Version, "a replay must not re-run the mutation")

	// Same key with different content is a client error.
	_, err = p.service.UploadFile(ctx, mutation.UploadFile{
		MountID:        p.mount.ID,
		Path:           "a/file.bin",
		Content:        []byte("different"),
		IdempotencyKey: "upload-1",
	})
	require.True(t, meta.ErrIdempotencyMismatch.Has(err))
}

func TestReplayServesJournaledResult(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx)

	first, err := p.service.UploadFile(ctx, mutation.UploadFile{
		MountID:        p.mount.ID,
		Path:           "a/journal.bin",
		Content:        []byte("v1"),
		IdempotencyKey: "upload-journal",
	})
	require.NoError(t, err)

	// Move the live row on without a key.
	overwritten, err := p.service.UploadFile(ctx, mutation.UploadFile{
		MountID:   p.mount.ID,
		Path:      "a/journal.bin",
		Content:   []byte("v2 is longer"),
		Overwrite: true,
	})
	require.NoError(t, err)
	require.Greater(t, overwritten.Version, first.Version)

	// The replay answers with the journaled result, not the current row.
	replay, err := p.service.UploadFile(ctx, mutation.UploadFile{
		MountID:        p.mount.ID,
		Path:           "a/journal.bin",
		Content:        []byte("v1"),
		IdempotencyKey: "upload-journal",
	})
	require.NoError(t, err)
	require.Equal(t, first.Version, replay.Version)
	require.Equal(t, first.SizeBytes, replay.SizeBytes)
	require.Equal(t, first.Checksum, replay.Checksum)
	require.True(t, replay.UpdatedAt.Equal(first.UpdatedAt))
}

func TestMoveTransfersContribution(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx)

	_, err := p.service.UploadFile(ctx, mutation.UploadFile{
		MountID: p.mount.ID, Path: "src/data.bin", Content: []byte("12345"),
	})
	require.NoError(t, err)

	moved, err := p.service.Move(ctx, mutation.Move{
		MountID: p.mount.ID, FromPath: "src/data.bin", ToPath: "dst/data.bin",
	})
	require.NoError(t, err)
	require.Equal(t, "dst/data.bin", moved.Path)

	_, err = p.db.Nodes().GetByPath(ctx, p.mount.ID, "src/data.bin", false)
	require.True(t, meta.ErrNotFound.Has(err))

	// The artifact moved on the backend too.
	adapter, err := p.backends.Get(ctx, p.mount.ID)
	require.NoError(t, err)
	stat, err := adapter.Stat(ctx, "dst/data.bin")
	require.NoError(t, err)
	require.True(t, stat.Exists)
	stat, err = adapter.Stat(ctx, "src/data.bin")
	require.NoError(t, err)
	require.False(t, stat.Exists)

	p.recalcSubtree(t, ctx, "dst/data.bin", "dst", "src", "")
	require.Equal(t, int64(0), p.rollupOf(t, ctx, "src").SizeBytes)
	require.Equal(t, int64(5), p.rollupOf(t, ctx, "dst").SizeBytes)
	require.Equal(t, int64(5), p.rollupOf(t, ctx, "").SizeBytes)
}

func TestDeleteIsSoftAndGuarded(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx)

	_, err := p.service.UploadFile(ctx, mutation.UploadFile{
		MountID: p.mount.ID, Path: "dir/keep.bin", Content: []byte("x"),
	})
	require.NoError(t, err)

	_, err = p.service.Delete(ctx, mutation.Delete{
		MountID: p.mount.ID, Path: "dir",
	})
	require.True(t, mutation.ErrNotEmpty.Has(err), "non-recursive delete of a non-empty directory must fail")

	deleted, err := p.service.Delete(ctx, mutation.Delete{
		MountID: p.mount.ID, Path: "dir", Recursive: true,
	})
	require.NoError(t, err)
	require.Equal(t, meta.NodeDeleted, deleted.State)

	_, err = p.db.Nodes().GetByPath(ctx, p.mount.ID, "dir/keep.bin", false)
	require.True(t, meta.ErrNotFound.Has(err))

	// Deleting again reports the terminal state.
	_, err = p.service.Delete(ctx, mutation.Delete{
		MountID: p.mount.ID, Path: "dir", Recursive: true,
	})
	require.True(t, meta.ErrNotFound.Has(err) || meta.ErrNodeDeleted.Has(err))
}

func TestReconcileDetectsShrunkFile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx)

	node, err := p.service.UploadFile(ctx, mutation.UploadFile{
		MountID: p.mount.ID, Path: "audit/data.bin", Content: []byte("1234567890"),
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), node.SizeBytes)

	// Shrink the artifact behind the metadata layer's back.
	require.NoError(t, os.WriteFile(p.root+"/audit/data.bin", []byte("12345"), 0o644))

	job, err := p.reconciler.Enqueue(ctx, reconcile.Request{
		MountID: p.mount.ID, Path: "audit/data.bin", Reason: meta.ReasonManual,
	})
	require.NoError(t, err)

	job, err = p.reconciler.Job(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, meta.JobSucceeded, job.Status)

	refreshed, err := p.db.Nodes().GetByPath(ctx, p.mount.ID, "audit/data.bin", false)
	require.NoError(t, err)
	require.Equal(t, int64(5), refreshed.SizeBytes)
	require.Equal(t, meta.ConsistencyConsistent, refreshed.ConsistencyState)

	p.recalcSubtree(t, ctx, "audit/data.bin", "audit", "")
	require.Equal(t, int64(5), p.rollupOf(t, ctx, "").SizeBytes)
}

func TestReconcileMarksMissing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx)

	_, err := p.service.UploadFile(ctx, mutation.UploadFile{
		MountID: p.mount.ID, Path: "audit/gone.bin", Content: []byte("abc"),
	})
	require.NoError(t, err)

	require.NoError(t, os.Remove(p.root+"/audit/gone.bin"))

	job, err := p.reconciler.Enqueue(ctx, reconcile.Request{
		MountID: p.mount.ID, Path: "audit/gone.bin",
	})
	require.NoError(t, err)
	job, err = p.reconciler.Job(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, meta.JobSucceeded, job.Status)

	missing, err := p.db.Nodes().GetByPath(ctx, p.mount.ID, "audit/gone.bin", false)
	require.NoError(t, err)
	require.Equal(t, meta.NodeMissing, missing.State)

	p.recalcSubtree(t, ctx, "audit", "")
	require.Equal(t, int64(0), p.rollupOf(t, ctx, "").SizeBytes)
	require.Equal(t, int64(0), p.rollupOf(t, ctx, "").FileCount)
}

func TestDriftEventTriggersReconciliation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx)

	cancel := p.reconciler.SubscribeDrift(p.bus)
	defer cancel()

	node, err := p.service.UploadFile(ctx, mutation.UploadFile{
		MountID: p.mount.ID, Path: "logs/app.log", Content: []byte("1234567890"),
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(p.root+"/logs/app.log", []byte("1234"), 0o644))

	// A drift report on the bus is enough to heal the node.
	event, err := eventbus.New(eventbus.TypeDriftDetected,
		map[string]interface{}{"node": meta.NodeToJSON(node)})
	require.NoError(t, err)
	p.bus.Publish(ctx, event)

	jobs, err := p.reconciler.Jobs(ctx, meta.ListReconciliationJobs{MountID: &p.mount.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, meta.ReasonDrift, jobs[0].Reason)
	require.True(t, jobs[0].DetectChildren)
	require.Equal(t, meta.JobSucceeded, jobs[0].Status)

	refreshed, err := p.db.Nodes().GetByPath(ctx, p.mount.ID, "logs/app.log", false)
	require.NoError(t, err)
	require.Equal(t, int64(4), refreshed.SizeBytes)
	require.Equal(t, meta.ConsistencyConsistent, refreshed.ConsistencyState)
}

func TestReconcileChildFanOut(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	p := newPipeline(t, ctx)

	_, err := p.service.UploadFile(ctx, mutation.UploadFile{
		MountID: p.mount.ID, Path: "tree/file.bin", Content: []byte("abc"),
	})
	require.NoError(t, err)
	_, err = p.service.UploadFile(ctx, mutation.UploadFile{
		MountID: p.mount.ID, Path: "tree/sub/leaf.bin", Content: []byte("de"),
	})
	require.NoError(t, err)

	_, err = p.reconciler.Enqueue(ctx, reconcile.Request{
		MountID: p.mount.ID, Path: "tree", Reason: meta.ReasonAudit, DetectChildren: true,
	})
	require.NoError(t, err)

	jobs, err := p.reconciler.Jobs(ctx, meta.ListReconciliationJobs{MountID: &p.mount.ID})
	require.NoError(t, err)
	detect := map[string]bool{}
	for _, job := range jobs {
		require.Equal(t, meta.JobSucceeded, job.Status)
		detect[job.Path] = job.DetectChildren
	}
	// Only directories keep fanning out.
	require.Equal(t, map[string]bool{
		"tree":              true,
		"tree/sub":          true,
		"tree/file.bin":     false,
		"tree/sub/leaf.bin": false,
	}, detect)
}
