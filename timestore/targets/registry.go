// Package targets resolves storage targets to backend adapters.
package targets

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/backend/local"
	"github.com/benediktbwimmer/apphub-sub012/backend/s3"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

// Error is the default targets errs class.
var Error = errs.Class("targets")

// OpenAdapter creates the storage adapter for a target, dispatching on the
// driver tag.
func OpenAdapter(target datasets.StorageTarget) (backend.Adapter, error) {
	switch target.Driver {
	case backend.DriverLocal:
		return local.New(target.RootPath)
	case backend.DriverS3:
		return s3.New(s3.Config{
			Bucket:          target.Bucket,
			Prefix:          target.Prefix,
			Endpoint:        target.Endpoint,
			Region:          target.Region,
			AccessKeyID:     target.AccessKeyID,
			SecretAccessKey: target.SecretAccessKey,
			ForcePathStyle:  target.ForcePathStyle,
		})
	}
	return nil, Error.New("unsupported driver %q", target.Driver)
}

// Registry caches one adapter per storage target.
type Registry struct {
	log *zap.Logger
	db  datasets.StorageTargetDB

	mu       sync.RWMutex
	adapters map[int64]backend.Adapter
}

// NewRegistry creates a Registry that lazily opens adapters for targets found
// in db.
func NewRegistry(log *zap.Logger, db datasets.StorageTargetDB) *Registry {
	return &Registry{
		log:      log,
		db:       db,
		adapters: map[int64]backend.Adapter{},
	}
}

// Register installs an adapter for a target id, replacing any previous one.
func (registry *Registry) Register(targetID int64, adapter backend.Adapter) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.adapters[targetID] = adapter
}

// Get returns the adapter for a target, opening it on first use.
func (registry *Registry) Get(ctx context.Context, targetID int64) (backend.Adapter, error) {
	registry.mu.RLock()
	adapter, ok := registry.adapters[targetID]
	registry.mu.RUnlock()
	if ok {
		return adapter, nil
	}

	target, err := registry.db.Get(ctx, targetID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	adapter, err = OpenAdapter(target)
	if err != nil {
		return nil, err
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if existing, ok := registry.adapters[targetID]; ok {
		return existing, nil
	}
	registry.adapters[targetID] = adapter
	registry.log.Debug("opened storage adapter",
		zap.Int64("target_id", targetID),
		zap.String("driver", adapter.Driver()))
	return adapter, nil
}
