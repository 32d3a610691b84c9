// Package mounts resolves backend mounts to storage adapters.
package mounts

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/backend/local"
	"github.com/benediktbwimmer/apphub-sub012/backend/s3"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

// Error is the default mounts errs class.
var Error = errs.Class("mounts")

// OpenAdapter creates the storage adapter for a mount, dispatching on the
// driver tag.
func OpenAdapter(mount meta.Mount) (backend.Adapter, error) {
	switch mount.Driver {
	case backend.DriverLocal:
		return local.New(mount.RootPath)
	case backend.DriverS3:
		return s3.New(s3.Config{
			Bucket:          mount.Bucket,
			Prefix:          mount.Prefix,
			Endpoint:        mount.Endpoint,
			Region:          mount.Region,
			AccessKeyID:     mount.AccessKeyID,
			SecretAccessKey: mount.SecretAccessKey,
			ForcePathStyle:  mount.ForcePathStyle,
		})
	}
	return nil, Error.New("unsupported driver %q", mount.Driver)
}

// Registry caches one adapter per backend mount. The s3 client is shared per
// mount; local adapters are connection-less.
type Registry struct {
	log *zap.Logger
	db  meta.MountDB

	mu       sync.RWMutex
	adapters map[int64]backend.Adapter
}

// NewRegistry creates a Registry that lazily opens adapters for mounts found
// in db.
func NewRegistry(log *zap.Logger, db meta.MountDB) *Registry {
	return &Registry{
		log:      log,
		db:       db,
		adapters: map[int64]backend.Adapter{},
	}
}

// Register installs an adapter for a mount id, replacing any previous one.
func (registry *Registry) Register(mountID int64, adapter backend.Adapter) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.adapters[mountID] = adapter
}

// Get returns the adapter for a mount, opening it on first use.
func (registry *Registry) Get(ctx context.Context, mountID int64) (backend.Adapter, error) {
	registry.mu.RLock()
	adapter, ok := registry.adapters[mountID]
	registry.mu.RUnlock()
	if ok {
		return adapter, nil
	}

	mount, err := registry.db.Get(ctx, mountID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	adapter, err = OpenAdapter(mount)
	if err != nil {
		return nil, err
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if existing, ok := registry.adapters[mountID]; ok {
		return existing, nil
	}
	registry.adapters[mountID] = adapter
	registry.log.Debug("opened backend adapter",
		zap.Int64("mount_id", mountID),
		zap.String("driver", adapter.Driver()))
	return adapter, nil
}
