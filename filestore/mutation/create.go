package mutation

import (
	"bytes"
	"context"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/filestore/rollup"
)

// CreateDirectory creates a directory node, together with any missing
// ancestors.
type CreateDirectory struct {
	MountID        int64
	Path           string
	Metadata       meta.Metadata
	IdempotencyKey string
}

// UploadFile stores file content on the backend and records the node. With
// Overwrite an existing file at the path is replaced, otherwise the path must
// be free.
type UploadFile struct {
	MountID   int64
	Path      string
	Content   []byte
	Metadata  meta.Metadata
	Overwrite bool
	// ExpectedChecksum, when set, must match the sha256 of Content.
	ExpectedChecksum string
	IdempotencyKey   string
}

// CreateDirectory executes the command.
func (service *Service) CreateDirectory(ctx context.Context, cmd CreateDirectory) (node meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := meta.NormalizePath(cmd.Path)
	if err != nil {
		return meta.Node{}, err
	}
	if path == "" {
		return meta.Node{}, meta.ErrInvalidPath.New("cannot create the root directory")
	}

	fingerprint := struct {
		Command  string        `json:"command"`
		MountID  int64         `json:"mountId"`
		Path     string        `json:"path"`
		Metadata meta.Metadata `json:"metadata,omitempty"`
	}{"createDirectory", cmd.MountID, path, cmd.Metadata}

	parentPath, _ := backend.ParentPath(path)
	return service.run(ctx, cmd.MountID, "createDirectory", cmd.IdempotencyKey, fingerprint,
		func(ctx context.Context, tx meta.Tx) (commandResult, error) {
			var plan rollup.Plan
			chain, err := service.ensureChain(ctx, tx, cmd.MountID, parentPath, true, &plan)
			if err != nil {
				return commandResult{}, err
			}

			existing, err := tx.Nodes().GetByPath(ctx, cmd.MountID, path, true)
			switch {
			case err == nil:
				if existing.Kind != meta.KindDirectory {
					return commandResult{}, meta.ErrPathInUse.New("%q is a file", path)
				}
				// Creating an existing directory is a no-op.
				return commandResult{node: existing, plan: plan}, nil
			case !meta.ErrNotFound.Has(err):
				return commandResult{}, Error.Wrap(err)
			}

			adapter, err := service.backends.Get(ctx, cmd.MountID)
			if err != nil {
				return commandResult{}, err
			}
			if err := adapter.EnsureDirectory(ctx, path); err != nil {
				return commandResult{}, err
			}

			now := service.nowFn()
			parent := chain[0]
			node, err := tx.Nodes().Insert(ctx, meta.Node{
				MountID:          cmd.MountID,
				ParentID:         &parent.ID,
				Path:             path,
				Name:             backend.BaseName(path),
				Depth:            backend.Depth(path),
				Kind:             meta.KindDirectory,
				State:            meta.NodeActive,
				ConsistencyState: meta.ConsistencyConsistent,
				Metadata:         cmd.Metadata.Clone(),
				CreatedAt:        now,
				UpdatedAt:        now,
			})
			if err != nil {
				return commandResult{}, Error.Wrap(err)
			}

			plan.AddEnsure(node.ID)
			plan.AddAncestorDeltas(nodeIDs(chain), rollup.ContributionOf(node), 1, false)
			plan.AddCandidate(rollup.Candidate{
				NodeID: parent.ID, MountID: cmd.MountID,
				Reason: "create", Depth: node.Depth, ChildCountDelta: 1,
			})

			return commandResult{
				node:   node,
				plan:   plan,
				events: []eventbus.Event{service.nodeEvent(eventbus.TypeNodeCreated, node, nil)},
			}, nil
		})
}

// UploadFile executes the command.
func (service *Service) UploadFile(ctx context.Context, cmd UploadFile) (node meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := meta.NormalizePath(cmd.Path)
	if err != nil {
		return meta.Node{}, err
	}
	if path == "" {
		return meta.Node{}, meta.ErrInvalidPath.New("cannot upload to the root path")
	}

	checksum := backend.ChecksumBytes(cmd.Content)
	if cmd.ExpectedChecksum != "" && cmd.ExpectedChecksum != checksum {
		return meta.Node{}, ErrChecksumMismatch.New("declared %s, content is %s", cmd.ExpectedChecksum, checksum)
	}

	fingerprint := struct {
		Command   string        `json:"command"`
		MountID   int64         `json:"mountId"`
		Path      string        `json:"path"`
		Checksum  string        `json:"checksum"`
		Overwrite bool          `json:"overwrite"`
		Metadata  meta.Metadata `json:"metadata,omitempty"`
	}{"uploadFile", cmd.MountID, path, checksum, cmd.Overwrite, cmd.Metadata}

	parentPath, _ := backend.ParentPath(path)
	return service.run(ctx, cmd.MountID, "uploadFile", cmd.IdempotencyKey, fingerprint,
		func(ctx context.Context, tx meta.Tx) (commandResult, error) {
			var plan rollup.Plan
			chain, err := service.ensureChain(ctx, tx, cmd.MountID, parentPath, true, &plan)
			if err != nil {
				return commandResult{}, err
			}

			var existing *meta.Node
			found, err := tx.Nodes().GetByPath(ctx, cmd.MountID, path, true)
			switch {
			case err == nil:
				if found.Kind != meta.KindFile {
					return commandResult{}, meta.ErrPathInUse.New("%q is a directory", path)
				}
				if !cmd.Overwrite && found.IsActive() {
					return commandResult{}, meta.ErrPathInUse.New("%q already exists", path)
				}
				existing = &found
			case !meta.ErrNotFound.Has(err):
				return commandResult{}, Error.Wrap(err)
			}

			adapter, err := service.backends.Get(ctx, cmd.MountID)
			if err != nil {
				return commandResult{}, err
			}
			written, err := adapter.WriteBlob(ctx, path, bytes.NewReader(cmd.Content))
			if err != nil {
				return commandResult{}, err
			}
			if written.Checksum != "" && written.Checksum != checksum {
				return commandResult{}, ErrChecksumMismatch.New("backend stored %s, expected %s", written.Checksum, checksum)
			}

			now := service.nowFn()
			parent := chain[0]
			eventType := eventbus.TypeNodeCreated

			var node meta.Node
			if existing != nil {
				before := rollup.ContributionOf(*existing)
				updated := *existing
				updated.State = meta.NodeActive
				updated.ConsistencyState = meta.ConsistencyConsistent
				updated.SizeBytes = int64(len(cmd.Content))
				updated.Checksum = checksum
				updated.ContentHash = checksum
				if cmd.Metadata != nil {
					updated.Metadata = cmd.Metadata.Clone()
				}
				updated.UpdatedAt = now
				updated.LastModifiedAt = &now
				node, err = tx.Nodes().Update(ctx, updated)
				if err != nil {
					return commandResult{}, Error.Wrap(err)
				}
				// Replacing content keeps the subtree shape, only the size
				// contribution shifts.
				diff := rollup.ContributionOf(node).Sub(before)
				plan.AddEnsure(node.ID)
				plan.AddIncrement(meta.RollupDelta{NodeID: node.ID, SizeBytes: diff.SizeBytes, FileCount: diff.FileCount})
				childDelta := int64(0)
				if !existing.IsActive() {
					childDelta = 1
				}
				plan.AddAncestorDeltas(nodeIDs(chain), diff, childDelta, false)
				eventType = eventbus.TypeNodeUploaded
			} else {
				node, err = tx.Nodes().Insert(ctx, meta.Node{
					MountID:          cmd.MountID,
					ParentID:         &parent.ID,
					Path:             path,
					Name:             backend.BaseName(path),
					Depth:            backend.Depth(path),
					Kind:             meta.KindFile,
					State:            meta.NodeActive,
					ConsistencyState: meta.ConsistencyConsistent,
					SizeBytes:        int64(len(cmd.Content)),
					Checksum:         checksum,
					ContentHash:      checksum,
					Metadata:         cmd.Metadata.Clone(),
					CreatedAt:        now,
					UpdatedAt:        now,
					LastModifiedAt:   &now,
				})
				if err != nil {
					return commandResult{}, Error.Wrap(err)
				}
				own := rollup.ContributionOf(node)
				plan.AddEnsure(node.ID)
				plan.AddIncrement(meta.RollupDelta{NodeID: node.ID, SizeBytes: own.SizeBytes, FileCount: own.FileCount})
				plan.AddAncestorDeltas(nodeIDs(chain), own, 1, false)
			}

			plan.AddCandidate(rollup.Candidate{
				NodeID: parent.ID, MountID: cmd.MountID,
				Reason: "upload", Depth: node.Depth,
			})

			return commandResult{
				node:   node,
				plan:   plan,
				events: []eventbus.Event{service.nodeEvent(eventType, node, nil)},
			}, nil
		})
}
