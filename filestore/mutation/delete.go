package mutation

import (
	"context"

	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/filestore/rollup"
)

// Delete soft-deletes a node. Directories with live descendants require
// Recursive.
type Delete struct {
	MountID        int64
	Path           string
	Recursive      bool
	IdempotencyKey string
}

// PatchMetadata applies a partial update to a node's metadata map.
type PatchMetadata struct {
	MountID        int64
	Path           string
	Set            meta.Metadata
	Unset          []string
	IdempotencyKey string
}

// Delete executes the command.
func (service *Service) Delete(ctx context.Context, cmd Delete) (node meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := meta.NormalizePath(cmd.Path)
	if err != nil {
		return meta.Node{}, err
	}
	if path == "" {
		return meta.Node{}, meta.ErrInvalidPath.New("cannot delete the root")
	}

	fingerprint := struct {
		Command   string `json:"command"`
		MountID   int64  `json:"mountId"`
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}{"deleteNode", cmd.MountID, path, cmd.Recursive}

	return service.run(ctx, cmd.MountID, "deleteNode", cmd.IdempotencyKey, fingerprint,
		func(ctx context.Context, tx meta.Tx) (commandResult, error) {
			subtree, err := tx.Nodes().ListSubtree(ctx, cmd.MountID, path, true)
			if err != nil {
				return commandResult{}, Error.Wrap(err)
			}
			if len(subtree) == 0 {
				return commandResult{}, meta.ErrNotFound.New("%q", path)
			}
			target := subtree[0]
			if target.State == meta.NodeDeleted {
				return commandResult{}, meta.ErrNodeDeleted.New("%q", path)
			}
			if !cmd.Recursive && target.Kind == meta.KindDirectory {
				for _, n := range subtree[1:] {
					if n.State != meta.NodeDeleted {
						return commandResult{}, ErrNotEmpty.New("%q", path)
					}
				}
			}

			var plan rollup.Plan
			chain, err := service.ensureChain(ctx, tx, cmd.MountID, sourceParentPath(target), false, &plan)
			if err != nil {
				return commandResult{}, err
			}

			// Deleting the same backend path twice is harmless, which keeps
			// this safe under a transaction retry.
			adapter, err := service.backends.Get(ctx, cmd.MountID)
			if err != nil {
				return commandResult{}, err
			}
			if err := adapter.Delete(ctx, path, cmd.Recursive || target.Kind == meta.KindDirectory); err != nil {
				return commandResult{}, err
			}

			contribution := subtreeContribution(subtree)

			now := service.nowFn()
			var deleted meta.Node
			for _, n := range subtree {
				if n.State == meta.NodeDeleted {
					continue
				}
				updated := n
				updated.State = meta.NodeDeleted
				updated.UpdatedAt = now
				updated, err = tx.Nodes().Update(ctx, updated)
				if err != nil {
					return commandResult{}, Error.Wrap(err)
				}
				if n.ID == target.ID {
					deleted = updated
				}
				plan.AddInvalidate(n.ID, meta.RollupInvalid)
			}

			plan.AddAncestorDeltas(nodeIDs(chain), rollup.Contribution{}.Sub(contribution), -1, false)
			plan.AddCandidate(rollup.Candidate{
				NodeID: chain[0].ID, MountID: cmd.MountID,
				Reason: "delete", Depth: target.Depth, ChildCountDelta: -1,
			})

			return commandResult{
				node:   deleted,
				plan:   plan,
				events: []eventbus.Event{service.nodeEvent(eventbus.TypeNodeDeleted, deleted, nil)},
			}, nil
		})
}

// PatchMetadata executes the command.
func (service *Service) PatchMetadata(ctx context.Context, cmd PatchMetadata) (node meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := meta.NormalizePath(cmd.Path)
	if err != nil {
		return meta.Node{}, err
	}

	fingerprint := struct {
		Command string        `json:"command"`
		MountID int64         `json:"mountId"`
		Path    string        `json:"path"`
		Set     meta.Metadata `json:"set,omitempty"`
		Unset   []string      `json:"unset,omitempty"`
	}{"patchMetadata", cmd.MountID, path, cmd.Set, cmd.Unset}

	return service.run(ctx, cmd.MountID, "patchMetadata", cmd.IdempotencyKey, fingerprint,
		func(ctx context.Context, tx meta.Tx) (commandResult, error) {
			target, err := tx.Nodes().GetByPath(ctx, cmd.MountID, path, true)
			if err != nil {
				return commandResult{}, err
			}
			if target.State == meta.NodeDeleted {
				return commandResult{}, meta.ErrNodeDeleted.New("%q", path)
			}

			merged := target.Metadata.Clone()
			if merged == nil {
				merged = meta.Metadata{}
			}
			for k, v := range cmd.Set {
				merged[k] = v
			}
			for _, k := range cmd.Unset {
				delete(merged, k)
			}

			target.Metadata = merged
			target.UpdatedAt = service.nowFn()
			updated, err := tx.Nodes().Update(ctx, target)
			if err != nil {
				return commandResult{}, Error.Wrap(err)
			}

			return commandResult{node: updated}, nil
		})
}
