package mutation

import (
	"context"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/eventbus"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/filestore/rollup"
)

// Move renames a node, carrying its whole subtree along.
type Move struct {
	MountID        int64
	FromPath       string
	ToPath         string
	IdempotencyKey string
}

// Copy duplicates a node and its subtree under a new path.
type Copy struct {
	MountID        int64
	FromPath       string
	ToPath         string
	IdempotencyKey string
}

func normalizeTransfer(fromPath, toPath string) (from, to string, err error) {
	from, err = meta.NormalizePath(fromPath)
	if err != nil {
		return "", "", err
	}
	to, err = meta.NormalizePath(toPath)
	if err != nil {
		return "", "", err
	}
	if from == "" || to == "" {
		return "", "", meta.ErrInvalidPath.New("the root cannot be a transfer endpoint")
	}
	if from == to {
		return "", "", meta.ErrInvalidPath.New("source and target are the same path")
	}
	if backend.IsAncestor(from, to) {
		return "", "", meta.ErrInvalidPath.New("%q is inside %q", to, from)
	}
	return from, to, nil
}

// Move executes the command.
func (service *Service) Move(ctx context.Context, cmd Move) (node meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	from, to, err := normalizeTransfer(cmd.FromPath, cmd.ToPath)
	if err != nil {
		return meta.Node{}, err
	}

	fingerprint := struct {
		Command string `json:"command"`
		MountID int64  `json:"mountId"`
		From    string `json:"fromPath"`
		To      string `json:"toPath"`
	}{"moveNode", cmd.MountID, from, to}

	toParent, _ := backend.ParentPath(to)
	return service.run(ctx, cmd.MountID, "moveNode", cmd.IdempotencyKey, fingerprint,
		func(ctx context.Context, tx meta.Tx) (commandResult, error) {
			subtree, err := tx.Nodes().ListSubtree(ctx, cmd.MountID, from, true)
			if err != nil {
				return commandResult{}, Error.Wrap(err)
			}
			if len(subtree) == 0 {
				return commandResult{}, meta.ErrNotFound.New("%q", from)
			}
			source := subtree[0]
			if !source.IsActive() {
				return commandResult{}, meta.ErrNodeDeleted.New("%q is %s", from, source.State)
			}

			if _, err := tx.Nodes().GetByPath(ctx, cmd.MountID, to, true); err == nil {
				return commandResult{}, meta.ErrPathInUse.New("%q", to)
			} else if !meta.ErrNotFound.Has(err) {
				return commandResult{}, Error.Wrap(err)
			}

			var plan rollup.Plan
			oldChain, err := service.ensureChain(ctx, tx, cmd.MountID, sourceParentPath(source), false, &plan)
			if err != nil {
				return commandResult{}, err
			}
			newChain, err := service.ensureChain(ctx, tx, cmd.MountID, toParent, true, &plan)
			if err != nil {
				return commandResult{}, err
			}

			adapter, err := service.backends.Get(ctx, cmd.MountID)
			if err != nil {
				return commandResult{}, err
			}
			if err := adapter.Move(ctx, from, to); err != nil {
				return commandResult{}, err
			}

			now := service.nowFn()
			newParent := newChain[0]
			var moved meta.Node
			for _, n := range subtree {
				updated := n
				updated.Path = backend.Rebase(n.Path, from, to)
				updated.Name = backend.BaseName(updated.Path)
				updated.Depth = backend.Depth(updated.Path)
				updated.UpdatedAt = now
				if n.ID == source.ID {
					updated.ParentID = &newParent.ID
				}
				updated, err = tx.Nodes().Update(ctx, updated)
				if err != nil {
					return commandResult{}, Error.Wrap(err)
				}
				if n.ID == source.ID {
					moved = updated
				}
			}

			// The subtree's contribution leaves the old ancestor chain and
			// lands on the new one atomically.
			contribution := subtreeContribution(subtree)
			plan.AddAncestorDeltas(nodeIDs(oldChain), rollup.Contribution{}.Sub(contribution), -1, false)
			plan.AddAncestorDeltas(nodeIDs(newChain), contribution, 1, false)
			plan.AddCandidate(rollup.Candidate{
				NodeID: oldChain[0].ID, MountID: cmd.MountID,
				Reason: "move", Depth: source.Depth, ChildCountDelta: -1,
			})
			plan.AddCandidate(rollup.Candidate{
				NodeID: newParent.ID, MountID: cmd.MountID,
				Reason: "move", Depth: moved.Depth, ChildCountDelta: 1,
			})

			return commandResult{
				node: moved,
				plan: plan,
				events: []eventbus.Event{service.nodeEvent(eventbus.TypeNodeMoved, moved, map[string]interface{}{
					"fromPath": from,
					"toPath":   to,
				})},
			}, nil
		})
}

// Copy executes the command.
func (service *Service) Copy(ctx context.Context, cmd Copy) (node meta.Node, err error) {
	defer mon.Task()(&ctx)(&err)

	from, to, err := normalizeTransfer(cmd.FromPath, cmd.ToPath)
	if err != nil {
		return meta.Node{}, err
	}

	fingerprint := struct {
		Command string `json:"command"`
		MountID int64  `json:"mountId"`
		From    string `json:"fromPath"`
		To      string `json:"toPath"`
	}{"copyNode", cmd.MountID, from, to}

	toParent, _ := backend.ParentPath(to)
	return service.run(ctx, cmd.MountID, "copyNode", cmd.IdempotencyKey, fingerprint,
		func(ctx context.Context, tx meta.Tx) (commandResult, error) {
			subtree, err := tx.Nodes().ListSubtree(ctx, cmd.MountID, from, true)
			if err != nil {
				return commandResult{}, Error.Wrap(err)
			}
			if len(subtree) == 0 {
				return commandResult{}, meta.ErrNotFound.New("%q", from)
			}
			source := subtree[0]
			if !source.IsActive() {
				return commandResult{}, meta.ErrNodeDeleted.New("%q is %s", from, source.State)
			}

			if _, err := tx.Nodes().GetByPath(ctx, cmd.MountID, to, true); err == nil {
				return commandResult{}, meta.ErrPathInUse.New("%q", to)
			} else if !meta.ErrNotFound.Has(err) {
				return commandResult{}, Error.Wrap(err)
			}

			var plan rollup.Plan
			newChain, err := service.ensureChain(ctx, tx, cmd.MountID, toParent, true, &plan)
			if err != nil {
				return commandResult{}, err
			}

			adapter, err := service.backends.Get(ctx, cmd.MountID)
			if err != nil {
				return commandResult{}, err
			}
			if err := adapter.Copy(ctx, from, to); err != nil {
				return commandResult{}, err
			}

			sourceRollups, err := tx.Rollups().GetMany(ctx, nodeIDs(subtree))
			if err != nil {
				return commandResult{}, Error.Wrap(err)
			}
			rollupByNode := make(map[int64]meta.Rollup, len(sourceRollups))
			for _, r := range sourceRollups {
				rollupByNode[r.NodeID] = r
			}

			// Insert duplicates top-down so parent ids are known before the
			// children that reference them.
			now := service.nowFn()
			newParent := newChain[0]
			idMap := map[int64]int64{}
			var copied meta.Node
			var copiedContribution rollup.Contribution
			for _, n := range subtree {
				if !n.IsActive() {
					continue
				}
				duplicate := meta.Node{
					MountID:          cmd.MountID,
					Path:             backend.Rebase(n.Path, from, to),
					Kind:             n.Kind,
					State:            meta.NodeActive,
					ConsistencyState: meta.ConsistencyConsistent,
					SizeBytes:        n.SizeBytes,
					Checksum:         n.Checksum,
					ContentHash:      n.ContentHash,
					Metadata:         n.Metadata.Clone(),
					CreatedAt:        now,
					UpdatedAt:        now,
				}
				duplicate.Name = backend.BaseName(duplicate.Path)
				duplicate.Depth = backend.Depth(duplicate.Path)
				if n.ID == source.ID {
					duplicate.ParentID = &newParent.ID
				} else if n.ParentID != nil {
					mapped := idMap[*n.ParentID]
					duplicate.ParentID = &mapped
				}
				inserted, err := tx.Nodes().Insert(ctx, duplicate)
				if err != nil {
					return commandResult{}, Error.Wrap(err)
				}
				idMap[n.ID] = inserted.ID
				copiedContribution = copiedContribution.Add(rollup.ContributionOf(inserted))
				if n.ID == source.ID {
					copied = inserted
				}

				// The duplicate starts with the source's aggregate. When the
				// source itself was stale the duplicate stays pending and the
				// recalculation candidate settles it.
				plan.AddEnsure(inserted.ID)
				if src, ok := rollupByNode[n.ID]; ok && src.State == meta.RollupUpToDate {
					plan.AddIncrement(meta.RollupDelta{
						NodeID:         inserted.ID,
						SizeBytes:      src.SizeBytes,
						FileCount:      src.FileCount,
						DirectoryCount: src.DirectoryCount,
						ChildCount:     src.ChildCount,
					})
					plan.AddInvalidate(inserted.ID, meta.RollupUpToDate)
				} else {
					plan.AddInvalidate(inserted.ID, meta.RollupPending)
				}
			}

			plan.AddAncestorDeltas(nodeIDs(newChain), copiedContribution, 1, false)
			plan.AddCandidate(rollup.Candidate{
				NodeID: copied.ID, MountID: cmd.MountID,
				Reason: "copy", Depth: copied.Depth, ChildCountDelta: 1,
			})

			return commandResult{
				node: copied,
				plan: plan,
				events: []eventbus.Event{service.nodeEvent(eventbus.TypeNodeCopied, copied, map[string]interface{}{
					"fromPath": from,
					"toPath":   to,
				})},
			}, nil
		})
}

func sourceParentPath(node meta.Node) string {
	parent, _ := backend.ParentPath(node.Path)
	return parent
}
