package mutation

import (
	"context"
	"strings"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
	"github.com/benediktbwimmer/apphub-sub012/filestore/rollup"
)

// ensureChain resolves and locks the directory chain from the root down to
// dirPath, creating missing directories when create is set. It returns the
// chain ordered parent-first (immediate parent of dirPath's children at index
// zero, root last). Contributions of newly created directories are recorded on
// the plan.
func (service *Service) ensureChain(ctx context.Context, tx meta.Tx, mountID int64, dirPath string, create bool, plan *rollup.Plan) ([]meta.Node, error) {
	now := service.nowFn()

	root, err := tx.Nodes().GetByPath(ctx, mountID, "", true)
	if meta.ErrNotFound.Has(err) {
		root, err = tx.Nodes().Insert(ctx, meta.Node{
			MountID:          mountID,
			Path:             "",
			Name:             "",
			Depth:            0,
			Kind:             meta.KindDirectory,
			State:            meta.NodeActive,
			ConsistencyState: meta.ConsistencyConsistent,
			Metadata:         meta.Metadata{},
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if err == nil {
			plan.AddEnsure(root.ID)
		}
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	chain := []meta.Node{root}
	if dirPath == "" {
		return reversed(chain), nil
	}

	segments := strings.Split(dirPath, "/")
	prefix := ""
	for _, segment := range segments {
		if prefix == "" {
			prefix = segment
		} else {
			prefix = prefix + "/" + segment
		}

		node, err := tx.Nodes().GetByPath(ctx, mountID, prefix, true)
		switch {
		case err == nil:
			if node.Kind != meta.KindDirectory {
				return nil, meta.ErrPathInUse.New("%q is a file", prefix)
			}
		case meta.ErrNotFound.Has(err):
			if !create {
				return nil, meta.ErrParentNotFound.New("%q", prefix)
			}
			parent := chain[len(chain)-1]
			node, err = tx.Nodes().Insert(ctx, meta.Node{
				MountID:          mountID,
				ParentID:         &parent.ID,
				Path:             prefix,
				Name:             segment,
				Depth:            backend.Depth(prefix),
				Kind:             meta.KindDirectory,
				State:            meta.NodeActive,
				ConsistencyState: meta.ConsistencyConsistent,
				Metadata:         meta.Metadata{},
				CreatedAt:        now,
				UpdatedAt:        now,
			})
			if err != nil {
				return nil, Error.Wrap(err)
			}
			plan.AddEnsure(node.ID)
			plan.AddAncestorDeltas(nodeIDs(reversed(chain)), rollup.ContributionOf(node), 1, false)
		default:
			return nil, Error.Wrap(err)
		}
		chain = append(chain, node)
	}
	return reversed(chain), nil
}

// subtreeContribution sums what every active node of a locked subtree adds to
// the rollups of ancestors outside the subtree.
func subtreeContribution(nodes []meta.Node) rollup.Contribution {
	var total rollup.Contribution
	for _, node := range nodes {
		total = total.Add(rollup.ContributionOf(node))
	}
	return total
}

func reversed(nodes []meta.Node) []meta.Node {
	out := make([]meta.Node, len(nodes))
	for i, node := range nodes {
		out[len(nodes)-1-i] = node
	}
	return out
}

func nodeIDs(nodes []meta.Node) []int64 {
	ids := make([]int64, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
	}
	return ids
}
