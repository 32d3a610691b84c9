package reconcile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

func TestDecide(t *testing.T) {
	exists := backend.StatInfo{Exists: true, Kind: backend.KindFile, SizeBytes: 128, Checksum: "sha256:aa"}
	gone := backend.StatInfo{}

	activeFile := &meta.Node{Kind: meta.KindFile, State: meta.NodeActive, SizeBytes: 128, Checksum: "sha256:aa"}
	require.Equal(t, OutcomeNoop, Decide(activeFile, exists))
	require.Equal(t, OutcomeMarkMissing, Decide(activeFile, gone))

	shrunk := exists
	shrunk.SizeBytes = 123
	require.Equal(t, OutcomeUpdateDrift, Decide(activeFile, shrunk))

	rewritten := exists
	rewritten.Checksum = "sha256:bb"
	require.Equal(t, OutcomeUpdateDrift, Decide(activeFile, rewritten))

	replacedByDir := exists
	replacedByDir.Kind = backend.KindDirectory
	require.Equal(t, OutcomeUpdateDrift, Decide(activeFile, replacedByDir))

	missing := &meta.Node{Kind: meta.KindFile, State: meta.NodeMissing}
	require.Equal(t, OutcomeReactivate, Decide(missing, exists))
	require.Equal(t, OutcomeNoop, Decide(missing, gone))

	inconsistent := &meta.Node{Kind: meta.KindFile, State: meta.NodeInconsistent}
	require.Equal(t, OutcomeReactivate, Decide(inconsistent, exists))

	deleted := &meta.Node{Kind: meta.KindFile, State: meta.NodeDeleted}
	require.Equal(t, OutcomeNoop, Decide(deleted, exists), "deleted nodes are never resurrected")
	require.Equal(t, OutcomeNoop, Decide(deleted, gone))

	require.Equal(t, OutcomeInsertDiscovered, Decide(nil, exists))
	require.Equal(t, OutcomeNoop, Decide(nil, gone))
}

func TestDecideActiveDirectory(t *testing.T) {
	dir := &meta.Node{Kind: meta.KindDirectory, State: meta.NodeActive}
	require.Equal(t, OutcomeNoop, Decide(dir, backend.StatInfo{Exists: true, Kind: backend.KindDirectory}))
	require.Equal(t, OutcomeMarkMissing, Decide(dir, backend.StatInfo{}))
}

func TestSplitSegments(t *testing.T) {
	require.Nil(t, splitSegments(""))
	require.Equal(t, []string{"a"}, splitSegments("a"))
	require.Equal(t, []string{"a", "b", "c"}, splitSegments("a/b/c"))
}
