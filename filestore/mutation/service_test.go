package mutation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

func TestNormalizeTransfer(t *testing.T) {
	from, to, err := normalizeTransfer("/datasets/raw/", "datasets/archive")
	require.NoError(t, err)
	require.Equal(t, "datasets/raw", from)
	require.Equal(t, "datasets/archive", to)

	_, _, err = normalizeTransfer("datasets", "datasets")
	require.True(t, meta.ErrInvalidPath.Has(err))

	_, _, err = normalizeTransfer("datasets", "datasets/raw")
	require.True(t, meta.ErrInvalidPath.Has(err), "target inside source must be rejected")

	_, _, err = normalizeTransfer("", "datasets")
	require.True(t, meta.ErrInvalidPath.Has(err))

	_, _, err = normalizeTransfer("../escape", "datasets")
	require.True(t, meta.ErrInvalidPath.Has(err))
}

func TestFingerprintHashStable(t *testing.T) {
	type request struct {
		Command string `json:"command"`
		Path    string `json:"path"`
	}

	a, err := fingerprintHash(request{"uploadFile", "datasets/observations.csv"})
	require.NoError(t, err)
	b, err := fingerprintHash(request{"uploadFile", "datasets/observations.csv"})
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := fingerprintHash(request{"uploadFile", "datasets/other.csv"})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestReversedAndIDs(t *testing.T) {
	chain := []meta.Node{{ID: 1}, {ID: 2}, {ID: 3}}
	require.Equal(t, []int64{3, 2, 1}, nodeIDs(reversed(chain)))
	require.Equal(t, []meta.Node{{ID: 1}, {ID: 2}, {ID: 3}}, chain)
}
