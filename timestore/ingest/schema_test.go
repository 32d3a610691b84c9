package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-sub012/timestore/colstats"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

func baseline() datasets.SchemaVersion {
	return datasets.SchemaVersion{
		Version: 1,
		Fields: []datasets.Field{
			{Name: "timestamp", Type: datasets.TypeTimestamp},
			{Name: "temperature_c", Type: datasets.TypeDouble},
		},
	}
}

func TestDiffSchema(t *testing.T) {
	identical := baseline().Fields
	added, err := diffSchema(baseline(), identical)
	require.NoError(t, err)
	require.Empty(t, added)

	appended := append(baseline().Fields, datasets.Field{Name: "wind_speed_mps", Type: datasets.TypeDouble})
	added, err = diffSchema(baseline(), appended)
	require.NoError(t, err)
	require.Equal(t, []string{"wind_speed_mps"}, added)

	// removing a field is incompatible
	_, err = diffSchema(baseline(), []datasets.Field{{Name: "timestamp", Type: datasets.TypeTimestamp}})
	require.True(t, datasets.ErrSchemaIncompatible.Has(err))

	// changing a type is incompatible
	_, err = diffSchema(baseline(), []datasets.Field{
		{Name: "timestamp", Type: datasets.TypeTimestamp},
		{Name: "temperature_c", Type: datasets.TypeString},
	})
	require.True(t, datasets.ErrSchemaIncompatible.Has(err))

	// reordering is incompatible
	_, err = diffSchema(baseline(), []datasets.Field{
		{Name: "temperature_c", Type: datasets.TypeDouble},
		{Name: "timestamp", Type: datasets.TypeTimestamp},
	})
	require.True(t, datasets.ErrSchemaIncompatible.Has(err))

	// a duplicate of an existing field cannot be appended
	_, err = diffSchema(baseline(), append(baseline().Fields,
		datasets.Field{Name: "timestamp", Type: datasets.TypeTimestamp}))
	require.True(t, datasets.ErrSchemaIncompatible.Has(err))
}

func TestSignature(t *testing.T) {
	window := TimeRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	key := datasets.Metadata{"window": "2024-01-01"}
	rows := []colstats.Row{
		{"timestamp": "2024-01-01T00:00:00Z", "temperature_c": 10.0},
		{"timestamp": "2024-01-01T00:10:00Z", "temperature_c": 11.0},
	}

	first := Signature(1, key, window, rows)
	require.Equal(t, first, Signature(1, key, window, rows))

	// signature is order-sensitive
	swapped := []colstats.Row{rows[1], rows[0]}
	require.NotEqual(t, first, Signature(1, key, window, swapped))

	// and bound to the schema version
	require.NotEqual(t, first, Signature(2, key, window, rows))
}
