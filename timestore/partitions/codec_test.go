package partitions

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-sub012/timestore/colstats"
	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

func TestEncodeDecode(t *testing.T) {
	schema := datasets.SchemaVersion{Fields: []datasets.Field{
		{Name: "timestamp", Type: datasets.TypeTimestamp},
		{Name: "temperature_c", Type: datasets.TypeDouble},
	}}
	rows := []colstats.Row{
		{"timestamp": "2024-01-01T00:00:00Z", "temperature_c": 10.5},
		{"timestamp": "2024-01-01T00:10:00Z", "temperature_c": nil},
	}

	data, checksum, err := Encode(schema, rows)
	require.NoError(t, err)
	require.Regexp(t, `^sha256:[0-9a-f]{64}$`, checksum)

	decodedSchema, decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, schema.FieldNames(), decodedSchema.FieldNames())
	require.Len(t, decoded, 2)
	require.Equal(t, "2024-01-01T00:00:00Z", decoded[0]["timestamp"])
	require.Equal(t, 10.5, decoded[0]["temperature_c"])
	require.Nil(t, decoded[1]["temperature_c"])
}

func TestPathFor(t *testing.T) {
	require.Equal(t, "observatory-timeseries/2024-01-01/42.parquet",
		PathFor("observatory-timeseries", "2024-01-01", 42, datasets.FormatParquet))
}
