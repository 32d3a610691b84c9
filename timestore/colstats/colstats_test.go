package colstats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

func testSchema() datasets.SchemaVersion {
	return datasets.SchemaVersion{
		Fields: []datasets.Field{
			{Name: "timestamp", Type: datasets.TypeTimestamp},
			{Name: "temperature_c", Type: datasets.TypeDouble},
			{Name: "site", Type: datasets.TypeString},
		},
	}
}

func TestCollectStats(t *testing.T) {
	rows := []Row{
		{"timestamp": "2024-01-01T00:00:00Z", "temperature_c": 10.5, "site": "west"},
		{"timestamp": "2024-01-01T00:10:00Z", "temperature_c": 12.0, "site": "east"},
		{"timestamp": "2024-01-01T00:20:00Z", "temperature_c": nil, "site": "west"},
	}

	stats, blooms, histograms := Collect(testSchema(), rows, []string{"temperature_c", "site"}, Config{})

	temp := stats["temperature_c"]
	require.Equal(t, int64(3), temp.RowCount)
	require.Equal(t, int64(1), temp.NullCount)
	require.Equal(t, 10.5, temp.Min)
	require.Equal(t, 12.0, temp.Max)

	site := stats["site"]
	require.Equal(t, int64(0), site.NullCount)
	require.Equal(t, "east", site.Min)
	require.Equal(t, "west", site.Max)

	// timestamp was not indexed, so no bloom or histogram for it
	_, ok := blooms["timestamp"]
	require.False(t, ok)

	require.True(t, BloomContains(blooms["site"], "west"))
	require.False(t, BloomContains(blooms["site"], "north"))

	histogram, ok := histograms["temperature_c"]
	require.True(t, ok)
	require.Equal(t, int64(2), sum(histogram.Counts))
	_, ok = histograms["site"]
	require.False(t, ok)
}

func sum(counts []int64) (total int64) {
	for _, c := range counts {
		total += c
	}
	return total
}

func TestBloomRoundTrip(t *testing.T) {
	filter := NewBloom(2048, 4)
	values := []string{"10", "20", "30", "alpha", "beta"}
	for _, v := range values {
		BloomAdd(filter, v)
	}
	for _, v := range values {
		require.True(t, BloomContains(filter, v), v)
	}
	require.False(t, BloomContains(filter, "25"))
	require.False(t, BloomContains(filter, "gamma"))
}

func TestCanonicalIntegersMatchFloats(t *testing.T) {
	// JSON decoding turns 25 into float64(25); both spellings must hash the
	// same so planner probes line up with collector inserts.
	require.Equal(t, Canonical(float64(25)), Canonical(int64(25)))
	require.Equal(t, "25", Canonical(float64(25)))
	require.Equal(t, "25.5", Canonical(25.5))
}

func TestCollectAllNulls(t *testing.T) {
	rows := []Row{{"temperature_c": nil}, {"temperature_c": nil}}
	schema := datasets.SchemaVersion{Fields: []datasets.Field{
		{Name: "temperature_c", Type: datasets.TypeDouble},
	}}

	stats, blooms, histograms := Collect(schema, rows, []string{"temperature_c"}, Config{})
	require.Equal(t, int64(2), stats["temperature_c"].NullCount)
	require.Nil(t, stats["temperature_c"].Min)
	require.Empty(t, blooms)
	require.Empty(t, histograms)
}
