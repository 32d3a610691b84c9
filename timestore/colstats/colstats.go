// Package colstats computes the per-column summaries stored with every
// partition: min/max/null-count statistics, bloom filters and histograms.
// The planner uses them to prune partitions without opening files.
package colstats

import (
	"fmt"
	"math"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

// Config bounds the derived summaries.
type Config struct {
	BloomBits     int `help:"bits per column bloom filter" default:"2048"`
	BloomHashes   int `help:"hash functions per bloom filter" default:"4"`
	HistogramBins int `help:"bins per numeric column histogram" default:"16"`
}

// Row is one ingested record keyed by column name.
type Row map[string]interface{}

// Collect derives the stored summaries for every schema column over rows.
// Bloom filters and histograms are built only for the named indexed columns;
// histograms additionally require a numeric column.
func Collect(schema datasets.SchemaVersion, rows []Row, indexed []string, config Config) (
	stats map[string]datasets.ColumnStats,
	blooms map[string]datasets.BloomFilter,
	histograms map[string]datasets.Histogram,
) {
	if config.BloomBits <= 0 {
		config.BloomBits = 2048
	}
	if config.BloomHashes <= 0 {
		config.BloomHashes = 4
	}
	if config.HistogramBins <= 0 {
		config.HistogramBins = 16
	}

	indexedSet := make(map[string]bool, len(indexed))
	for _, name := range indexed {
		indexedSet[name] = true
	}

	stats = make(map[string]datasets.ColumnStats, len(schema.Fields))
	blooms = make(map[string]datasets.BloomFilter)
	histograms = make(map[string]datasets.Histogram)

	for _, field := range schema.Fields {
		collector := columnCollector{field: field}
		for _, row := range rows {
			collector.observe(row[field.Name])
		}
		stats[field.Name] = collector.stats()

		if !indexedSet[field.Name] {
			continue
		}
		if filter := collector.bloom(config); filter != nil {
			blooms[field.Name] = *filter
		}
		if histogram := collector.histogram(config); histogram != nil {
			histograms[field.Name] = *histogram
		}
	}
	return stats, blooms, histograms
}

// columnCollector accumulates one column's values.
type columnCollector struct {
	field datasets.Field

	rowCount  int64
	nullCount int64

	numericSeen bool
	numericMin  float64
	numericMax  float64
	numbers     []float64

	otherSeen bool
	otherMin  string
	otherMax  string
	values    []string
}

func (c *columnCollector) observe(value interface{}) {
	c.rowCount++
	if value == nil {
		c.nullCount++
		return
	}

	if number, ok := AsFloat(value); ok && c.field.Type != datasets.TypeString {
		if !c.numericSeen || number < c.numericMin {
			c.numericMin = number
		}
		if !c.numericSeen || number > c.numericMax {
			c.numericMax = number
		}
		c.numericSeen = true
		c.numbers = append(c.numbers, number)
		return
	}

	text := Canonical(value)
	if !c.otherSeen || text < c.otherMin {
		c.otherMin = text
	}
	if !c.otherSeen || text > c.otherMax {
		c.otherMax = text
	}
	c.otherSeen = true
	c.values = append(c.values, text)
}

func (c *columnCollector) stats() datasets.ColumnStats {
	out := datasets.ColumnStats{
		NullCount: c.nullCount,
		RowCount:  c.rowCount,
	}
	switch {
	case c.numericSeen:
		out.Min, out.Max = c.numericMin, c.numericMax
	case c.otherSeen:
		out.Min, out.Max = c.otherMin, c.otherMax
	}
	return out
}

func (c *columnCollector) bloom(config Config) *datasets.BloomFilter {
	if !c.numericSeen && !c.otherSeen {
		return nil
	}
	filter := NewBloom(config.BloomBits, config.BloomHashes)
	for _, number := range c.numbers {
		BloomAdd(filter, Canonical(number))
	}
	for _, value := range c.values {
		BloomAdd(filter, value)
	}
	return &filter
}

func (c *columnCollector) histogram(config Config) *datasets.Histogram {
	if !c.numericSeen {
		return nil
	}
	histogram := datasets.Histogram{
		Min:    c.numericMin,
		Max:    c.numericMax,
		Counts: make([]int64, config.HistogramBins),
	}
	width := (c.numericMax - c.numericMin) / float64(config.HistogramBins)
	for _, number := range c.numbers {
		bin := 0
		if width > 0 {
			bin = int((number - c.numericMin) / width)
			if bin >= config.HistogramBins {
				bin = config.HistogramBins - 1
			}
		}
		histogram.Counts[bin]++
	}
	return &histogram
}

// AsFloat coerces a decoded JSON value to float64.
func AsFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// Canonical renders a value the way both the collector and the planner hash
// it, so membership checks agree across processes.
func Canonical(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		if number, ok := AsFloat(value); ok {
			return Canonical(number)
		}
		return fmt.Sprintf("%v", v)
	}
}
