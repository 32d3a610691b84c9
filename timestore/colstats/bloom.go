package colstats

import (
	"hash/fnv"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

// NewBloom allocates an empty filter with the given bit and hash counts.
func NewBloom(bits, hashes int) datasets.BloomFilter {
	return datasets.BloomFilter{
		Bits:      make([]byte, (bits+7)/8),
		HashCount: hashes,
	}
}

// bloomIndexes derives the probed bit positions with double hashing.
func bloomIndexes(filter datasets.BloomFilter, value string) []uint64 {
	size := uint64(len(filter.Bits)) * 8
	if size == 0 {
		return nil
	}

	h1 := fnv.New64a()
	_, _ = h1.Write([]byte(value))
	a := h1.Sum64()

	h2 := fnv.New64()
	_, _ = h2.Write([]byte(value))
	b := h2.Sum64() | 1

	indexes := make([]uint64, filter.HashCount)
	for i := range indexes {
		indexes[i] = (a + uint64(i)*b) % size
	}
	return indexes
}

// BloomAdd sets the value's bits.
func BloomAdd(filter datasets.BloomFilter, value string) {
	for _, index := range bloomIndexes(filter, value) {
		filter.Bits[index/8] |= 1 << (index % 8)
	}
}

// BloomContains reports whether the value may be present. False is
// definitive; true may be a false positive.
func BloomContains(filter datasets.BloomFilter, value string) bool {
	indexes := bloomIndexes(filter, value)
	if len(indexes) == 0 {
		return true
	}
	for _, index := range indexes {
		if filter.Bits[index/8]&(1<<(index%8)) == 0 {
			return false
		}
	}
	return true
}
