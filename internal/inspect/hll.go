package inspect

import (
	"hash/fnv"
	"math"
	"math/bits"
)

// hllPrecision gives 2^12 registers, ~1.6% standard error. Plenty for
// deciding "distinct enough for a key" without holding every value.
const hllPrecision = 12

const hllRegisters = 1 << hllPrecision

// hll is a classic HyperLogLog counter. Column profiling switches to it once
// the exact distinct set gets too large to keep.
type hll struct {
	registers [hllRegisters]uint8
}

// fmix64 is the murmur3 finalizer. FNV-1a leaves its high bits poorly mixed
// for short, similar keys, and the register index is carved from exactly
// those bits; the finalizer spreads every input bit across the whole word.
func fmix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func (h *hll) Add(s string) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(s))
	x := fmix64(f.Sum64())

	idx := x >> (64 - hllPrecision)
	rest := x << hllPrecision
	rank := uint8(bits.LeadingZeros64(rest)) + 1
	if rank > 64-hllPrecision+1 {
		rank = 64 - hllPrecision + 1
	}
	if rank > h.registers[idx] {
		h.registers[idx] = rank
	}
}

// Estimate returns the cardinality estimate with the standard small-range
// correction (linear counting when many registers are still zero).
func (h *hll) Estimate() int64 {
	alpha := 0.7213 / (1 + 1.079/float64(hllRegisters))

	var sum float64
	var zeros int
	for _, r := range h.registers {
		sum += 1 / float64(uint64(1)<<r)
		if r == 0 {
			zeros++
		}
	}
	est := alpha * hllRegisters * hllRegisters / sum

	if est <= 2.5*hllRegisters && zeros > 0 {
		est = hllRegisters * math.Log(float64(hllRegisters)/float64(zeros))
	}
	return int64(est + 0.5)
}
