// Package ranges splits live allocations into bounded-size chunks for the
// hotness query and report paths.
package ranges

import (
	"fmt"
	"math"

	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
)

// DefaultGranularity is the chunk size used by the hot analysis patch.
const DefaultGranularity = 2 * 1024 * 1024

// DefaultMaxRanges matches the range buffer the hot analysis patch reserves.
const DefaultMaxRanges = 1024

// clamp shortens size so that addr+size does not pass the top of the address
// space.
func clamp(addr, size uint64) uint64 {
	if size > math.MaxUint64-addr {
		return math.MaxUint64 - addr
	}
	return size
}

// Count returns the number of chunks Decompose produces for size bytes.
func Count(size, g uint64) uint64 {
	if size == 0 || g == 0 {
		return 0
	}
	return (size + g - 1) / g
}

// Decompose splits [addr, addr+size) into consecutive chunks of at most g
// bytes. Only the last chunk may be shorter than g.
func Decompose(addr, size, g uint64) []types.Range {
	return appendChunks(nil, addr, size, g)
}

func appendChunks(out []types.Range, addr, size, g uint64) []types.Range {
	if g == 0 {
		return out
	}
	start := addr
	for rem := clamp(addr, size); rem > 0; {
		n := min(g, rem)
		out = append(out, types.Range{Start: start, End: start + n})
		start += n
		rem -= n
	}
	return out
}

// Total is the number of chunks DecomposeAll would produce for spans.
func Total(spans []types.Range, g uint64) uint64 {
	var total uint64
	for _, s := range spans {
		total += Count(clamp(s.Start, s.Len()), g)
	}
	return total
}

// DecomposeAll concatenates the decomposition of every span in order. If the
// total exceeds maxRanges, no ranges are returned and the error carries the total.
func DecomposeAll(spans []types.Range, g uint64, maxRanges int) ([]types.Range, error) {
	total := Total(spans, g)
	if total > uint64(maxRanges) {
		return nil, fmt.Errorf("%w: %d ranges, maximum is %d", types.ErrCapacityExceeded, total, maxRanges)
	}

	out := make([]types.Range, 0, total)
	for _, s := range spans {
		out = appendChunks(out, s.Start, s.Len(), g)
	}
	return out, nil
}
