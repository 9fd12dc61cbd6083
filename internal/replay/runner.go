package replay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/logutil"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Host is the call surface a recording is replayed against.
type Host interface {
	Alloc(addr, size uint64, class types.AllocType) types.Result
	Free(addr, size uint64) types.Result
	Memcpy(dst, src, size uint64, async bool, dir types.CopyDirection) types.Result
	Memset(dst, size uint64, value uint8, async bool) types.Result
	KernelStart(name string) types.Result
	KernelEnd(name string) types.Result
	TensorMalloc(addr uint64, size, totalAllocated, totalReserved int64) types.Result
	TensorFree(addr uint64, size, totalAllocated, totalReserved int64) types.Result
	GPUDataAnalysis(buf []byte, count uint64) types.Result
	QueryActiveRanges(out []types.Range) (uint32, error)
}

// Stats counts replayed records by the result the host returned.
type Stats struct {
	Records uint64
	Results map[types.Result]uint64
	Queries uint64
	// QueryErrors counts range queries that failed, usually for capacity.
	QueryErrors uint64
}

// RunFile replays the recording at path.
func RunFile(ctx context.Context, fs afero.Fs, path string, h Host) (Stats, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("opening recording: %w", err)
	}
	defer f.Close()

	logutil.GetLogger().Info("Replaying recording", zap.String("file", path))
	return Run(ctx, NewDecoder(f), h)
}

// Run feeds every record of dec to h, in order, until the recording ends or
// ctx is cancelled.
func Run(ctx context.Context, dec *Decoder, h Host) (Stats, error) {
	logger := logutil.GetLogger()
	stats := Stats{Results: make(map[types.Result]uint64)}

	for {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, stopping replay...", zap.Uint64("records", stats.Records))
			return stats, ctx.Err()
		default:
		}

		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			logger.Info("Recording finished", zap.Uint64("records", stats.Records))
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("record %d: %w", stats.Records, err)
		}
		stats.Records++

		if q, ok := rec.(RangeQuery); ok {
			stats.Queries++
			out := make([]types.Range, q.Limit)
			n, err := h.QueryActiveRanges(out)
			if err != nil {
				stats.QueryErrors++
				logger.Warn("Range query failed", zap.Uint32("count", n), zap.Uint32("limit", q.Limit), zap.Error(err))
				continue
			}
			logger.Debug("Active ranges", zap.Uint32("count", n))
			continue
		}

		res := apply(h, rec)
		stats.Results[res]++
		if res != types.Success {
			logger.Debug("Non-success result", zap.Uint64("record", stats.Records-1), zap.Stringer("result", res))
		}
	}
}

func apply(h Host, rec any) types.Result {
	switch e := rec.(type) {
	case types.KernelLaunch:
		return h.KernelStart(e.Name)
	case types.KernelEnd:
		return h.KernelEnd(e.Name)
	case types.MemAlloc:
		return h.Alloc(e.Address, e.Size, e.Class)
	case types.MemFree:
		return h.Free(e.Address, e.Size)
	case types.MemCopy:
		return h.Memcpy(e.Dst, e.Src, e.Size, e.Async, e.Direction)
	case types.MemSet:
		return h.Memset(e.Address, e.Size, e.Value, e.Async)
	case types.TensorAlloc:
		return h.TensorMalloc(e.Address, int64(e.Size), e.TotalAllocated, e.TotalReserved)
	case types.TensorFree:
		return h.TensorFree(e.Address, int64(e.Size), e.TotalAllocated, e.TotalReserved)
	case AccessBuffer:
		return h.GPUDataAnalysis(e.Data, e.Count)
	default:
		return types.NotImplemented
	}
}
