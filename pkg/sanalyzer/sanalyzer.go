// Package sanalyzer is the boundary the instrumentation host calls into. Every
// call returns a Result code; the host serializes its calls.
package sanalyzer

import (
	"errors"
	"fmt"
	"math"

	"github.com/ALEYI17/InfraSight_sanalyzer/internal/clock"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/config"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/dispatcher"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/tools"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/logutil"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const GPU_NO_PATCH = ""

// PatchOptions tells the host which device patch to load.
type PatchOptions struct {
	PatchName        string
	PatchFile        string
	TorchProfEnabled bool
}

type Analyzer struct {
	cfg        *config.Config
	dispatcher *dispatcher.Dispatcher
	clock      *clock.Clock
	terminated bool
}

// New builds one engine per configured tool, in configuration order.
func New(cfg *config.Config, fs afero.Fs) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logutil.GetLogger()

	var ts []types.Tool
	for _, name := range cfg.Tools {
		t, err := tools.NewTool(name, cfg, fs)
		if err != nil {
			return nil, err
		}
		logger.Info("Enabling tool", zap.String("tool", name))
		ts = append(ts, t)
	}

	return &Analyzer{
		cfg:        cfg,
		dispatcher: dispatcher.New(ts...),
		clock:      clock.New(),
	}, nil
}

// Init selects the device patch. With several tools the first one that needs
// a patch decides, since the host loads a single patch.
func (a *Analyzer) Init() (PatchOptions, types.Result) {
	logger := logutil.GetLogger()
	var opts PatchOptions

	if a.dispatcher.Len() == 0 {
		logger.Warn("No tool name specified", zap.String("env", config.EnvToolName))
		return opts, types.NotImplemented
	}

	for _, t := range a.dispatcher.Tools() {
		if file := tools.PatchFor(t.Name()); file != GPU_NO_PATCH {
			opts.PatchName = t.Name()
			opts.PatchFile = file
			break
		}
	}
	if a.cfg.TorchProfile {
		opts.TorchProfEnabled = true
		logger.Info("Enabling torch profiler")
	}

	logger.Info("Analyzer initialized",
		zap.Strings("tools", a.cfg.Tools),
		zap.String("patch", opts.PatchFile))
	return opts, types.Success
}

func (a *Analyzer) stamp() types.Header {
	return types.Header{Time: a.clock.Tick(clock.Event)}
}

// Clock is the number of events submitted so far.
func (a *Analyzer) Clock() uint64 {
	return a.clock.Get()
}

func (a *Analyzer) result(op string, err error) types.Result {
	switch {
	case err == nil:
		return types.Success
	case errors.Is(err, types.ErrNullAddress):
		return types.MemFreeZero
	default:
		logutil.GetLogger().Error("Analyzer call failed", zap.String("op", op), zap.Error(err))
		return types.Error
	}
}

func (a *Analyzer) submit(ev types.Event) types.Result {
	if a.terminated {
		logutil.GetLogger().Warn("Event after terminate dropped", zap.Stringer("kind", ev.Kind()))
		return types.Error
	}
	return a.result(ev.Kind().String(), a.dispatcher.Submit(ev))
}

func (a *Analyzer) Alloc(addr, size uint64, class types.AllocType) types.Result {
	return a.submit(types.MemAlloc{Header: a.stamp(), Address: addr, Size: size, Class: class})
}

// Free of address 0 is a no-op on the device side and never reaches the tools.
func (a *Analyzer) Free(addr, size uint64) types.Result {
	if addr == 0 {
		return types.MemFreeZero
	}
	return a.submit(types.MemFree{Header: a.stamp(), Address: addr, Size: size})
}

func (a *Analyzer) Memcpy(dst, src, size uint64, async bool, dir types.CopyDirection) types.Result {
	return a.submit(types.MemCopy{Header: a.stamp(), Src: src, Dst: dst, Size: size, Async: async, Direction: dir})
}

func (a *Analyzer) Memset(dst, size uint64, value uint8, async bool) types.Result {
	return a.submit(types.MemSet{Header: a.stamp(), Address: dst, Size: size, Value: value, Async: async})
}

func (a *Analyzer) KernelStart(name string) types.Result {
	return a.submit(types.KernelLaunch{Header: a.stamp(), Name: name})
}

func (a *Analyzer) KernelEnd(name string) types.Result {
	return a.submit(types.KernelEnd{Header: a.stamp(), Name: name})
}

// tensorSize converts the allocator's signed size; frees may report it negated.
func tensorSize(size int64) uint64 {
	if size < 0 {
		return uint64(-size)
	}
	return uint64(size)
}

func (a *Analyzer) TensorMalloc(addr uint64, size, totalAllocated, totalReserved int64) types.Result {
	return a.submit(types.TensorAlloc{
		Header:         a.stamp(),
		Address:        addr,
		Size:           tensorSize(size),
		TotalAllocated: totalAllocated,
		TotalReserved:  totalReserved,
	})
}

func (a *Analyzer) TensorFree(addr uint64, size, totalAllocated, totalReserved int64) types.Result {
	return a.submit(types.TensorFree{
		Header:         a.stamp(),
		Address:        addr,
		Size:           tensorSize(size),
		TotalAllocated: totalAllocated,
		TotalReserved:  totalReserved,
	})
}

// GPUDataAnalysis hands a device access buffer of count records to every tool.
func (a *Analyzer) GPUDataAnalysis(buf []byte, count uint64) types.Result {
	if a.terminated {
		logutil.GetLogger().Warn("Access data after terminate dropped", zap.Uint64("count", count))
		return types.Error
	}
	return a.result("gpu_data_analysis", a.dispatcher.Analyze(buf, count))
}

// QueryActiveRanges fills out with the active memory ranges and returns their
// full count, saturated at math.MaxUint32. ErrCapacityExceeded means the
// count did not fit.
func (a *Analyzer) QueryActiveRanges(out []types.Range) (uint32, error) {
	if a.terminated {
		return 0, fmt.Errorf("%w: range query after terminate", types.ErrPreconditionViolation)
	}
	n, err := a.dispatcher.QueryRanges(out)
	if uint64(n) > math.MaxUint32 {
		return math.MaxUint32, err
	}
	return uint32(n), err
}

// Terminate flushes every tool. Only the first call has an effect.
func (a *Analyzer) Terminate() types.Result {
	if a.terminated {
		logutil.GetLogger().Warn("Analyzer already terminated")
		return types.Success
	}
	a.terminated = true
	return a.result("terminate", a.dispatcher.Flush())
}
