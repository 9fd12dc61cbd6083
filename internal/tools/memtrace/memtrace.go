package memtrace

import (
	"errors"
	"fmt"
	"time"

	"github.com/ALEYI17/InfraSight_sanalyzer/internal/clock"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/config"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/registry"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/report"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/gpupatch"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/logutil"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// TraceEntry is one lane's access inside a kernel.
type TraceEntry struct {
	Address    uint64
	Size       uint32
	Flags      uint32
	WarpOrLane uint32
}

func (e TraceEntry) PageNumber() uint64 {
	return e.Address >> gpupatch.PAGE_SHIFT
}

type kernelRecord struct {
	ID    uint64
	Name  string
	Start uint64
	End   uint64
}

// MemTrace records every device access of a kernel and writes one trace file
// per kernel when it ends, followed by the allocations live at that moment.
type MemTrace struct {
	fs      afero.Fs
	baseDir string
	app     string
	now     func() time.Time
	folder  string

	clock   *clock.Clock
	memory  *registry.Registry
	tensors *registry.Registry

	nextID   uint64
	inflight *kernelRecord
	traces   []TraceEntry
}

func New(cfg *config.Config, fs afero.Fs) *MemTrace {
	if cfg.TorchProfile {
		logutil.GetLogger().Info("Enabling torch profiler in MemTrace")
	}
	return &MemTrace{
		fs:      fs,
		baseDir: cfg.OutputDir,
		app:     cfg.AppName,
		now:     time.Now,
		clock:   clock.New(),
		memory:  registry.New(),
		tensors: registry.New(),
	}
}

func (mt *MemTrace) Name() string {
	return types.ToolMemTrace
}

// Folder is the trace directory, empty until the first kernel ends.
func (mt *MemTrace) Folder() string {
	return mt.folder
}

func (mt *MemTrace) Handle(ev types.Event) error {
	var err error

	switch e := ev.(type) {
	case types.KernelLaunch:
		mt.kernelStart(e)
	case types.KernelEnd:
		err = mt.kernelEnd(e)
	case types.MemAlloc:
		mt.memory.Add(registry.Record{Address: e.Address, Size: e.Size, Class: e.Class, Order: mt.clock.Get()})
	case types.MemFree:
		err = mt.remove(mt.memory, e.Address)
	case types.TensorAlloc:
		mt.tensors.Add(registry.Record{Address: e.Address, Size: e.Size, Order: mt.clock.Get()})
	case types.TensorFree:
		err = mt.remove(mt.tensors, e.Address)
	default:
		return nil
	}

	mt.clock.Tick(clock.Event)
	return err
}

func (mt *MemTrace) remove(r *registry.Registry, addr uint64) error {
	_, err := r.Remove(addr)
	if errors.Is(err, types.ErrNullAddress) {
		return nil
	}
	if err != nil {
		logutil.GetLogger().Warn("Free of untracked address",
			zap.String("tool", mt.Name()),
			zap.Uint64("address", addr))
	}
	return err
}

func (mt *MemTrace) kernelStart(e types.KernelLaunch) {
	if mt.inflight != nil {
		logutil.GetLogger().Warn("Kernel launched before previous kernel ended, dropping its trace",
			zap.String("previous", mt.inflight.Name),
			zap.String("kernel", e.Name))
	}
	mt.inflight = &kernelRecord{ID: mt.nextID, Name: e.Name, Start: mt.clock.Get()}
	mt.nextID++
	mt.traces = mt.traces[:0]
}

func (mt *MemTrace) kernelEnd(e types.KernelEnd) error {
	k := mt.inflight
	if k == nil {
		return fmt.Errorf("%w: kernel %q ended without a launch", types.ErrPreconditionViolation, e.Name)
	}
	k.End = mt.clock.Get()

	err := mt.flushKernel(k)
	mt.inflight = nil
	mt.traces = mt.traces[:0]
	return err
}

// Analyze appends every active lane of every warp access record to the
// current kernel's trace.
func (mt *MemTrace) Analyze(buf []byte, count uint64) error {
	if mt.inflight == nil {
		return fmt.Errorf("%w: access data received outside a kernel", types.ErrPreconditionViolation)
	}
	accesses, err := gpupatch.DecodeAccesses(buf, count)
	if err != nil {
		return err
	}

	for _, acc := range accesses {
		for lane, addr := range acc.Addresses {
			if addr == 0 {
				continue
			}
			mt.traces = append(mt.traces, TraceEntry{
				Address:    addr,
				Size:       acc.AccessSize,
				Flags:      acc.Flags,
				WarpOrLane: acc.WarpID*gpupatch.GPU_WARP_SIZE + uint32(lane),
			})
		}
	}
	return nil
}

// Buffered is the number of accesses recorded for the in-flight kernel.
func (mt *MemTrace) Buffered() int {
	return len(mt.traces)
}

func (mt *MemTrace) QueryRanges([]types.Range) (int, error) {
	return 0, nil
}

func (mt *MemTrace) ensureFolder() error {
	if mt.folder != "" {
		return nil
	}
	folder := report.Join(mt.baseDir, report.Name("traces", mt.app, mt.now()))
	if err := report.EnsureDir(mt.fs, folder); err != nil {
		return err
	}
	mt.folder = folder
	return nil
}

func (mt *MemTrace) flushKernel(k *kernelRecord) error {
	if err := mt.ensureFolder(); err != nil {
		return err
	}

	path := report.Join(mt.folder, fmt.Sprintf("kernel_%d.txt", k.ID))
	logutil.GetLogger().Info("Dumping traces",
		zap.String("file", path),
		zap.String("kernel", k.Name),
		zap.Int("accesses", len(mt.traces)))

	w, err := report.Create(mt.fs, path)
	if err != nil {
		return err
	}
	defer w.Abort()

	for _, t := range mt.traces {
		ts := mt.clock.Tick(clock.Access)
		w.Printf("%d %d %d %d %d %d\n", t.PageNumber(), t.Address, t.Size, ts, t.Flags, t.WarpOrLane)
	}
	for _, rec := range mt.memory.Live() {
		w.Printf("ALLOCATION: %d %d\n", rec.Address, rec.Size)
	}
	for _, rec := range mt.tensors.Live() {
		w.Printf("TENSOR: %d %d\n", rec.Address, rec.Size)
	}
	w.Printf("KERNEL: %d %d\n", k.Start, k.End)

	return w.Commit()
}

// Flush has nothing left to write: each kernel's trace is written when it ends.
func (mt *MemTrace) Flush() error {
	if mt.inflight != nil {
		logutil.GetLogger().Warn("Kernel still running at shutdown, trace discarded",
			zap.String("kernel", mt.inflight.Name),
			zap.Int("accesses", len(mt.traces)))
	}
	return nil
}
