package hotanalysis

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ALEYI17/InfraSight_sanalyzer/internal/clock"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/config"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/ranges"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/registry"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/report"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/gpupatch"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/logutil"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// Tensor boundary annotations on per-kernel report lines.
const (
	TAG_TENSOR       = "tensor"
	TAG_TENSOR_START = "tensor_start"
	TAG_TENSOR_END   = "tensor_end"
	TAG_IN_TENSOR    = "in_tensor"
)

type kernelRecord struct {
	ID      uint64
	Name    string
	Start   uint64
	End     uint64
	touches map[types.Range]uint64
}

// HotAnalysis attributes device access counts to fixed-size ranges of live
// device memory, per kernel and over the whole run.
type HotAnalysis struct {
	fs          afero.Fs
	baseDir     string
	app         string
	now         func() time.Time
	folder      string
	granularity uint64
	maxRanges   int

	clock   *clock.Clock
	memory  *registry.Registry
	tensors *registry.Registry

	nextID     uint64
	inflight   *kernelRecord
	cumulative map[types.Range]uint64
	flushed    bool
}

func New(cfg *config.Config, fs afero.Fs) *HotAnalysis {
	return &HotAnalysis{
		fs:          fs,
		baseDir:     cfg.OutputDir,
		app:         cfg.AppName,
		now:         time.Now,
		granularity: cfg.RangeGranularity,
		maxRanges:   cfg.MaxRanges,
		clock:       clock.New(),
		memory:      registry.New(),
		tensors:     registry.New(),
		cumulative:  make(map[types.Range]uint64),
	}
}

func (ha *HotAnalysis) Name() string {
	return types.ToolHotAnalysis
}

// Folder is the report directory, empty until the first report is written.
func (ha *HotAnalysis) Folder() string {
	return ha.folder
}

func (ha *HotAnalysis) Handle(ev types.Event) error {
	var err error

	switch e := ev.(type) {
	case types.KernelLaunch:
		ha.kernelStart(e)
	case types.KernelEnd:
		err = ha.kernelEnd(e)
	case types.MemAlloc:
		// every class is registered so frees match; only device memory is decomposed
		ha.memory.Add(registry.Record{Address: e.Address, Size: e.Size, Class: e.Class, Order: ha.clock.Get()})
	case types.MemFree:
		err = ha.remove(ha.memory, e.Address)
	case types.TensorAlloc:
		ha.tensors.Add(registry.Record{Address: e.Address, Size: e.Size, Order: ha.clock.Get()})
	case types.TensorFree:
		err = ha.remove(ha.tensors, e.Address)
	default:
		return nil
	}

	ha.clock.Tick(clock.Event)
	return err
}

func (ha *HotAnalysis) remove(r *registry.Registry, addr uint64) error {
	_, err := r.Remove(addr)
	if errors.Is(err, types.ErrNullAddress) {
		return nil
	}
	if err != nil {
		logutil.GetLogger().Warn("Free of untracked address",
			zap.String("tool", ha.Name()),
			zap.Uint64("address", addr))
	}
	return err
}

func (ha *HotAnalysis) kernelStart(e types.KernelLaunch) {
	if ha.inflight != nil {
		logutil.GetLogger().Warn("Kernel launched before previous kernel ended, dropping its hotness",
			zap.String("previous", ha.inflight.Name),
			zap.String("kernel", e.Name))
	}
	ha.inflight = &kernelRecord{
		ID:      ha.nextID,
		Name:    e.Name,
		Start:   ha.clock.Get(),
		touches: make(map[types.Range]uint64),
	}
	ha.nextID++
}

func (ha *HotAnalysis) kernelEnd(e types.KernelEnd) error {
	k := ha.inflight
	if k == nil {
		return fmt.Errorf("%w: kernel %q ended without a launch", types.ErrPreconditionViolation, e.Name)
	}
	k.End = ha.clock.Get()
	ha.inflight = nil
	return ha.writeKernel(k)
}

// deviceSpans returns the live device allocations in address order.
func (ha *HotAnalysis) deviceSpans() []types.Range {
	var spans []types.Range
	for _, rec := range ha.memory.Live() {
		if rec.Class == types.AllocDevice {
			spans = append(spans, rec.Range())
		}
	}
	return spans
}

// QueryRanges decomposes all live device allocations and copies as many
// ranges as fit into out. The returned count is always the full count; the
// error is ErrCapacityExceeded when that count exceeds len(out) or the
// configured maximum.
func (ha *HotAnalysis) QueryRanges(out []types.Range) (int, error) {
	spans := ha.deviceSpans()
	total := ranges.Total(spans, ha.granularity)

	all, err := ranges.DecomposeAll(spans, ha.granularity, ha.maxRanges)
	if err != nil {
		logutil.GetLogger().Warn("Active ranges exceed capacity",
			zap.Uint64("ranges", total),
			zap.Int("max", ha.maxRanges))
		return int(total), err
	}

	n := copy(out, all)
	if n < len(all) {
		return len(all), fmt.Errorf("%w: %d ranges, buffer holds %d", types.ErrCapacityExceeded, len(all), len(out))
	}
	return n, nil
}

// Analyze accumulates the per-range touch counts the patch reports for the
// running kernel.
func (ha *HotAnalysis) Analyze(buf []byte, count uint64) error {
	if ha.inflight == nil {
		return fmt.Errorf("%w: access data received outside a kernel", types.ErrPreconditionViolation)
	}
	touches, err := gpupatch.DecodeRangeTouches(buf, count)
	if err != nil {
		return err
	}

	for _, t := range touches {
		if t.End <= t.Start {
			continue
		}
		r := types.Range{Start: t.Start, End: t.End}
		ha.inflight.touches[r] += t.Touch
		ha.cumulative[r] += t.Touch
		ha.clock.Tick(clock.Access)
	}
	return nil
}

// Annotate returns the tensor tag of r, or "" when r lies in no live tensor.
func (ha *HotAnalysis) Annotate(r types.Range) string {
	return annotate(ha.tensors.Live(), r)
}

func annotate(tensors []registry.Record, r types.Range) string {
	// tensors may nest, so walk back from the last one starting at or before
	// r until one contains it; the innermost container wins
	i := sort.Search(len(tensors), func(i int) bool {
		return tensors[i].Address > r.Start
	}) - 1
	for ; i >= 0; i-- {
		if t := tensors[i].Range(); t.Contains(r) {
			return tag(r, t)
		}
	}
	return ""
}

func tag(r, t types.Range) string {
	switch {
	case r == t:
		return TAG_TENSOR
	case r.Start == t.Start:
		return TAG_TENSOR_START
	case r.End == t.End:
		return TAG_TENSOR_END
	default:
		return TAG_IN_TENSOR
	}
}

// Cumulative returns the touch count of every range observed so far.
func (ha *HotAnalysis) Cumulative() map[types.Range]uint64 {
	return maps.Clone(ha.cumulative)
}

func sortedRanges(m map[types.Range]uint64) []types.Range {
	keys := maps.Keys(m)
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func (ha *HotAnalysis) ensureFolder() error {
	if ha.folder != "" {
		return nil
	}
	folder := report.Join(ha.baseDir, report.Name("hot", ha.app, ha.now()))
	if err := report.EnsureDir(ha.fs, folder); err != nil {
		return err
	}
	ha.folder = folder
	return nil
}

func (ha *HotAnalysis) writeKernel(k *kernelRecord) error {
	if err := ha.ensureFolder(); err != nil {
		return err
	}

	path := report.Join(ha.folder, fmt.Sprintf("kernel_%d.txt", k.ID))
	logutil.GetLogger().Info("Dumping hotness",
		zap.String("file", path),
		zap.String("kernel", k.Name),
		zap.Int("ranges", len(k.touches)))

	w, err := report.Create(ha.fs, path)
	if err != nil {
		return err
	}
	defer w.Abort()

	tensors := ha.tensors.Live()
	w.Printf("KERNEL: %d %s %d %d\n", k.ID, k.Name, k.Start, k.End)
	for _, r := range sortedRanges(k.touches) {
		w.Printf("%d %d %d %s", r.Start, r.End, k.touches[r], report.FormatSize(r.Len()))
		if tag := annotate(tensors, r); tag != "" {
			w.Printf(" %s", tag)
		}
		w.Printf("\n")
	}
	return w.Commit()
}

// Flush writes the cumulative table, one line per distinct range.
func (ha *HotAnalysis) Flush() error {
	logger := logutil.GetLogger()
	if ha.flushed {
		logger.Warn("Report already flushed", zap.String("tool", ha.Name()))
		return nil
	}
	if ha.inflight != nil {
		logger.Warn("Kernel still running at shutdown, its hotness is only in the cumulative table",
			zap.String("kernel", ha.inflight.Name))
	}
	if err := ha.ensureFolder(); err != nil {
		return err
	}

	path := report.Join(ha.folder, "hotness.txt")
	logger.Info("Dumping cumulative hotness", zap.String("file", path), zap.Int("ranges", len(ha.cumulative)))

	w, err := report.Create(ha.fs, path)
	if err != nil {
		return err
	}
	defer w.Abort()

	var total uint64
	for _, r := range sortedRanges(ha.cumulative) {
		touches := ha.cumulative[r]
		total += touches
		w.Printf("%d %d %d %s\n", r.Start, r.End, touches, report.FormatSize(r.Len()))
	}
	w.Printf("Kernels: %d\n", ha.nextID)
	w.Printf("Total touches: %d (%s)\n", total, report.FormatNumber(total))

	if err := w.Commit(); err != nil {
		return err
	}
	ha.flushed = true
	return nil
}
