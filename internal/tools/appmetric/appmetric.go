package appmetric

import (
	"errors"
	"fmt"
	"sort"
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

type kernelRecord struct {
	ID       uint64
	Name     string
	Accesses uint64
}

type allocRecord struct {
	Address uint64
	Size    uint64
	Class   types.AllocType
}

type Invocation struct {
	Name  string
	Count uint32
}

// Summary is the aggregate block at the end of the report.
type Summary struct {
	Allocations       uint64
	Kernels           uint64
	CurrentUsage      uint64
	PeakUsage         uint64
	TotalAccesses     uint64
	MaxAccesses       uint64
	MaxAccessesKernel string
	AvgAccesses       uint64
}

// AppMetric keeps running counters over the whole event stream and writes a
// single summary report on Flush.
type AppMetric struct {
	fs     afero.Fs
	dir    string
	app    string
	now    func() time.Time
	clock  *clock.Clock
	memory *registry.Registry

	allocs      []allocRecord
	kernels     []*kernelRecord
	invocations map[string]int // index into invOrder
	invOrder    []Invocation
	flushed     bool
}

func New(cfg *config.Config, fs afero.Fs) *AppMetric {
	return &AppMetric{
		fs:          fs,
		dir:         cfg.OutputDir,
		app:         cfg.AppName,
		now:         time.Now,
		clock:       clock.New(),
		memory:      registry.New(),
		invocations: make(map[string]int),
	}
}

func (am *AppMetric) Name() string {
	return types.ToolAppMetric
}

func (am *AppMetric) Handle(ev types.Event) error {
	var err error

	switch e := ev.(type) {
	case types.KernelLaunch:
		am.kernelStart(e)
	case types.MemAlloc:
		am.memAlloc(e)
	case types.MemFree:
		err = am.memFree(e)
	default:
		return nil
	}

	am.clock.Tick(clock.Event)
	return err
}

func (am *AppMetric) kernelStart(e types.KernelLaunch) {
	am.kernels = append(am.kernels, &kernelRecord{
		ID:   uint64(len(am.kernels)),
		Name: e.Name,
	})

	if idx, ok := am.invocations[e.Name]; ok {
		am.invOrder[idx].Count++
		return
	}
	am.invocations[e.Name] = len(am.invOrder)
	am.invOrder = append(am.invOrder, Invocation{Name: e.Name, Count: 1})
}

func (am *AppMetric) memAlloc(e types.MemAlloc) {
	am.allocs = append(am.allocs, allocRecord{
		Address: e.Address,
		Size:    e.Size,
		Class:   e.Class,
	})
	am.memory.Add(registry.Record{Address: e.Address, Size: e.Size, Class: e.Class, Order: am.clock.Get()})
}

func (am *AppMetric) memFree(e types.MemFree) error {
	if _, err := am.memory.Remove(e.Address); err != nil {
		if errors.Is(err, types.ErrNullAddress) {
			return nil
		}
		logutil.GetLogger().Warn("Free of untracked address, usage not updated",
			zap.String("tool", am.Name()),
			zap.Uint64("address", e.Address))
		return err
	}
	return nil
}

// Analyze attaches the access count reported by the patch to the most
// recently launched kernel.
func (am *AppMetric) Analyze(buf []byte, count uint64) error {
	if len(am.kernels) == 0 {
		return fmt.Errorf("%w: access data received before any kernel launch", types.ErrPreconditionViolation)
	}
	trackers, err := gpupatch.DecodeTrackers(buf, count)
	if err != nil {
		return err
	}

	var accesses uint64
	for _, t := range trackers {
		accesses += t.AccessCount
	}
	am.kernels[len(am.kernels)-1].Accesses = accesses
	return nil
}

func (am *AppMetric) QueryRanges([]types.Range) (int, error) {
	return 0, nil
}

// AverageAccesses is the integer mean of total over kernels.
func AverageAccesses(total, kernels uint64) (uint64, error) {
	if kernels == 0 {
		return 0, types.ErrDivisionByZero
	}
	return total / kernels, nil
}

func (am *AppMetric) Summary() Summary {
	s := Summary{
		Allocations:  uint64(len(am.allocs)),
		Kernels:      uint64(len(am.kernels)),
		CurrentUsage: am.memory.Usage(),
		PeakUsage:    am.memory.Peak(),
	}
	for _, k := range am.kernels {
		s.TotalAccesses += k.Accesses
		if s.MaxAccesses < k.Accesses {
			s.MaxAccesses = k.Accesses
			s.MaxAccessesKernel = k.Name
		}
	}
	s.AvgAccesses, _ = AverageAccesses(s.TotalAccesses, s.Kernels)
	return s
}

// Invocations returns the per-name launch counts, most launched first. Names
// with equal counts keep the order in which they were first launched.
func (am *AppMetric) Invocations() []Invocation {
	sorted := make([]Invocation, len(am.invOrder))
	copy(sorted, am.invOrder)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Count > sorted[j].Count
	})
	return sorted
}

func (am *AppMetric) reportPath() string {
	name := "metrics_" + report.Stamp(am.now())
	if am.app != "" {
		name = am.app + "_" + report.Stamp(am.now())
	}
	return report.Join(am.dir, name+".log")
}

func (am *AppMetric) Flush() error {
	logger := logutil.GetLogger()
	if am.flushed {
		logger.Warn("Report already flushed", zap.String("tool", am.Name()))
		return nil
	}

	if err := report.EnsureDir(am.fs, am.dir); err != nil {
		return err
	}

	path := am.reportPath()
	logger.Info("Dumping metrics", zap.String("file", path))

	w, err := report.Create(am.fs, path)
	if err != nil {
		return err
	}
	defer w.Abort()

	for i, a := range am.allocs {
		w.Printf("Alloc(%d) %d:\t%d %d (%s)\n", a.Class, i, a.Address, a.Size, report.FormatSize(a.Size))
	}
	w.Printf("\n")

	for _, k := range am.kernels {
		w.Printf("Kernel %d (refs=%d):\t%s\n", k.ID, k.Accesses, k.Name)
	}
	w.Printf("\n")

	for _, inv := range am.Invocations() {
		w.Printf("InvCount=%d\t%s\n", inv.Count, inv.Name)
	}
	w.Printf("\n")

	s := am.Summary()
	w.Printf("Number of allocations: %d\n", s.Allocations)
	w.Printf("Number of kernels: %d\n", s.Kernels)
	w.Printf("Maximum memory usage: %dB (%s)\n", s.PeakUsage, report.FormatSize(s.PeakUsage))
	w.Printf("Maximum memory accesses kernel: %s\n", s.MaxAccessesKernel)
	w.Printf("Maximum memory accesses per kernel: %d (%s)\n", s.MaxAccesses, report.FormatNumber(s.MaxAccesses))
	if _, err := AverageAccesses(s.TotalAccesses, s.Kernels); err != nil {
		logger.Warn("No kernels observed, average accesses undefined", zap.String("tool", am.Name()))
		w.Printf("Average memory accesses per kernel: n/a\n")
	} else {
		w.Printf("Average memory accesses per kernel: %d (%s)\n", s.AvgAccesses, report.FormatNumber(s.AvgAccesses))
	}
	w.Printf("Total memory accesses: %d (%s)\n", s.TotalAccesses, report.FormatNumber(s.TotalAccesses))

	if err := w.Commit(); err != nil {
		return err
	}
	am.flushed = true
	return nil
}
