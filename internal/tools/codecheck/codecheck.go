package codecheck

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ALEYI17/InfraSight_sanalyzer/internal/clock"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/config"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/registry"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/report"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/logutil"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Counter is a count of operations and the bytes they covered.
type Counter struct {
	Count uint64
	Bytes uint64
}

func (c *Counter) add(bytes uint64) {
	c.Count++
	c.Bytes += bytes
}

// CopySite groups memory copies issued from the same call stack.
type CopySite struct {
	Hash      uint64
	Backtrace []string
	Source    []string
	Copies    Counter
}

// Stats is a snapshot of every counter family.
type Stats struct {
	Kernels        uint64
	Copies         map[types.CopyDirection]Counter
	Sets           Counter
	Allocs         map[types.AllocType]Counter
	Frees          map[types.AllocType]Counter
	TensorAllocs   Counter
	TensorFrees    Counter
	TotalAllocated int64
	TotalReserved  int64
}

// CodeCheck runs low-overhead structural checks: it counts copies by
// direction, sets, and allocations per memory class, and captures the call
// site of every copy.
type CodeCheck struct {
	out      io.Writer
	capturer types.FrameCapturer
	hasher   types.FrameHasher
	clock    *clock.Clock
	memory   *registry.Registry
	tensors  *registry.Registry
	sites    *lru.Cache[uint64, *CopySite]
	evicted  uint64
	stats    Stats
}

type Option func(*CodeCheck)

// WithOutput sends the flush report to w instead of stdout.
func WithOutput(w io.Writer) Option {
	return func(cc *CodeCheck) { cc.out = w }
}

// WithCapture sets the frame capturer and hasher used for copy sites. A nil
// capturer disables site capture.
func WithCapture(c types.FrameCapturer, h types.FrameHasher) Option {
	return func(cc *CodeCheck) {
		cc.capturer = c
		cc.hasher = h
	}
}

func New(cfg *config.Config, opts ...Option) (*CodeCheck, error) {
	cc := &CodeCheck{
		out:     os.Stdout,
		clock:   clock.New(),
		memory:  registry.New(),
		tensors: registry.New(),
		stats: Stats{
			Copies: make(map[types.CopyDirection]Counter),
			Allocs: make(map[types.AllocType]Counter),
			Frees:  make(map[types.AllocType]Counter),
		},
	}
	for _, opt := range opts {
		opt(cc)
	}

	sites, err := lru.NewWithEvict[uint64, *CopySite](cfg.CopySiteCacheSize, func(uint64, *CopySite) {
		cc.evicted++
	})
	if err != nil {
		return nil, fmt.Errorf("creating copy site cache: %w", err)
	}
	cc.sites = sites

	logger := logutil.GetLogger()
	if lib := cfg.DiagnosticLibPath(); lib != "" {
		logger.Info("Diagnostic capture library", zap.String("path", lib))
	} else {
		logger.Info("CU_PROF_HOME not set, using in-process backtraces")
	}
	return cc, nil
}

func (cc *CodeCheck) Name() string {
	return types.ToolCodeCheck
}

func (cc *CodeCheck) Handle(ev types.Event) error {
	var err error

	switch e := ev.(type) {
	case types.KernelLaunch:
		cc.stats.Kernels++
	case types.KernelEnd:
		return nil
	case types.MemAlloc:
		cc.memory.Add(registry.Record{Address: e.Address, Size: e.Size, Class: e.Class, Order: cc.clock.Get()})
		cc.stats.Allocs[e.Class] = addTo(cc.stats.Allocs[e.Class], e.Size)
	case types.MemFree:
		var rec registry.Record
		if rec, err = cc.remove(cc.memory, e.Address); err == nil {
			cc.stats.Frees[rec.Class] = addTo(cc.stats.Frees[rec.Class], rec.Size)
		}
	case types.MemCopy:
		cc.memCopy(e)
	case types.MemSet:
		cc.stats.Sets.add(e.Size)
	case types.TensorAlloc:
		cc.tensors.Add(registry.Record{Address: e.Address, Size: e.Size, Order: cc.clock.Get()})
		cc.stats.TensorAllocs.add(e.Size)
		cc.stats.TotalAllocated, cc.stats.TotalReserved = e.TotalAllocated, e.TotalReserved
	case types.TensorFree:
		var rec registry.Record
		if rec, err = cc.remove(cc.tensors, e.Address); err == nil {
			cc.stats.TensorFrees.add(rec.Size)
		}
		cc.stats.TotalAllocated, cc.stats.TotalReserved = e.TotalAllocated, e.TotalReserved
	}

	cc.clock.Tick(clock.Event)
	if errors.Is(err, types.ErrNullAddress) {
		return nil
	}
	return err
}

func addTo(c Counter, bytes uint64) Counter {
	c.add(bytes)
	return c
}

func (cc *CodeCheck) remove(r *registry.Registry, addr uint64) (registry.Record, error) {
	rec, err := r.Remove(addr)
	if err != nil && !errors.Is(err, types.ErrNullAddress) {
		logutil.GetLogger().Warn("Free of untracked address",
			zap.String("tool", cc.Name()),
			zap.Uint64("address", addr))
	}
	return rec, err
}

func (cc *CodeCheck) memCopy(e types.MemCopy) {
	dir := e.Direction.Normalize()
	c := cc.stats.Copies[dir]
	c.add(e.Size)
	cc.stats.Copies[dir] = c

	logutil.GetLogger().Debug("Memory copy detected",
		zap.Uint64("src", e.Src),
		zap.Uint64("dst", e.Dst),
		zap.Uint64("size", e.Size),
		zap.Bool("async", e.Async),
		zap.Stringer("direction", dir))

	if cc.capturer == nil || cc.hasher == nil {
		return
	}
	bt := cc.capturer.Backtrace()
	src := cc.capturer.SourceFrames()
	h := cc.hasher(bt, src)

	site, ok := cc.sites.Get(h)
	if !ok {
		site = &CopySite{Hash: h, Backtrace: bt, Source: src}
		cc.sites.Add(h, site)
	}
	site.Copies.add(e.Size)
}

func (cc *CodeCheck) Analyze([]byte, uint64) error {
	return nil
}

func (cc *CodeCheck) QueryRanges([]types.Range) (int, error) {
	return 0, nil
}

// Stats returns a copy of the current counters.
func (cc *CodeCheck) Stats() Stats {
	s := cc.stats
	s.Copies = copyMap(cc.stats.Copies)
	s.Allocs = copyMap(cc.stats.Allocs)
	s.Frees = copyMap(cc.stats.Frees)
	return s
}

func copyMap[K comparable](m map[K]Counter) map[K]Counter {
	out := make(map[K]Counter, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Sites returns the tracked copy sites, least recently used first.
func (cc *CodeCheck) Sites() []*CopySite {
	return cc.sites.Values()
}

func (cc *CodeCheck) Flush() error {
	var (
		w   = cc.out
		err error
	)
	line := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}
	counter := func(label string, c Counter) {
		line("%-16s count=%d bytes=%d (%s)\n", label, c.Count, c.Bytes, report.FormatSize(c.Bytes))
	}

	line("Kernels launched: %d\n", cc.stats.Kernels)
	for _, d := range types.CopyDirections {
		counter("MemCopy "+d.String()+":", cc.stats.Copies[d])
	}
	counter("MemSet:", cc.stats.Sets)
	for _, a := range types.AllocTypes {
		counter("Alloc "+a.String()+":", cc.stats.Allocs[a])
		counter("Free "+a.String()+":", cc.stats.Frees[a])
	}
	counter("TensorAlloc:", cc.stats.TensorAllocs)
	counter("TensorFree:", cc.stats.TensorFrees)
	line("Tensor allocator: allocated=%d reserved=%d\n", cc.stats.TotalAllocated, cc.stats.TotalReserved)

	sites := cc.Sites()
	line("Copy sites: %d (evicted %d)\n", len(sites), cc.evicted)
	for _, s := range sites {
		line("CopySite %016x count=%d bytes=%d (%s)\n", s.Hash, s.Copies.Count, s.Copies.Bytes, report.FormatSize(s.Copies.Bytes))
		for _, f := range s.Source {
			line("\t%s\n", f)
		}
		for _, f := range s.Backtrace {
			line("\t%s\n", f)
		}
	}

	if err != nil {
		return fmt.Errorf("writing %s report: %w", cc.Name(), err)
	}
	return nil
}
