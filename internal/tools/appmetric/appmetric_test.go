package appmetric

import (
	"strings"
	"testing"
	"time"

	"github.com/ALEYI17/InfraSight_sanalyzer/internal/config"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/gpupatch"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestTool(t *testing.T, app string) (*AppMetric, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	cfg := config.Default()
	cfg.OutputDir = "out"
	cfg.AppName = app
	am := New(cfg, fs)
	am.now = func() time.Time { return fixedNow }
	return am, fs
}

func readReport(t *testing.T, fs afero.Fs, path string) []string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func trackerBuf(n uint64) []byte {
	return gpupatch.EncodeTrackers([]gpupatch.MemoryAccessTracker{{AccessCount: n}})
}

func TestAllocFreeUsage(t *testing.T) {
	am, _ := newTestTool(t, "")

	require.NoError(t, am.Handle(types.MemAlloc{Address: 0x1000, Size: 4096, Class: types.AllocDevice}))
	s := am.Summary()
	assert.Equal(t, uint64(4096), s.CurrentUsage)
	assert.Equal(t, uint64(4096), s.PeakUsage)

	require.NoError(t, am.Handle(types.MemFree{Address: 0x1000}))
	s = am.Summary()
	assert.Equal(t, uint64(0), s.CurrentUsage)
	assert.Equal(t, uint64(4096), s.PeakUsage)
	assert.Equal(t, 0, am.memory.Len())
}

func TestFreeUnknownAddressIsRecoverable(t *testing.T) {
	am, _ := newTestTool(t, "")
	require.NoError(t, am.Handle(types.MemAlloc{Address: 0x1000, Size: 64}))

	err := am.Handle(types.MemFree{Address: 0xdead})
	require.ErrorIs(t, err, types.ErrUnknownAddress)
	assert.Equal(t, uint64(64), am.Summary().CurrentUsage)

	// processing continues
	require.NoError(t, am.Handle(types.MemFree{Address: 0x1000}))
	assert.Equal(t, uint64(0), am.Summary().CurrentUsage)
}

func TestFreeNullAddressIgnored(t *testing.T) {
	am, _ := newTestTool(t, "")
	require.NoError(t, am.Handle(types.MemFree{Address: 0}))
}

func TestAnalyzeBeforeLaunch(t *testing.T) {
	am, _ := newTestTool(t, "")
	err := am.Analyze(trackerBuf(3), 1)
	require.ErrorIs(t, err, types.ErrPreconditionViolation)
}

func TestSingleKernelReport(t *testing.T) {
	am, fs := newTestTool(t, "")

	require.NoError(t, am.Handle(types.KernelLaunch{Name: "K1"}))
	require.NoError(t, am.Analyze(trackerBuf(10), 1))
	require.NoError(t, am.Handle(types.KernelEnd{Name: "K1"}))
	require.NoError(t, am.Flush())

	s := am.Summary()
	assert.Equal(t, uint64(10), s.TotalAccesses)
	assert.Equal(t, uint64(10), s.AvgAccesses)
	assert.Equal(t, "K1", s.MaxAccessesKernel)

	lines := readReport(t, fs, "out/metrics_2024-05-01_12-00-00.log")
	assert.Contains(t, lines, "Kernel 0 (refs=10):\tK1")
	assert.Contains(t, lines, "InvCount=1\tK1")
	assert.Contains(t, lines, "Average memory accesses per kernel: 10 (10)")
	assert.Contains(t, lines, "Total memory accesses: 10 (10)")
}

func TestInvocationOrdering(t *testing.T) {
	am, fs := newTestTool(t, "bert")

	for _, name := range []string{"gemm", "relu", "softmax", "relu", "gemm", "relu"} {
		require.NoError(t, am.Handle(types.KernelLaunch{Name: name}))
	}

	assert.Equal(t, []Invocation{
		{Name: "relu", Count: 3},
		{Name: "gemm", Count: 2},
		{Name: "softmax", Count: 1},
	}, am.Invocations())

	require.NoError(t, am.Flush())
	lines := readReport(t, fs, "out/bert_2024-05-01_12-00-00.log")

	var inv []string
	for _, l := range lines {
		if strings.HasPrefix(l, "InvCount=") {
			inv = append(inv, l)
		}
	}
	assert.Equal(t, []string{"InvCount=3\trelu", "InvCount=2\tgemm", "InvCount=1\tsoftmax"}, inv)
}

func TestInvocationTiesKeepFirstLaunchOrder(t *testing.T) {
	am, _ := newTestTool(t, "")
	for _, name := range []string{"zeta", "alpha", "alpha", "zeta"} {
		require.NoError(t, am.Handle(types.KernelLaunch{Name: name}))
	}
	assert.Equal(t, []Invocation{{Name: "zeta", Count: 2}, {Name: "alpha", Count: 2}}, am.Invocations())
}

func TestReportSections(t *testing.T) {
	am, fs := newTestTool(t, "")

	require.NoError(t, am.Handle(types.MemAlloc{Address: 4096, Size: 2048, Class: types.AllocDevice}))
	require.NoError(t, am.Handle(types.MemAlloc{Address: 8192, Size: 1024, Class: types.AllocHost}))
	require.NoError(t, am.Handle(types.MemFree{Address: 4096}))
	require.NoError(t, am.Handle(types.KernelLaunch{Name: "a"}))
	require.NoError(t, am.Analyze(trackerBuf(4), 1))
	require.NoError(t, am.Handle(types.KernelLaunch{Name: "b"}))
	require.NoError(t, am.Analyze(trackerBuf(9), 1))
	require.NoError(t, am.Flush())

	lines := readReport(t, fs, "out/metrics_2024-05-01_12-00-00.log")
	assert.Equal(t, "Alloc(0) 0:\t4096 2048 (2.0 KiB)", lines[0])
	assert.Equal(t, "Alloc(1) 1:\t8192 1024 (1.0 KiB)", lines[1])
	assert.Contains(t, lines, "Number of allocations: 2")
	assert.Contains(t, lines, "Number of kernels: 2")
	assert.Contains(t, lines, "Maximum memory usage: 3072B (3.0 KiB)")
	assert.Contains(t, lines, "Maximum memory accesses kernel: b")
	assert.Contains(t, lines, "Maximum memory accesses per kernel: 9 (9)")
	assert.Contains(t, lines, "Average memory accesses per kernel: 6 (6)")
	assert.Contains(t, lines, "Total memory accesses: 13 (13)")
}

func TestFlushWithoutKernels(t *testing.T) {
	_, err := AverageAccesses(5, 0)
	require.ErrorIs(t, err, types.ErrDivisionByZero)

	am, fs := newTestTool(t, "")
	require.NoError(t, am.Flush())

	lines := readReport(t, fs, "out/metrics_2024-05-01_12-00-00.log")
	assert.Contains(t, lines, "Average memory accesses per kernel: n/a")
}

func TestFlushFailureIsReported(t *testing.T) {
	am, _ := newTestTool(t, "")
	am.fs = afero.NewReadOnlyFs(afero.NewMemMapFs())

	require.Error(t, am.Flush())
}
