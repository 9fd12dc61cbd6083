package memtrace

import (
	"strings"
	"testing"
	"time"

	"github.com/ALEYI17/InfraSight_sanalyzer/internal/config"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/gpupatch"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTool(t *testing.T) (*MemTrace, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	cfg := config.Default()
	cfg.OutputDir = "out"
	cfg.AppName = "llama"
	mt := New(cfg, fs)
	mt.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return mt, fs
}

func warp(warpID uint32, flags uint32, lanes map[int]uint64) []byte {
	var acc gpupatch.MemoryAccess
	acc.WarpID = warpID
	acc.Flags = flags
	acc.AccessSize = 4
	for lane, addr := range lanes {
		acc.Addresses[lane] = addr
	}
	return gpupatch.EncodeAccesses([]gpupatch.MemoryAccess{acc})
}

func readLines(t *testing.T, fs afero.Fs, path string) []string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestKernelTraceFile(t *testing.T) {
	mt, fs := newTestTool(t)

	require.NoError(t, mt.Handle(types.MemAlloc{Address: 0x2000, Size: 4096}))
	require.NoError(t, mt.Handle(types.TensorAlloc{Address: 0x2000, Size: 512}))
	require.NoError(t, mt.Handle(types.KernelLaunch{Name: "vecAdd"}))
	require.NoError(t, mt.Analyze(warp(1, gpupatch.FLAG_READ, map[int]uint64{0: 0x2000, 3: 0x200c}), 1))
	assert.Equal(t, 2, mt.Buffered())
	require.NoError(t, mt.Handle(types.KernelEnd{Name: "vecAdd"}))
	assert.Equal(t, 0, mt.Buffered())

	assert.Equal(t, "out/traces_llama_2024-01-02_03-04-05", mt.Folder())
	got := readLines(t, fs, mt.Folder()+"/kernel_0.txt")
	want := []string{
		"2 8192 4 4 1 32",
		"2 8204 4 5 1 35",
		"ALLOCATION: 8192 4096",
		"TENSOR: 8192 512",
		"KERNEL: 2 3",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("trace diff (-want +got):\n%s", diff)
	}
}

func TestEachKernelGetsItsOwnFile(t *testing.T) {
	mt, fs := newTestTool(t)

	require.NoError(t, mt.Handle(types.KernelLaunch{Name: "a"}))
	require.NoError(t, mt.Analyze(warp(0, gpupatch.FLAG_WRITE, map[int]uint64{1: 0x5000}), 1))
	require.NoError(t, mt.Handle(types.KernelEnd{Name: "a"}))

	require.NoError(t, mt.Handle(types.MemAlloc{Address: 0x9000, Size: 16}))
	require.NoError(t, mt.Handle(types.KernelLaunch{Name: "b"}))
	require.NoError(t, mt.Handle(types.KernelEnd{Name: "b"}))

	first := readLines(t, fs, mt.Folder()+"/kernel_0.txt")
	require.Len(t, first, 2)
	assert.True(t, strings.HasPrefix(first[0], "5 20480 4 "))

	second := readLines(t, fs, mt.Folder()+"/kernel_1.txt")
	assert.Equal(t, []string{"ALLOCATION: 36864 16", second[1]}, second)
	assert.True(t, strings.HasPrefix(second[1], "KERNEL: "))
}

func TestFreedAllocationsLeaveTrace(t *testing.T) {
	mt, fs := newTestTool(t)

	require.NoError(t, mt.Handle(types.MemAlloc{Address: 0x1000, Size: 8}))
	require.NoError(t, mt.Handle(types.MemAlloc{Address: 0x3000, Size: 8}))
	require.NoError(t, mt.Handle(types.MemFree{Address: 0x1000}))
	require.NoError(t, mt.Handle(types.KernelLaunch{Name: "k"}))
	require.NoError(t, mt.Handle(types.KernelEnd{Name: "k"}))

	lines := readLines(t, fs, mt.Folder()+"/kernel_0.txt")
	assert.Equal(t, "ALLOCATION: 12288 8", lines[0])
	assert.Len(t, lines, 2)
}

func TestStateViolations(t *testing.T) {
	mt, _ := newTestTool(t)

	require.ErrorIs(t, mt.Analyze(warp(0, 0, map[int]uint64{0: 1}), 1), types.ErrPreconditionViolation)
	require.ErrorIs(t, mt.Handle(types.KernelEnd{Name: "x"}), types.ErrPreconditionViolation)
	require.ErrorIs(t, mt.Handle(types.TensorFree{Address: 0x10}), types.ErrUnknownAddress)
	require.NoError(t, mt.Handle(types.MemFree{Address: 0}))
	require.NoError(t, mt.Flush())
	assert.Empty(t, mt.Folder())
}

func TestFolderFailureIsReported(t *testing.T) {
	mt, _ := newTestTool(t)
	mt.fs = afero.NewReadOnlyFs(afero.NewMemMapFs())

	require.NoError(t, mt.Handle(types.KernelLaunch{Name: "k"}))
	require.Error(t, mt.Handle(types.KernelEnd{Name: "k"}))

	// the kernel is closed regardless
	require.ErrorIs(t, mt.Handle(types.KernelEnd{Name: "k"}), types.ErrPreconditionViolation)
}
