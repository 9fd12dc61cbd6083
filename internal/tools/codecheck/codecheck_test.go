package codecheck

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ALEYI17/InfraSight_sanalyzer/internal/backtrace"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/config"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCapturer struct {
	frames []string
	source []string
}

func (f *fakeCapturer) Backtrace() []string    { return f.frames }
func (f *fakeCapturer) SourceFrames() []string { return f.source }

func newTestTool(t *testing.T, opts ...Option) (*CodeCheck, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	cc, err := New(config.Default(), append([]Option{WithOutput(&out)}, opts...)...)
	require.NoError(t, err)
	return cc, &out
}

func TestCopyCountersByDirection(t *testing.T) {
	cc, _ := newTestTool(t)

	events := []types.Event{
		types.MemCopy{Src: 1, Dst: 2, Size: 100, Direction: types.DIR_H2D},
		types.MemCopy{Src: 1, Dst: 2, Size: 50, Direction: types.DIR_H2D},
		types.MemCopy{Src: 1, Dst: 2, Size: 8, Direction: types.DIR_D2H, Async: true},
		types.MemCopy{Src: 1, Dst: 2, Size: 1, Direction: types.CopyDirection(42)},
		types.MemSet{Address: 0x10, Size: 256, Value: 0xff},
	}
	for _, ev := range events {
		require.NoError(t, cc.Handle(ev))
	}

	s := cc.Stats()
	assert.Equal(t, Counter{Count: 2, Bytes: 150}, s.Copies[types.DIR_H2D])
	assert.Equal(t, Counter{Count: 1, Bytes: 8}, s.Copies[types.DIR_D2H])
	assert.Equal(t, Counter{Count: 1, Bytes: 1}, s.Copies[types.DIR_UNKNOWN])
	assert.Equal(t, Counter{}, s.Copies[types.DIR_D2D])
	assert.Equal(t, Counter{Count: 1, Bytes: 256}, s.Sets)
}

func TestAllocFreeByClass(t *testing.T) {
	cc, _ := newTestTool(t)

	require.NoError(t, cc.Handle(types.MemAlloc{Address: 0x1000, Size: 64, Class: types.AllocDevice}))
	require.NoError(t, cc.Handle(types.MemAlloc{Address: 0x2000, Size: 32, Class: types.AllocManaged}))
	require.NoError(t, cc.Handle(types.MemFree{Address: 0x2000, Size: 999}))
	require.NoError(t, cc.Handle(types.TensorAlloc{Address: 0x9000, Size: 16, TotalAllocated: 16, TotalReserved: 2048}))
	require.NoError(t, cc.Handle(types.TensorFree{Address: 0x9000, TotalAllocated: 0, TotalReserved: 2048}))

	s := cc.Stats()
	assert.Equal(t, Counter{Count: 1, Bytes: 64}, s.Allocs[types.AllocDevice])
	assert.Equal(t, Counter{Count: 1, Bytes: 32}, s.Allocs[types.AllocManaged])
	// the registry size wins over the size supplied with the free
	assert.Equal(t, Counter{Count: 1, Bytes: 32}, s.Frees[types.AllocManaged])
	assert.Equal(t, Counter{Count: 1, Bytes: 16}, s.TensorAllocs)
	assert.Equal(t, Counter{Count: 1, Bytes: 16}, s.TensorFrees)
	assert.Equal(t, int64(2048), s.TotalReserved)
}

func TestUnknownFrees(t *testing.T) {
	cc, _ := newTestTool(t)

	err := cc.Handle(types.MemFree{Address: 0x1234})
	require.True(t, errors.Is(err, types.ErrUnknownAddress))

	err = cc.Handle(types.TensorFree{Address: 0x1234})
	require.ErrorIs(t, err, types.ErrUnknownAddress)

	require.NoError(t, cc.Handle(types.MemFree{Address: 0}))
	assert.Empty(t, cc.Stats().Frees)
}

func TestCopySitesDeduplicate(t *testing.T) {
	capt := &fakeCapturer{frames: []string{"main.step a.go:10", "main.main a.go:3"}, source: []string{"train.py:7"}}
	cc, out := newTestTool(t, WithCapture(capt, backtrace.Hash))

	for i := 0; i < 3; i++ {
		require.NoError(t, cc.Handle(types.MemCopy{Size: 10, Direction: types.DIR_H2D}))
	}
	capt.frames = []string{"main.eval a.go:20"}
	require.NoError(t, cc.Handle(types.MemCopy{Size: 1, Direction: types.DIR_D2H}))

	sites := cc.Sites()
	require.Len(t, sites, 2)
	assert.Equal(t, Counter{Count: 3, Bytes: 30}, sites[0].Copies)
	assert.Equal(t, []string{"train.py:7"}, sites[0].Source)
	assert.Equal(t, Counter{Count: 1, Bytes: 1}, sites[1].Copies)

	require.NoError(t, cc.Flush())
	assert.Contains(t, out.String(), "Copy sites: 2 (evicted 0)")
	assert.Contains(t, out.String(), "\tmain.eval a.go:20\n")
}

func TestCopySiteCacheIsBounded(t *testing.T) {
	cfg := config.Default()
	cfg.CopySiteCacheSize = 2
	capt := &fakeCapturer{}
	cc, err := New(cfg, WithOutput(&bytes.Buffer{}), WithCapture(capt, backtrace.Hash))
	require.NoError(t, err)

	for _, f := range []string{"a", "b", "c"} {
		capt.frames = []string{f}
		require.NoError(t, cc.Handle(types.MemCopy{Size: 1}))
	}
	assert.Len(t, cc.Sites(), 2)
	assert.Equal(t, uint64(1), cc.evicted)
}

func TestFlushPrintsEveryFamily(t *testing.T) {
	cc, out := newTestTool(t)
	require.NoError(t, cc.Handle(types.KernelLaunch{Name: "k"}))
	require.NoError(t, cc.Handle(types.MemCopy{Size: 4096, Direction: types.DIR_D2D}))
	require.NoError(t, cc.Flush())

	report := out.String()
	for _, label := range []string{
		"Kernels launched: 1",
		"MemCopy H2H:", "MemCopy H2D:", "MemCopy D2H:", "MemCopy D2D:", "MemCopy Unknown:",
		"MemSet:", "Alloc device:", "Free host:", "Alloc managed:", "TensorAlloc:", "TensorFree:",
	} {
		assert.Contains(t, report, label)
	}
	assert.Contains(t, report, "count=1 bytes=4096 (4.0 KiB)")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestFlushWriteError(t *testing.T) {
	cc, err := New(config.Default(), WithOutput(failingWriter{}))
	require.NoError(t, err)
	require.ErrorContains(t, cc.Flush(), "broken pipe")
}

func TestInvalidCacheSize(t *testing.T) {
	cfg := config.Default()
	cfg.CopySiteCacheSize = 0
	_, err := New(cfg)
	require.Error(t, err)
}
