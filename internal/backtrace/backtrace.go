// Package backtrace provides the default frame capturer and hasher used by
// the diagnostics engine when the host does not supply its own.
package backtrace

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"github.com/twmb/murmur3"
)

// MaxFrames bounds the captured call stack.
const MaxFrames = 32

// Capturer records the Go call stack of the host call. It has no view into
// framework-language frames, so SourceFrames is always empty.
type Capturer struct {
	// Skip drops frames belonging to the capture path itself.
	Skip int
}

var _ types.FrameCapturer = Capturer{}

func (c Capturer) Backtrace() []string {
	pcs := make([]uintptr, MaxFrames)
	n := runtime.Callers(2+c.Skip, pcs)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	var out []string
	for {
		f, more := frames.Next()
		out = append(out, fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line))
		if !more {
			break
		}
	}
	return out
}

func (Capturer) SourceFrames() []string {
	return nil
}

// Hash keys a copy site by its backtrace and source frames. Frames are joined
// with a separator that cannot appear in a frame, and the two sequences are
// separated so that moving a frame between them changes the hash.
func Hash(backtrace, source []string) uint64 {
	var b strings.Builder
	for _, f := range backtrace {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	b.WriteByte(0)
	for _, f := range source {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	return murmur3.StringSum64(b.String())
}

var _ types.FrameHasher = Hash
