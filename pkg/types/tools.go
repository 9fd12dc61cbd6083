package types

// Tool is one analysis engine. Every call is synchronous and the engine owns
// all of its state; the caller serializes calls.
type Tool interface {
	Name() string
	Handle(ev Event) error
	// Analyze consumes a device access buffer holding count records in the
	// layout the engine's patch produces.
	Analyze(buf []byte, count uint64) error
	// QueryRanges fills out with the engine's active ranges and returns the
	// true number of ranges, which may exceed len(out).
	QueryRanges(out []Range) (int, error)
	Flush() error
}

// FrameCapturer captures the call stack of the current host call and the
// frames of the framework language running above it.
type FrameCapturer interface {
	Backtrace() []string
	SourceFrames() []string
}

// FrameHasher hashes a captured backtrace and source frames into a site key.
type FrameHasher func(backtrace, source []string) uint64
