package types

// Tool names accepted in YOSEMITE_TOOL_NAME.
const (
	ToolCodeCheck   = "code_check"
	ToolAppMetric   = "app_metric"
	ToolMemTrace    = "mem_trace"
	ToolHotAnalysis = "hot_analysis"
)

// ToolNames lists every engine in the order they are documented.
var ToolNames = []string{ToolCodeCheck, ToolAppMetric, ToolMemTrace, ToolHotAnalysis}

// Result is the status code returned to the instrumentation host.
type Result uint32

const (
	Success        Result = 0
	Error          Result = 1
	NotImplemented Result = 2
	MemFreeZero    Result = 3
)

func (r Result) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case Error:
		return "ERROR"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	case MemFreeZero:
		return "CUDA_MEMFREE_ZERO"
	default:
		return "UNKNOWN"
	}
}

// AllocType is the memory class of a raw allocation.
type AllocType int32

const (
	AllocDevice  AllocType = 0
	AllocHost    AllocType = 1
	AllocManaged AllocType = 2
)

func (a AllocType) String() string {
	switch a {
	case AllocDevice:
		return "device"
	case AllocHost:
		return "host"
	case AllocManaged:
		return "managed"
	default:
		return "unknown"
	}
}

// AllocTypes is the set of raw classes that get their own counters.
var AllocTypes = []AllocType{AllocDevice, AllocHost, AllocManaged}

// CopyDirection follows the numbering of cudaMemcpyKind.
type CopyDirection uint32

const (
	DIR_H2H     CopyDirection = 0
	DIR_H2D     CopyDirection = 1
	DIR_D2H     CopyDirection = 2
	DIR_D2D     CopyDirection = 3
	DIR_UNKNOWN CopyDirection = 4
)

// CopyDirections lists the known directions, Unknown last.
var CopyDirections = []CopyDirection{DIR_H2H, DIR_H2D, DIR_D2H, DIR_D2D, DIR_UNKNOWN}

func (d CopyDirection) String() string {
	switch d {
	case DIR_H2H:
		return "H2H"
	case DIR_H2D:
		return "H2D"
	case DIR_D2H:
		return "D2H"
	case DIR_D2D:
		return "D2D"
	default:
		return "Unknown"
	}
}

// Normalize maps any out-of-range value to DIR_UNKNOWN.
func (d CopyDirection) Normalize() CopyDirection {
	if d > DIR_UNKNOWN {
		return DIR_UNKNOWN
	}
	return d
}

// Range is a half-open byte interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len is the byte length of r, zero when End is not past Start.
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Less orders ranges by (Start, End).
func (r Range) Less(o Range) bool {
	if r.Start != o.Start {
		return r.Start < o.Start
	}
	return r.End < o.End
}

// Contains reports whether o lies entirely within r.
func (r Range) Contains(o Range) bool {
	return o.Start >= r.Start && o.End <= r.End
}
