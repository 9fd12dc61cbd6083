package types

import "fmt"

type EventKind uint8

const (
	EVENT_KERNEL_LAUNCH EventKind = 0
	EVENT_KERNEL_END    EventKind = 1
	EVENT_MEM_ALLOC     EventKind = 2
	EVENT_MEM_FREE      EventKind = 3
	EVENT_MEM_COPY      EventKind = 4
	EVENT_MEM_SET       EventKind = 5
	EVENT_TEN_ALLOC     EventKind = 6
	EVENT_TEN_FREE      EventKind = 7
)

func (k EventKind) String() string {
	switch k {
	case EVENT_KERNEL_LAUNCH:
		return "KernelLaunch"
	case EVENT_KERNEL_END:
		return "KernelEnd"
	case EVENT_MEM_ALLOC:
		return "MemAlloc"
	case EVENT_MEM_FREE:
		return "MemFree"
	case EVENT_MEM_COPY:
		return "MemCopy"
	case EVENT_MEM_SET:
		return "MemSet"
	case EVENT_TEN_ALLOC:
		return "TensorAlloc"
	case EVENT_TEN_FREE:
		return "TensorFree"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is the closed set of execution events. Only the variants declared in
// this file implement it.
type Event interface {
	Kind() EventKind
	Timestamp() uint64
	sealed()
}

// Header is shared by every event. Time is the submission clock value.
type Header struct {
	Time uint64
}

func (h Header) Timestamp() uint64 { return h.Time }

func (Header) sealed() {}

type KernelLaunch struct {
	Header
	Name string
}

func (KernelLaunch) Kind() EventKind { return EVENT_KERNEL_LAUNCH }

type KernelEnd struct {
	Header
	Name string
}

func (KernelEnd) Kind() EventKind { return EVENT_KERNEL_END }

type MemAlloc struct {
	Header
	Address uint64
	Size    uint64
	Class   AllocType
}

func (MemAlloc) Kind() EventKind { return EVENT_MEM_ALLOC }

// MemFree carries the size the host reported, if any. The registry entry is
// authoritative and Size is never used for accounting.
type MemFree struct {
	Header
	Address uint64
	Size    uint64
}

func (MemFree) Kind() EventKind { return EVENT_MEM_FREE }

type MemCopy struct {
	Header
	Src       uint64
	Dst       uint64
	Size      uint64
	Async     bool
	Direction CopyDirection
}

func (MemCopy) Kind() EventKind { return EVENT_MEM_COPY }

type MemSet struct {
	Header
	Address uint64
	Size    uint64
	Value   uint8
	Async   bool
}

func (MemSet) Kind() EventKind { return EVENT_MEM_SET }

// TensorAlloc is reported by the framework caching allocator. TotalAllocated
// and TotalReserved are the allocator totals after the call.
type TensorAlloc struct {
	Header
	Address        uint64
	Size           uint64
	TotalAllocated int64
	TotalReserved  int64
}

func (TensorAlloc) Kind() EventKind { return EVENT_TEN_ALLOC }

type TensorFree struct {
	Header
	Address        uint64
	Size           uint64
	TotalAllocated int64
	TotalReserved  int64
}

func (TensorFree) Kind() EventKind { return EVENT_TEN_FREE }
