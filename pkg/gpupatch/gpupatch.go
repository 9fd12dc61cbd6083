// Package gpupatch describes the records the device-side patches write into
// the access buffer handed to GPUDataAnalysis. All layouts are little endian
// with no padding.
package gpupatch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	GPU_WARP_SIZE = 32
	// PAGE_SHIFT converts an address to its 4 KiB page number.
	PAGE_SHIFT = 12
)

// Access flags as reported by the sanitizer.
const (
	FLAG_READ  = 0x1
	FLAG_WRITE = 0x2
)

type MemoryType uint32

const (
	MemoryGlobal MemoryType = 0
	MemoryShared MemoryType = 1
	MemoryLocal  MemoryType = 2
)

func (t MemoryType) String() string {
	switch t {
	case MemoryShared:
		return "shared"
	case MemoryLocal:
		return "local"
	default:
		return "global"
	}
}

// MemoryAccess is one warp-wide memory instruction. Inactive lanes carry a
// zero address.
type MemoryAccess struct {
	Addresses  [GPU_WARP_SIZE]uint64
	AccessSize uint32
	Flags      uint32
	Type       MemoryType
	WarpID     uint32
}

// MemoryAccessTracker is the per-kernel summary written by the app metric patch.
type MemoryAccessTracker struct {
	AccessCount uint64
}

// RangeTouch is one entry of the hot analysis patch state: the touch count of
// a queried range during the last kernel.
type RangeTouch struct {
	Start uint64
	End   uint64
	Touch uint64
}

var ErrShortBuffer = errors.New("access buffer shorter than record count")

// FlagsString renders access flags the way the sanitizer names them.
func FlagsString(flags uint32) string {
	isRead := flags&FLAG_READ != 0
	isWrite := flags&FLAG_WRITE != 0
	switch {
	case isRead && isWrite:
		return "Atomic"
	case isRead:
		return "Read"
	case isWrite:
		return "Write"
	default:
		return "Unknown"
	}
}

func decode[T any](buf []byte, count uint64) ([]T, error) {
	var zero T
	size := uint64(binary.Size(zero))
	if count == 0 {
		return nil, nil
	}
	if uint64(len(buf))/size < count {
		return nil, fmt.Errorf("%w: need %d records of %d bytes, have %d bytes", ErrShortBuffer, count, size, len(buf))
	}
	out := make([]T, count)
	if err := binary.Read(bytes.NewReader(buf[:count*size]), binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}

func encode[T any](records []T) []byte {
	var buf bytes.Buffer
	// binary.Write only fails on non fixed-size data, which T never is.
	_ = binary.Write(&buf, binary.LittleEndian, records)
	return buf.Bytes()
}

func DecodeAccesses(buf []byte, count uint64) ([]MemoryAccess, error) {
	return decode[MemoryAccess](buf, count)
}

func DecodeTrackers(buf []byte, count uint64) ([]MemoryAccessTracker, error) {
	return decode[MemoryAccessTracker](buf, count)
}

func DecodeRangeTouches(buf []byte, count uint64) ([]RangeTouch, error) {
	return decode[RangeTouch](buf, count)
}

func EncodeAccesses(records []MemoryAccess) []byte {
	return encode(records)
}

func EncodeTrackers(records []MemoryAccessTracker) []byte {
	return encode(records)
}

func EncodeRangeTouches(records []RangeTouch) []byte {
	return encode(records)
}
