// Package replay reads and writes recordings of host calls and drives an
// analyzer from them, standing in for the instrumentation host.
//
// A recording is a sequence of records. Each record is one kind byte followed
// by a fixed-size little-endian struct; access buffers carry their payload
// after the struct.
package replay

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"golang.org/x/sys/unix"
)

// Record kinds. Event kinds share their values with types.EventKind.
const (
	REC_KERNEL_LAUNCH = uint8(types.EVENT_KERNEL_LAUNCH)
	REC_KERNEL_END    = uint8(types.EVENT_KERNEL_END)
	REC_MEM_ALLOC     = uint8(types.EVENT_MEM_ALLOC)
	REC_MEM_FREE      = uint8(types.EVENT_MEM_FREE)
	REC_MEM_COPY      = uint8(types.EVENT_MEM_COPY)
	REC_MEM_SET       = uint8(types.EVENT_MEM_SET)
	REC_TEN_ALLOC     = uint8(types.EVENT_TEN_ALLOC)
	REC_TEN_FREE      = uint8(types.EVENT_TEN_FREE)
	REC_ACCESS_BUFFER = uint8(0x10)
	REC_QUERY_RANGES  = uint8(0x11)
)

const KERNEL_NAME_LEN = 256

// MaxAccessBuffer bounds the payload of a single access buffer record.
const MaxAccessBuffer = 1 << 30

// MaxQueryLimit bounds the range buffer a single range query may request.
const MaxQueryLimit = 1 << 20

var (
	ErrUnknownRecord  = errors.New("unknown record kind")
	ErrRecordTooLarge = errors.New("record exceeds size limit")
)

// AccessBuffer is a device access buffer of Count records.
type AccessBuffer struct {
	Count uint64
	Data  []byte
}

// RangeQuery asks for the active ranges with a buffer of Limit entries.
type RangeQuery struct {
	Limit uint32
}

type kernelRec struct {
	Name [KERNEL_NAME_LEN]byte
}

type allocRec struct {
	Address uint64
	Size    uint64
	Class   int32
}

type freeRec struct {
	Address uint64
	Size    uint64
}

type copyRec struct {
	Dst       uint64
	Src       uint64
	Size      uint64
	Direction uint32
	Async     uint8
}

type setRec struct {
	Dst   uint64
	Size  uint64
	Value uint8
	Async uint8
}

type tensorRec struct {
	Address        uint64
	Size           int64
	TotalAllocated int64
	TotalReserved  int64
}

type accessRec struct {
	Count  uint64
	Length uint64
}

type queryRec struct {
	Limit uint32
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func kernelName(name string) (rec kernelRec) {
	copy(rec.Name[:KERNEL_NAME_LEN-1], name)
	return rec
}

// Decoder reads records from a recording.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

func (d *Decoder) read(v any) error {
	if err := binary.Read(d.r, binary.LittleEndian, v); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// Next returns the next record: a types.Event, an AccessBuffer or a
// RangeQuery. It returns io.EOF at the end of a well-formed recording.
func (d *Decoder) Next() (any, error) {
	kind, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch kind {
	case REC_KERNEL_LAUNCH, REC_KERNEL_END:
		var e kernelRec
		if err := d.read(&e); err != nil {
			return nil, fmt.Errorf("parsing kernel record: %w", err)
		}
		name := unix.ByteSliceToString(e.Name[:])
		if kind == REC_KERNEL_LAUNCH {
			return types.KernelLaunch{Name: name}, nil
		}
		return types.KernelEnd{Name: name}, nil

	case REC_MEM_ALLOC:
		var e allocRec
		if err := d.read(&e); err != nil {
			return nil, fmt.Errorf("parsing alloc record: %w", err)
		}
		return types.MemAlloc{Address: e.Address, Size: e.Size, Class: types.AllocType(e.Class)}, nil

	case REC_MEM_FREE:
		var e freeRec
		if err := d.read(&e); err != nil {
			return nil, fmt.Errorf("parsing free record: %w", err)
		}
		return types.MemFree{Address: e.Address, Size: e.Size}, nil

	case REC_MEM_COPY:
		var e copyRec
		if err := d.read(&e); err != nil {
			return nil, fmt.Errorf("parsing memcpy record: %w", err)
		}
		return types.MemCopy{Src: e.Src, Dst: e.Dst, Size: e.Size, Async: e.Async != 0, Direction: types.CopyDirection(e.Direction)}, nil

	case REC_MEM_SET:
		var e setRec
		if err := d.read(&e); err != nil {
			return nil, fmt.Errorf("parsing memset record: %w", err)
		}
		return types.MemSet{Address: e.Dst, Size: e.Size, Value: e.Value, Async: e.Async != 0}, nil

	case REC_TEN_ALLOC, REC_TEN_FREE:
		var e tensorRec
		if err := d.read(&e); err != nil {
			return nil, fmt.Errorf("parsing tensor record: %w", err)
		}
		size := uint64(e.Size)
		if e.Size < 0 {
			size = uint64(-e.Size)
		}
		if kind == REC_TEN_ALLOC {
			return types.TensorAlloc{Address: e.Address, Size: size, TotalAllocated: e.TotalAllocated, TotalReserved: e.TotalReserved}, nil
		}
		return types.TensorFree{Address: e.Address, Size: size, TotalAllocated: e.TotalAllocated, TotalReserved: e.TotalReserved}, nil

	case REC_ACCESS_BUFFER:
		var e accessRec
		if err := d.read(&e); err != nil {
			return nil, fmt.Errorf("parsing access buffer record: %w", err)
		}
		if e.Length > MaxAccessBuffer {
			return nil, fmt.Errorf("%w: access buffer of %d bytes exceeds %d", ErrRecordTooLarge, e.Length, MaxAccessBuffer)
		}
		data := make([]byte, e.Length)
		if _, err := io.ReadFull(d.r, data); err != nil {
			return nil, fmt.Errorf("reading access buffer: %w", err)
		}
		return AccessBuffer{Count: e.Count, Data: data}, nil

	case REC_QUERY_RANGES:
		var e queryRec
		if err := d.read(&e); err != nil {
			return nil, fmt.Errorf("parsing range query record: %w", err)
		}
		if e.Limit > MaxQueryLimit {
			return nil, fmt.Errorf("%w: range query for %d ranges exceeds %d", ErrRecordTooLarge, e.Limit, MaxQueryLimit)
		}
		return RangeQuery{Limit: e.Limit}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownRecord, kind)
	}
}

// Encoder writes records in the format Decoder reads.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) write(kind uint8, v any) error {
	var buf bytes.Buffer
	buf.WriteByte(kind)
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return err
	}
	_, err := e.w.Write(buf.Bytes())
	return err
}

// Encode writes one record. Header timestamps are not recorded; the analyzer
// stamps events again on replay.
func (e *Encoder) Encode(rec any) error {
	switch r := rec.(type) {
	case types.KernelLaunch:
		return e.write(REC_KERNEL_LAUNCH, kernelName(r.Name))
	case types.KernelEnd:
		return e.write(REC_KERNEL_END, kernelName(r.Name))
	case types.MemAlloc:
		return e.write(REC_MEM_ALLOC, allocRec{Address: r.Address, Size: r.Size, Class: int32(r.Class)})
	case types.MemFree:
		return e.write(REC_MEM_FREE, freeRec{Address: r.Address, Size: r.Size})
	case types.MemCopy:
		return e.write(REC_MEM_COPY, copyRec{Dst: r.Dst, Src: r.Src, Size: r.Size, Direction: uint32(r.Direction), Async: boolByte(r.Async)})
	case types.MemSet:
		return e.write(REC_MEM_SET, setRec{Dst: r.Address, Size: r.Size, Value: r.Value, Async: boolByte(r.Async)})
	case types.TensorAlloc:
		return e.write(REC_TEN_ALLOC, tensorRec{Address: r.Address, Size: int64(r.Size), TotalAllocated: r.TotalAllocated, TotalReserved: r.TotalReserved})
	case types.TensorFree:
		return e.write(REC_TEN_FREE, tensorRec{Address: r.Address, Size: int64(r.Size), TotalAllocated: r.TotalAllocated, TotalReserved: r.TotalReserved})
	case AccessBuffer:
		if err := e.write(REC_ACCESS_BUFFER, accessRec{Count: r.Count, Length: uint64(len(r.Data))}); err != nil {
			return err
		}
		_, err := e.w.Write(r.Data)
		return err
	case RangeQuery:
		return e.write(REC_QUERY_RANGES, queryRec{Limit: r.Limit})
	default:
		return fmt.Errorf("%w: %T", ErrUnknownRecord, rec)
	}
}

func (e *Encoder) Flush() error {
	return e.w.Flush()
}
