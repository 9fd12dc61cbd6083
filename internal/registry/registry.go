// Package registry tracks live allocations by address. Each engine owns its
// own registries; they never share state.
package registry

import (
	"fmt"
	"math"
	"sort"

	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"golang.org/x/exp/maps"
)

// Record is a live allocation. Order is the owning engine's clock value at
// the time the allocation was registered.
type Record struct {
	Address uint64
	Size    uint64
	Class   types.AllocType
	Order   uint64
}

// End is the exclusive end address, saturated at the top of the address space.
func (r Record) End() uint64 {
	if r.Size > math.MaxUint64-r.Address {
		return math.MaxUint64
	}
	return r.Address + r.Size
}

func (r Record) Range() types.Range {
	return types.Range{Start: r.Address, End: r.End()}
}

// Registry maps addresses to live records and keeps the byte usage of live
// records plus its high-water mark.
type Registry struct {
	live  map[uint64]Record
	usage uint64
	peak  uint64
}

func New() *Registry {
	return &Registry{live: make(map[uint64]Record)}
}

// Add registers rec. A record already live at the same address is replaced
// and replaced is true; usage stays equal to the sum of live sizes.
func (r *Registry) Add(rec Record) (replaced bool) {
	if old, ok := r.live[rec.Address]; ok {
		r.usage -= old.Size
		replaced = true
	}
	r.live[rec.Address] = rec
	r.usage += rec.Size
	if r.usage > r.peak {
		r.peak = r.usage
	}
	return replaced
}

// Remove drops the record at addr. Address 0 yields ErrNullAddress and an
// address that is not live yields ErrUnknownAddress; neither changes usage.
func (r *Registry) Remove(addr uint64) (Record, error) {
	if addr == 0 {
		return Record{}, types.ErrNullAddress
	}
	rec, ok := r.live[addr]
	if !ok {
		return Record{}, fmt.Errorf("%w: 0x%x", types.ErrUnknownAddress, addr)
	}
	delete(r.live, addr)
	r.usage -= rec.Size
	return rec, nil
}

func (r *Registry) Get(addr uint64) (Record, bool) {
	rec, ok := r.live[addr]
	return rec, ok
}

// Live returns the live records in address order.
func (r *Registry) Live() []Record {
	addrs := maps.Keys(r.live)
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	out := make([]Record, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, r.live[a])
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.live)
}

// Usage is the total size of live records.
func (r *Registry) Usage() uint64 {
	return r.usage
}

// Peak is the maximum Usage ever observed.
func (r *Registry) Peak() uint64 {
	return r.peak
}
