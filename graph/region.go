// ABOUTME: Fixed-size heap regions owning a marking bitmap and live-byte counter
// ABOUTME: Regions also keep the slots recorded for evacuation candidates

package graph

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prateek/concmark/bitmap"
)

const (
	// RegionShift is log2 of the region size
	RegionShift = 16

	// RegionSize is the size of one region in bytes
	RegionSize = 1 << RegionShift

	// RegionWords is the number of words (and mark bits) per region
	RegionWords = RegionSize / WordSize
)

// Slot identifies one pointer slot of a host object
type Slot struct {
	Host  ObjID
	Index int
}

// Region is a contiguous page of heap memory
type Region struct {
	Index  int
	Start  ObjID
	End    ObjID
	Bitmap *bitmap.Bitmap

	objects             []atomic.Pointer[Object]
	top                 atomic.Uint64 // bump offset, advanced by the owning graph
	evacuationCandidate atomic.Bool

	// mu guards the aggregate counters below.
	mu        sync.Mutex
	liveBytes int64
	slots     map[Slot]struct{}
}

func newRegion(index int) *Region {
	start := ObjID(uint64(index+1) << RegionShift)
	return &Region{
		Index:   index,
		Start:   start,
		End:     start + RegionSize,
		Bitmap:  bitmap.New(RegionWords),
		objects: make([]atomic.Pointer[Object], RegionWords),
		slots:   make(map[Slot]struct{}),
	}
}

// Contains reports whether id lies inside the region
func (r *Region) Contains(id ObjID) bool {
	return id >= r.Start && id < r.End
}

// MarkBitIndex returns the bitmap index of the word at id
func (r *Region) MarkBitIndex(id ObjID) uint32 {
	return uint32((id - r.Start) / WordSize)
}

// MarkBit returns the first mark bit of the object at id
func (r *Region) MarkBit(id ObjID) bitmap.MarkBit {
	return r.Bitmap.MarkBitFromIndex(r.MarkBitIndex(id))
}

// ObjectAt returns the object starting at id, or nil
func (r *Region) ObjectAt(id ObjID) *Object {
	if !r.Contains(id) || (id-r.Start)%WordSize != 0 {
		return nil
	}
	return r.objects[r.MarkBitIndex(id)].Load()
}

// LiveBytes returns the bytes recorded live for the region
func (r *Region) LiveBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveBytes
}

// SetLiveBytes overwrites the live-byte counter
func (r *Region) SetLiveBytes(v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveBytes = v
}

// IncrementLiveBytes adds by to the live-byte counter
func (r *Region) IncrementLiveBytes(by int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveBytes += by
}

// SetEvacuationCandidate flags the region for compaction
func (r *Region) SetEvacuationCandidate(v bool) {
	r.evacuationCandidate.Store(v)
}

// IsEvacuationCandidate reports whether the region will be compacted
func (r *Region) IsEvacuationCandidate() bool {
	return r.evacuationCandidate.Load()
}

// RecordSlot remembers a slot of an object in this region that points
// into an evacuation candidate
func (r *Region) RecordSlot(host ObjID, index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[Slot{Host: host, Index: index}] = struct{}{}
}

// RecordedSlots returns the recorded slots ordered by address
func (r *Region) RecordedSlots() []Slot {
	r.mu.Lock()
	out := make([]Slot, 0, len(r.slots))
	for s := range r.slots {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// ForgetSlots drops every recorded slot of host
func (r *Region) ForgetSlots(host ObjID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.slots {
		if s.Host == host {
			delete(r.slots, s)
		}
	}
}

// ClearRecordedSlots forgets every recorded slot
func (r *Region) ClearRecordedSlots() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = make(map[Slot]struct{})
}

// Allocated returns the number of bytes handed out from the region
func (r *Region) Allocated() uint64 {
	return r.top.Load()
}
