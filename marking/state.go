// ABOUTME: Marking state combining the region bitmaps with a live-bytes counter
// ABOUTME: Every color transition of the marker goes through State

package marking

import (
	"fmt"

	"github.com/prateek/concmark/bitmap"
	"github.com/prateek/concmark/graph"
)

// LiveBytesCounter receives the bytes of objects turning black
type LiveBytesCounter interface {
	IncrementLiveBytes(r *graph.Region, by int64)
}

// RegionCounter adds straight into the region's own counter under the
// region mutex. It is the authoritative counter of the main thread.
type RegionCounter struct{}

// IncrementLiveBytes adds by to the region counter
func (RegionCounter) IncrementLiveBytes(r *graph.Region, by int64) {
	r.IncrementLiveBytes(by)
}

// LiveBytesMap is the private counter of one background task. It is not
// synchronized; the owning task is the only writer while it runs.
type LiveBytesMap map[*graph.Region]int64

// IncrementLiveBytes adds by to the entry of r
func (m LiveBytesMap) IncrementLiveBytes(r *graph.Region, by int64) {
	m[r] += by
}

// State performs color transitions on objects of one graph and accounts
// the bytes of objects that become black
type State struct {
	g    graph.Graph
	live LiveBytesCounter
}

// NewState creates a marking state counting into live
func NewState(g graph.Graph, live LiveBytesCounter) *State {
	return &State{g: g, live: live}
}

func (s *State) region(obj *graph.Object) *graph.Region {
	r := s.g.RegionOf(obj.ID)
	if r == nil {
		panic(fmt.Sprintf("marking: object %#x lies outside the heap", uint64(obj.ID)))
	}
	return r
}

func (s *State) markBit(obj *graph.Object) bitmap.MarkBit {
	return s.region(obj).MarkBit(obj.ID)
}

// WhiteToGrey returns true for exactly one caller per object and cycle
func (s *State) WhiteToGrey(obj *graph.Object) bool {
	return bitmap.WhiteToGrey(s.markBit(obj))
}

// GreyToBlack returns true if the caller turned the object black, in
// which case its size is added to the live bytes of its region
func (s *State) GreyToBlack(obj *graph.Object) bool {
	r := s.region(obj)
	if !bitmap.GreyToBlack(r.MarkBit(obj.ID)) {
		return false
	}
	s.live.IncrementLiveBytes(r, int64(obj.Size))
	return true
}

// BlackToGrey turns a black object grey again and takes its size back
func (s *State) BlackToGrey(obj *graph.Object) bool {
	r := s.region(obj)
	if !bitmap.BlackToGrey(r.MarkBit(obj.ID)) {
		return false
	}
	s.live.IncrementLiveBytes(r, -int64(obj.Size))
	return true
}

// WhiteToBlack marks a white object black in one go
func (s *State) WhiteToBlack(obj *graph.Object) bool {
	return s.WhiteToGrey(obj) && s.GreyToBlack(obj)
}

// Color reads the current color. The read is not synchronized with
// concurrent transitions.
func (s *State) Color(obj *graph.Object) bitmap.Color {
	return bitmap.ColorOf(s.markBit(obj))
}

// IsWhite reports whether the object is undiscovered
func (s *State) IsWhite(obj *graph.Object) bool { return bitmap.IsWhite(s.markBit(obj)) }

// IsGrey reports whether the object is discovered but not scanned
func (s *State) IsGrey(obj *graph.Object) bool { return bitmap.IsGrey(s.markBit(obj)) }

// IsBlack reports whether the object has been scanned
func (s *State) IsBlack(obj *graph.Object) bool { return bitmap.IsBlack(s.markBit(obj)) }

// IsBlackOrGrey reports whether the object has been discovered
func (s *State) IsBlackOrGrey(obj *graph.Object) bool {
	return bitmap.IsBlackOrGrey(s.markBit(obj))
}

// ClearLiveness resets every mark bit of the region and zeroes its
// live-byte counter
func (s *State) ClearLiveness(r *graph.Region) {
	r.Bitmap.Clear()
	r.SetLiveBytes(0)
}

// ClearColor turns the object white without touching any counter
func (s *State) ClearColor(obj *graph.Object) {
	bitmap.ClearColor(s.markBit(obj))
}

// TransferColor gives to the color of from. A black source makes the
// destination black, counting its size. Returns true if to changed.
func (s *State) TransferColor(from, to *graph.Object) bool {
	switch s.Color(from) {
	case bitmap.Black:
		return s.WhiteToBlack(to)
	case bitmap.Grey:
		return s.WhiteToGrey(to)
	}
	return false
}
