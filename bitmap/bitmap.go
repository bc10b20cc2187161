// ABOUTME: Per-region marking bitmap with atomic two-bit color encoding
// ABOUTME: Provides the white/grey/black transitions used by concurrent markers

package bitmap

import (
	"math/bits"
	"sync/atomic"
)

// BitsPerCell is the number of mark bits stored in one bitmap cell
const BitsPerCell = 32

// Color is the tri-color state of an object
type Color uint8

const (
	White      Color = iota // not yet discovered
	Grey                    // discovered, not yet scanned
	Black                   // discovered and scanned
	Impossible              // second bit set without the first
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Grey:
		return "grey"
	case Black:
		return "black"
	default:
		return "impossible"
	}
}

// Bitmap holds one mark bit per heap word of a region.
// An object's color lives in the two bits starting at its first word:
// 00 white, 10 grey, 11 black. Objects span at least two words so the
// encodings of neighbouring objects never overlap.
type Bitmap struct {
	cells []atomic.Uint32
}

// New creates a bitmap with room for the given number of mark bits
func New(numBits int) *Bitmap {
	// One spare bit so the second bit of the last word is addressable.
	n := (numBits + 1 + BitsPerCell - 1) / BitsPerCell
	return &Bitmap{cells: make([]atomic.Uint32, n)}
}

// Len returns the number of addressable mark bits
func (b *Bitmap) Len() int {
	return len(b.cells) * BitsPerCell
}

// MarkBitFromIndex returns the mark bit at the given word index
func (b *Bitmap) MarkBitFromIndex(index uint32) MarkBit {
	return MarkBit{
		bitmap: b,
		cell:   index / BitsPerCell,
		mask:   1 << (index % BitsPerCell),
	}
}

// Clear resets every bit to white. Callers must ensure no marker is
// running on the region.
func (b *Bitmap) Clear() {
	for i := range b.cells {
		b.cells[i].Store(0)
	}
}

// IsClean reports whether every bit is clear
func (b *Bitmap) IsClean() bool {
	for i := range b.cells {
		if b.cells[i].Load() != 0 {
			return false
		}
	}
	return true
}

// CountSetBits returns the number of set mark bits
func (b *Bitmap) CountSetBits() int {
	n := 0
	for i := range b.cells {
		n += bits.OnesCount32(b.cells[i].Load())
	}
	return n
}

// MarkBit addresses a single bit of a bitmap
type MarkBit struct {
	bitmap *Bitmap
	cell   uint32
	mask   uint32
}

// Next returns the bit following m, crossing into the next cell if needed
func (m MarkBit) Next() MarkBit {
	if m.mask == 1<<(BitsPerCell-1) {
		return MarkBit{bitmap: m.bitmap, cell: m.cell + 1, mask: 1}
	}
	return MarkBit{bitmap: m.bitmap, cell: m.cell, mask: m.mask << 1}
}

// Get reports whether the bit is set
func (m MarkBit) Get() bool {
	return m.bitmap.cells[m.cell].Load()&m.mask != 0
}

// Set atomically sets the bit. It returns false if the bit was already set.
func (m MarkBit) Set() bool {
	c := &m.bitmap.cells[m.cell]
	for {
		old := c.Load()
		if old&m.mask != 0 {
			return false
		}
		if c.CompareAndSwap(old, old|m.mask) {
			return true
		}
	}
}

// Clear atomically clears the bit. It returns false if the bit was already clear.
func (m MarkBit) Clear() bool {
	c := &m.bitmap.cells[m.cell]
	for {
		old := c.Load()
		if old&m.mask == 0 {
			return false
		}
		if c.CompareAndSwap(old, old&^m.mask) {
			return true
		}
	}
}

// WhiteToGrey attempts the white to grey transition. Exactly one caller
// wins per object per cycle; the winner is responsible for enqueuing it.
func WhiteToGrey(m MarkBit) bool {
	return m.Set()
}

// GreyToBlack attempts the grey to black transition. It returns false if
// the object is white or some other path already blackened it.
func GreyToBlack(m MarkBit) bool {
	return m.Get() && m.Next().Set()
}

// BlackToGrey reverts a black object to grey
func BlackToGrey(m MarkBit) bool {
	return m.Get() && m.Next().Clear()
}

// ClearColor resets both bits of an object to white.
// Only valid while no marker can observe the object.
func ClearColor(m MarkBit) {
	m.Clear()
	m.Next().Clear()
}

// ColorOf reads the color of the object starting at m. The two bits are
// loaded separately, so under concurrent marking the answer is only a
// hint and must not drive mutating decisions.
func ColorOf(m MarkBit) Color {
	first := m.Get()
	second := m.Next().Get()
	switch {
	case first && second:
		return Black
	case first:
		return Grey
	case second:
		return Impossible
	default:
		return White
	}
}

// IsWhite reports whether the object starting at m is white
func IsWhite(m MarkBit) bool { return !m.Get() }

// IsGrey reports whether the object starting at m is grey
func IsGrey(m MarkBit) bool { return m.Get() && !m.Next().Get() }

// IsBlack reports whether the object starting at m is black
func IsBlack(m MarkBit) bool { return m.Get() && m.Next().Get() }

// IsBlackOrGrey reports whether the object starting at m has been discovered
func IsBlackOrGrey(m MarkBit) bool { return m.Get() }
