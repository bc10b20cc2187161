// ABOUTME: Tests for the marking bitmap and color transitions
// ABOUTME: Covers cell boundaries and single-winner semantics under contention

package bitmap

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestColorTransitions(t *testing.T) {
	b := New(128)
	m := b.MarkBitFromIndex(10)

	if c := ColorOf(m); c != White {
		t.Errorf("Expected white, got %s", c)
	}
	if GreyToBlack(m) {
		t.Error("GreyToBlack should fail on a white object")
	}
	if !WhiteToGrey(m) {
		t.Fatal("WhiteToGrey should succeed on a white object")
	}
	if WhiteToGrey(m) {
		t.Error("WhiteToGrey should fail on a grey object")
	}
	if c := ColorOf(m); c != Grey {
		t.Errorf("Expected grey, got %s", c)
	}
	if !GreyToBlack(m) {
		t.Fatal("GreyToBlack should succeed on a grey object")
	}
	if GreyToBlack(m) {
		t.Error("GreyToBlack should fail on a black object")
	}
	if WhiteToGrey(m) {
		t.Error("WhiteToGrey should fail on a black object")
	}
	if c := ColorOf(m); c != Black {
		t.Errorf("Expected black, got %s", c)
	}
	if !BlackToGrey(m) {
		t.Fatal("BlackToGrey should succeed on a black object")
	}
	if !IsGrey(m) {
		t.Errorf("Expected grey after BlackToGrey, got %s", ColorOf(m))
	}
	ClearColor(m)
	if !IsWhite(m) {
		t.Errorf("Expected white after ClearColor, got %s", ColorOf(m))
	}
}

func TestCellBoundary(t *testing.T) {
	b := New(128)
	// The second bit of index 31 lives in the next cell.
	m := b.MarkBitFromIndex(BitsPerCell - 1)
	next := b.MarkBitFromIndex(BitsPerCell)

	WhiteToGrey(m)
	if !GreyToBlack(m) {
		t.Fatal("GreyToBlack across a cell boundary should succeed")
	}
	if !next.Get() {
		t.Error("Expected the first bit of the next cell to be set")
	}
	if !IsBlack(m) {
		t.Errorf("Expected black, got %s", ColorOf(m))
	}
}

func TestNeighbouringObjects(t *testing.T) {
	b := New(64)
	first := b.MarkBitFromIndex(0)
	second := b.MarkBitFromIndex(2)

	WhiteToGrey(first)
	GreyToBlack(first)

	if !IsWhite(second) {
		t.Errorf("Marking object at 0 must not touch object at 2, got %s", ColorOf(second))
	}
	if got := b.CountSetBits(); got != 2 {
		t.Errorf("Expected 2 set bits, got %d", got)
	}

	b.Clear()
	if !b.IsClean() {
		t.Error("Expected bitmap to be clean after Clear")
	}
}

func TestImpossiblePattern(t *testing.T) {
	b := New(64)
	m := b.MarkBitFromIndex(4)
	m.Next().Set()
	if c := ColorOf(m); c != Impossible {
		t.Errorf("Expected impossible, got %s", c)
	}
}

func TestSingleWinnerUnderContention(t *testing.T) {
	const goroutines = 16
	const objects = 512

	b := New(objects * 2)
	var greyWins, blackWins [objects]atomic.Int32

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < objects; i++ {
				m := b.MarkBitFromIndex(uint32(i * 2))
				if WhiteToGrey(m) {
					greyWins[i].Add(1)
				}
				if GreyToBlack(m) {
					blackWins[i].Add(1)
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < objects; i++ {
		if n := greyWins[i].Load(); n != 1 {
			t.Errorf("Object %d: expected 1 grey winner, got %d", i, n)
		}
		if n := blackWins[i].Load(); n != 1 {
			t.Errorf("Object %d: expected 1 black winner, got %d", i, n)
		}
	}
}
