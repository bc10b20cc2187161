// ABOUTME: Tests for the post-marking heap verifier
// ABOUTME: Covers consistent heaps, black to white edges and grey leftovers

package marking

import (
	"errors"
	"strings"
	"testing"

	"github.com/prateek/concmark/graph"
)

func TestVerifyAcceptsConsistentHeap(t *testing.T) {
	h := newTestHeap(t)
	a := h.add("A", graph.KindPlain, "B")
	b := h.add("B", graph.KindPlain)
	h.add("Garbage", graph.KindPlain, "A")
	g := h.wire("A")

	s := NewState(g, RegionCounter{})
	s.WhiteToBlack(a)
	s.WhiteToBlack(b)
	if err := Verify(g, s); err != nil {
		t.Errorf("Expected a consistent heap, got %v", err)
	}
}

func TestVerifyReportsBlackToWhite(t *testing.T) {
	h := newTestHeap(t)
	root := h.add("Root", graph.KindPlain, "A")
	a := h.add("A", graph.KindPlain, "", "B")
	b := h.add("B", graph.KindPlain)
	g := h.wire("Root")

	s := NewState(g, RegionCounter{})
	s.WhiteToBlack(root)
	s.WhiteToBlack(a)

	err := Verify(g, s)
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected a VerificationError, got %v", err)
	}
	if verr.Host != a.ID || verr.Slot != 1 || verr.Target != b.ID || verr.Grey {
		t.Errorf("Unexpected violation %+v", verr)
	}
	if len(verr.Path.IDs) != 2 || verr.Path.IDs[0] != a.ID || verr.Path.IDs[1] != root.ID {
		t.Errorf("Expected path A <- Root, got %v", verr.Path)
	}
	if !strings.Contains(err.Error(), "retained by") {
		t.Errorf("Expected the retaining path in the message, got %q", err.Error())
	}
}

func TestVerifyReportsLeftoverGrey(t *testing.T) {
	h := newTestHeap(t)
	a := h.add("A", graph.KindPlain)
	g := h.wire("A")

	s := NewState(g, RegionCounter{})
	s.WhiteToGrey(a)

	var verr *VerificationError
	if err := Verify(g, s); !errors.As(err, &verr) || !verr.Grey {
		t.Errorf("Expected a grey leftover to be reported, got %v", err)
	}
}

func TestMustVerifyPanics(t *testing.T) {
	h := newTestHeap(t)
	a := h.add("A", graph.KindPlain, "B")
	h.add("B", graph.KindPlain)
	g := h.wire("A")

	s := NewState(g, RegionCounter{})
	s.WhiteToBlack(a)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Expected MustVerify to panic")
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, "heap verification failed") {
			t.Errorf("Unexpected panic value %v", r)
		}
	}()
	MustVerify(g, s)
}
