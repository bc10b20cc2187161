// ABOUTME: Post-marking heap verifier for the tri-color invariant
// ABOUTME: Reports the first black object that still points at a white one

package marking

import (
	"fmt"

	"github.com/prateek/concmark/graph"
)

// VerificationError describes a broken tri-color invariant
type VerificationError struct {
	Host   graph.ObjID
	Slot   int
	Target graph.ObjID

	// Grey is set when Host itself was left grey rather than pointing at
	// a white object
	Grey bool

	// Path is a retaining path from Host to a root, if one exists
	Path graph.Path
}

func (e *VerificationError) Error() string {
	var msg string
	if e.Grey {
		msg = fmt.Sprintf("object %#x left grey after marking", uint64(e.Host))
	} else {
		msg = fmt.Sprintf("black object %#x slot %d points at white object %#x",
			uint64(e.Host), e.Slot, uint64(e.Target))
	}
	if len(e.Path.IDs) > 0 {
		msg += " (retained by " + e.Path.String() + ")"
	}
	return msg
}

// Verify checks that marking reached a fixpoint: no object is grey and no
// black object holds a white reference. Weak references must have been
// resolved before calling it.
func Verify(g graph.Graph, s *State) error {
	var verr *VerificationError
	g.ForEachObject(func(obj *graph.Object) {
		if verr != nil || s.IsWhite(obj) {
			return
		}
		if !s.IsBlack(obj) {
			verr = &VerificationError{Host: obj.ID, Slot: -1, Grey: true}
			return
		}
		for i := 0; i < obj.NumSlots(); i++ {
			v := obj.Slot(i)
			if !v.IsHeapObject() {
				continue
			}
			if target := g.GetObject(v); target == nil || s.IsWhite(target) {
				verr = &VerificationError{Host: obj.ID, Slot: i, Target: v}
				return
			}
		}
	})
	if verr == nil {
		return nil
	}
	if paths := graph.PathsToRoots(g, verr.Host, 1); len(paths) > 0 {
		verr.Path = paths[0]
	}
	return verr
}

// MustVerify panics if Verify fails. A broken invariant means the heap
// can no longer be trusted.
func MustVerify(g graph.Graph, s *State) {
	if err := Verify(g, s); err != nil {
		panic("marking: heap verification failed: " + err.Error())
	}
}
