// ABOUTME: Closed set of object kinds understood by the marking visitor
// ABOUTME: Groups kinds into plain, code-like, weak-bearing and context-like categories

package graph

import (
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when a kind name cannot be parsed
var ErrUnknownKind = errors.New("unknown object kind")

// Kind selects how an object's slots are visited
type Kind uint8

const (
	KindPlain Kind = iota
	KindFixedArray
	KindBytecodeArray
	KindApiObject
	KindCode
	KindMap
	KindNativeContext
	KindTransitionArray
	KindWeakCell
	KindWeakCollection

	numKinds
)

var kindNames = [numKinds]string{
	KindPlain:           "plain",
	KindFixedArray:      "fixed_array",
	KindBytecodeArray:   "bytecode_array",
	KindApiObject:       "api_object",
	KindCode:            "code",
	KindMap:             "map",
	KindNativeContext:   "native_context",
	KindTransitionArray: "transition_array",
	KindWeakCell:        "weak_cell",
	KindWeakCollection:  "weak_collection",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a kind name back to its Kind. The empty string is plain.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return KindPlain, nil
	}
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Category is the coarse grouping of kinds
type Category uint8

const (
	CategoryPlain   Category = iota // ordinary pointer-bearing objects
	CategoryCode                    // executable code
	CategoryWeak                    // objects holding weak references
	CategoryContext                 // objects with caches unsafe to mutate concurrently
)

func (c Category) String() string {
	switch c {
	case CategoryPlain:
		return "plain"
	case CategoryCode:
		return "code"
	case CategoryWeak:
		return "weak"
	case CategoryContext:
		return "context"
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// Category returns the category of k
func (k Kind) Category() Category {
	switch k {
	case KindCode:
		return CategoryCode
	case KindWeakCell, KindTransitionArray, KindWeakCollection:
		return CategoryWeak
	case KindMap, KindNativeContext:
		return CategoryContext
	default:
		return CategoryPlain
	}
}
