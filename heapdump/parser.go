// ABOUTME: Parser interface for heap snapshot formats
// ABOUTME: Defines the contract for pluggable snapshot loaders

package heapdump

import (
	"io"

	"github.com/prateek/concmark/graph"
)

// Parser is the interface for heap snapshot parsers
type Parser interface {
	// CanParse checks if this parser can handle the given snapshot.
	// The reader only holds a preview of the input.
	CanParse(r io.Reader) bool

	// Parse reads the snapshot and builds a sealed graph
	Parse(r io.Reader) (graph.Graph, error)
}
