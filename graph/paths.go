// ABOUTME: BFS search for retaining paths from objects to GC roots
// ABOUTME: Used to explain why a marked object is reachable

package graph

import (
	"fmt"
	"strings"
)

// Path represents a path from an object to a root
type Path struct {
	IDs []ObjID // Sequence of object IDs from target to root
}

func (p Path) String() string {
	parts := make([]string, len(p.IDs))
	for i, id := range p.IDs {
		parts[i] = fmt.Sprintf("%#x", uint64(id))
	}
	return strings.Join(parts, " <- ")
}

// PathsToRoots finds up to maxPaths retaining paths from an object to
// the GC roots, shortest first. Each referrer is expanded at most once,
// so cycles terminate and the search is linear in the graph size.
func PathsToRoots(g Graph, from ObjID, maxPaths int) []Path {
	if maxPaths <= 0 {
		return nil
	}
	return pathsToRoots(BuildReverseEdges(g), g.GetRoots(), from, maxPaths)
}

func pathsToRoots(reverse ReverseEdges, roots Roots, from ObjID, maxPaths int) []Path {
	rootSet := make(map[ObjID]bool, len(roots.IDs))
	for _, id := range roots.IDs {
		rootSet[id] = true
	}

	if rootSet[from] {
		return []Path{{IDs: []ObjID{from}}}
	}

	type searchNode struct {
		id   ObjID
		path []ObjID
	}

	var result []Path
	expanded := map[ObjID]bool{from: true}
	queue := []searchNode{{id: from, path: []ObjID{from}}}

	for len(queue) > 0 && len(result) < maxPaths {
		node := queue[0]
		queue = queue[1:]

		for _, referrerID := range reverse[node.id] {
			if expanded[referrerID] {
				continue
			}
			expanded[referrerID] = true

			newPath := make([]ObjID, len(node.path)+1)
			copy(newPath, node.path)
			newPath[len(node.path)] = referrerID

			if rootSet[referrerID] {
				result = append(result, Path{IDs: newPath})
				if len(result) >= maxPaths {
					break
				}
				continue
			}
			queue = append(queue, searchNode{id: referrerID, path: newPath})
		}
	}

	return result
}
