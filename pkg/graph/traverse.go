package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/skeindb/skein/pkg/ontology"
)

// TraverseOptions tunes a depth-bounded traversal.
type TraverseOptions struct {
	EdgeTypes []string
	Direction string
	MaxDepth  int
	Limit     int
	// ReturnPaths selects path mode: one result per reachable node
	// carrying its full lineage. Node mode returns each reachable node
	// once at its minimum depth.
	ReturnPaths bool
}

// PathEdge is one hop within a path.
type PathEdge struct {
	Type      string `json:"type"`
	Direction string `json:"direction"`
}

// Path is a node sequence with the edges between consecutive nodes.
type Path struct {
	Nodes []Node     `json:"nodes"`
	Edges []PathEdge `json:"edges"`
}

// Length is the number of hops in the path.
func (p Path) Length() int { return len(p.Edges) }

// Visit is a node reached by node-mode traversal at its minimum depth.
type Visit struct {
	Node
	Depth int `json:"depth"`
}

// TraverseResult holds either paths or visits, per the requested mode.
type TraverseResult struct {
	Paths []Path  `json:"paths,omitempty"`
	Nodes []Visit `json:"nodes,omitempty"`
}

// nodeKey identifies a node instance across tables.
func nodeKey(nt *ontology.NodeType, id int64) string {
	return fmt.Sprintf("%s:%d", nt.Table, id)
}

// nodeLoader memoizes attribute rows for the duration of one
// traversal.
type nodeLoader struct {
	engine *Engine
	loaded map[string]Node
}

func (l *nodeLoader) get(ctx context.Context, nt *ontology.NodeType, id int64) (Node, error) {
	key := nodeKey(nt, id)
	if node, ok := l.loaded[key]; ok {
		return node, nil
	}
	node, err := l.engine.loadNode(ctx, nt, id)
	if err != nil {
		return Node{}, err
	}
	l.loaded[key] = node
	return node, nil
}

// Traverse expands from one node up to MaxDepth hops. Path mode
// forbids revisiting a node within the current path only; node mode
// keeps one global visited set and records each node at the minimum
// depth it was reached.
func (e *Engine) Traverse(ctx context.Context, nodeType string, ref NodeRef, opts TraverseOptions) (*TraverseResult, error) {
	nt, err := e.store.Ontology().Node(nodeType)
	if err != nil {
		return nil, err
	}
	direction, err := validateDirection(opts.Direction)
	if err != nil {
		return nil, err
	}
	filter, err := e.edgeFilter(opts.EdgeTypes)
	if err != nil {
		return nil, err
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 1
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	result := &TraverseResult{}
	err = e.store.Read(func() error {
		id, err := e.resolveRef(ctx, nt, ref)
		if err != nil {
			return err
		}
		loader := &nodeLoader{engine: e, loaded: make(map[string]Node)}
		start, err := loader.get(ctx, nt, id)
		if err != nil {
			return err
		}

		if opts.ReturnPaths {
			onPath := map[string]bool{nodeKey(nt, id): true}
			seed := Path{Nodes: []Node{start}}
			result.Paths, err = e.traversePaths(ctx, loader, nt, id, seed, onPath, filter, direction, opts.MaxDepth, opts.Limit, nil)
			return err
		}
		result.Nodes, err = e.traverseNodes(ctx, loader, nt, id, filter, direction, opts.MaxDepth, opts.Limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// traversePaths is the recursive path-mode expansion. Each reachable
// node contributes one path carrying its full lineage.
func (e *Engine) traversePaths(ctx context.Context, loader *nodeLoader, nt *ontology.NodeType, id int64, current Path, onPath map[string]bool, filter map[string]bool, direction string, maxDepth, limit int, acc []Path) ([]Path, error) {
	if current.Length() >= maxDepth || len(acc) >= limit {
		return acc, nil
	}

	steps, err := e.expand(ctx, nt, id, filter, direction)
	if err != nil {
		return acc, err
	}

	for _, st := range steps {
		key := nodeKey(st.nodeType, st.id)
		if onPath[key] {
			continue
		}
		if len(acc) >= limit {
			break
		}

		node, err := loader.get(ctx, st.nodeType, st.id)
		if err != nil {
			return acc, err
		}

		next := Path{
			Nodes: append(append([]Node(nil), current.Nodes...), node),
			Edges: append(append([]PathEdge(nil), current.Edges...), PathEdge{Type: st.edgeType, Direction: st.direction}),
		}
		acc = append(acc, next)

		onPath[key] = true
		acc, err = e.traversePaths(ctx, loader, st.nodeType, st.id, next, onPath, filter, direction, maxDepth, limit, acc)
		delete(onPath, key)
		if err != nil {
			return acc, err
		}
	}
	return acc, nil
}

// traverseNodes is the level-by-level node-mode expansion with one
// global visited set.
func (e *Engine) traverseNodes(ctx context.Context, loader *nodeLoader, nt *ontology.NodeType, id int64, filter map[string]bool, direction string, maxDepth, limit int) ([]Visit, error) {
	type frontier struct {
		nodeType *ontology.NodeType
		id       int64
		depth    int
	}

	visited := map[string]bool{nodeKey(nt, id): true}
	queue := []frontier{{nodeType: nt, id: id, depth: 0}}
	var visits []Visit

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		steps, err := e.expand(ctx, cur.nodeType, cur.id, filter, direction)
		if err != nil {
			return nil, err
		}
		for _, st := range steps {
			key := nodeKey(st.nodeType, st.id)
			if visited[key] {
				continue
			}
			visited[key] = true

			node, err := loader.get(ctx, st.nodeType, st.id)
			if err != nil {
				return nil, err
			}
			visits = append(visits, Visit{Node: node, Depth: cur.depth + 1})
			if len(visits) >= limit {
				return visits, nil
			}
			queue = append(queue, frontier{nodeType: st.nodeType, id: st.id, depth: cur.depth + 1})
		}
	}
	return visits, nil
}

// SubgraphOptions tunes a bounded subgraph extraction.
type SubgraphOptions struct {
	EdgeTypes []string
	MaxDepth  int
	NodeLimit int
	EdgeLimit int
}

// SubgraphEdge is one edge of an extracted subgraph with typed
// endpoints.
type SubgraphEdge struct {
	Type       string `json:"type"`
	SourceType string `json:"source_type"`
	SourceID   int64  `json:"source_id"`
	TargetType string `json:"target_type"`
	TargetID   int64  `json:"target_id"`
}

// Subgraph is the bounded neighborhood around a center node. Truncated
// is set when a cap stopped expansion before the frontier was
// exhausted.
type Subgraph struct {
	Nodes     []Node         `json:"nodes"`
	Edges     []SubgraphEdge `json:"edges"`
	Truncated bool           `json:"truncated"`
}

// ExtractSubgraph collects nodes and edges breadth-first from a center
// node until MaxDepth or one of the caps is reached.
func (e *Engine) ExtractSubgraph(ctx context.Context, nodeType string, ref NodeRef, opts SubgraphOptions) (*Subgraph, error) {
	nt, err := e.store.Ontology().Node(nodeType)
	if err != nil {
		return nil, err
	}
	filter, err := e.edgeFilter(opts.EdgeTypes)
	if err != nil {
		return nil, err
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 1
	}
	if opts.NodeLimit <= 0 {
		opts.NodeLimit = DefaultLimit
	}
	if opts.EdgeLimit <= 0 {
		opts.EdgeLimit = DefaultLimit * 2
	}

	sub := &Subgraph{}
	err = e.store.Read(func() error {
		id, err := e.resolveRef(ctx, nt, ref)
		if err != nil {
			return err
		}
		loader := &nodeLoader{engine: e, loaded: make(map[string]Node)}

		type frontier struct {
			nodeType *ontology.NodeType
			id       int64
			depth    int
		}

		center, err := loader.get(ctx, nt, id)
		if err != nil {
			return err
		}
		sub.Nodes = append(sub.Nodes, center)
		inGraph := map[string]bool{nodeKey(nt, id): true}
		seenEdges := map[string]bool{}
		queue := []frontier{{nodeType: nt, id: id, depth: 0}}

		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if cur.depth >= opts.MaxDepth {
				continue
			}

			steps, err := e.expand(ctx, cur.nodeType, cur.id, filter, DirectionBoth)
			if err != nil {
				return err
			}
			for _, st := range steps {
				edge := subgraphEdge(cur.nodeType, cur.id, st)
				edgeKey := fmt.Sprintf("%s:%d:%d", edge.Type, edge.SourceID, edge.TargetID)

				key := nodeKey(st.nodeType, st.id)
				if !inGraph[key] {
					if len(sub.Nodes) >= opts.NodeLimit {
						sub.Truncated = true
						continue
					}
					node, err := loader.get(ctx, st.nodeType, st.id)
					if err != nil {
						return err
					}
					sub.Nodes = append(sub.Nodes, node)
					inGraph[key] = true
					queue = append(queue, frontier{nodeType: st.nodeType, id: st.id, depth: cur.depth + 1})
				}
				if !seenEdges[edgeKey] {
					if len(sub.Edges) >= opts.EdgeLimit {
						sub.Truncated = true
						continue
					}
					seenEdges[edgeKey] = true
					sub.Edges = append(sub.Edges, edge)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// subgraphEdge orients a step back into a stored edge row.
func subgraphEdge(from *ontology.NodeType, fromID int64, st step) SubgraphEdge {
	if st.direction == DirectionOut {
		return SubgraphEdge{
			Type:       st.edgeType,
			SourceType: from.Name,
			SourceID:   fromID,
			TargetType: st.nodeType.Name,
			TargetID:   st.id,
		}
	}
	return SubgraphEdge{
		Type:       st.edgeType,
		SourceType: st.nodeType.Name,
		SourceID:   st.id,
		TargetType: from.Name,
		TargetID:   fromID,
	}
}

// PathsOptions tunes path finding.
type PathsOptions struct {
	EdgeTypes []string
	MaxDepth  int
	Limit     int
}

// FindPaths collects every distinct path from one node to another up
// to MaxDepth hops, exploring edges in both directions and never
// revisiting a node within a path. A node trivially reaches itself by
// one zero-length path. Results are sorted by ascending length.
func (e *Engine) FindPaths(ctx context.Context, fromType string, from NodeRef, toType string, to NodeRef, opts PathsOptions) ([]Path, error) {
	fromNT, err := e.store.Ontology().Node(fromType)
	if err != nil {
		return nil, err
	}
	toNT, err := e.store.Ontology().Node(toType)
	if err != nil {
		return nil, err
	}
	filter, err := e.edgeFilter(opts.EdgeTypes)
	if err != nil {
		return nil, err
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 3
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	var paths []Path
	err = e.store.Read(func() error {
		fromID, err := e.resolveRef(ctx, fromNT, from)
		if err != nil {
			return err
		}
		toID, err := e.resolveRef(ctx, toNT, to)
		if err != nil {
			return err
		}
		loader := &nodeLoader{engine: e, loaded: make(map[string]Node)}
		start, err := loader.get(ctx, fromNT, fromID)
		if err != nil {
			return err
		}

		if fromNT.Name == toNT.Name && fromID == toID {
			paths = []Path{{Nodes: []Node{start}}}
			return nil
		}

		targetKey := nodeKey(toNT, toID)
		onPath := map[string]bool{nodeKey(fromNT, fromID): true}
		seed := Path{Nodes: []Node{start}}
		paths, err = e.findPaths(ctx, loader, fromNT, fromID, targetKey, seed, onPath, filter, opts.MaxDepth, opts.Limit, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(paths, func(i, j int) bool {
		return paths[i].Length() < paths[j].Length()
	})
	return paths, nil
}

func (e *Engine) findPaths(ctx context.Context, loader *nodeLoader, nt *ontology.NodeType, id int64, targetKey string, current Path, onPath map[string]bool, filter map[string]bool, maxDepth, limit int, acc []Path) ([]Path, error) {
	if current.Length() >= maxDepth || len(acc) >= limit {
		return acc, nil
	}

	steps, err := e.expand(ctx, nt, id, filter, DirectionBoth)
	if err != nil {
		return acc, err
	}

	for _, st := range steps {
		key := nodeKey(st.nodeType, st.id)
		if onPath[key] {
			continue
		}
		if len(acc) >= limit {
			break
		}

		node, err := loader.get(ctx, st.nodeType, st.id)
		if err != nil {
			return acc, err
		}
		next := Path{
			Nodes: append(append([]Node(nil), current.Nodes...), node),
			Edges: append(append([]PathEdge(nil), current.Edges...), PathEdge{Type: st.edgeType, Direction: st.direction}),
		}

		if key == targetKey {
			acc = append(acc, next)
			continue
		}

		onPath[key] = true
		acc, err = e.findPaths(ctx, loader, st.nodeType, st.id, targetKey, next, onPath, filter, maxDepth, limit, acc)
		delete(onPath, key)
		if err != nil {
			return acc, err
		}
	}
	return acc, nil
}
