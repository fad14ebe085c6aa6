// Package graph implements traversal over the ontology-compiled edge
// tables: neighbor listing, depth-bounded traversal, subgraph
// extraction and path finding. Nodes are addressed by surrogate id or
// by identity values, resolved through a memoized resolver.
package graph

import (
	"context"
	"fmt"

	"github.com/skeindb/skein/pkg/errs"
	"github.com/skeindb/skein/pkg/ontology"
	"github.com/skeindb/skein/pkg/store"
)

// Traversal directions.
const (
	DirectionOut  = "out"
	DirectionIn   = "in"
	DirectionBoth = "both"
)

// DefaultLimit caps result sizes when the caller does not.
const DefaultLimit = 100

// NodeRef addresses a node either by surrogate id or by identity
// values. When Identity is non-empty it wins over ID.
type NodeRef struct {
	ID       int64          `json:"id,omitempty"`
	Identity map[string]any `json:"identity,omitempty"`
}

// Node is one graph node with its full attribute row.
type Node struct {
	Type  string         `json:"type"`
	ID    int64          `json:"id"`
	Attrs map[string]any `json:"attrs"`
}

// Neighbor is a node reached over exactly one edge.
type Neighbor struct {
	Node
	EdgeType  string `json:"edge_type"`
	Direction string `json:"direction"`
}

// NeighborsResult is the annotated neighbor listing for one node.
type NeighborsResult struct {
	Neighbors      []Neighbor     `json:"neighbors"`
	EdgeTypeCounts map[string]int `json:"edge_type_counts"`
}

// NeighborOptions tunes a neighbor listing.
type NeighborOptions struct {
	// EdgeTypes restricts traversal to the named edge types. Empty
	// means every edge type touching the node type.
	EdgeTypes []string
	Direction string
	Limit     int
}

// Engine runs graph operations against a store.
type Engine struct {
	store    *store.Store
	resolver *Resolver
}

// NewEngine wires a graph engine over s.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s, resolver: NewResolver(s)}
}

// Resolver exposes the engine's identity resolver so imports can reset
// its memo after mutations.
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// step is one expansion hop: an adjacent node plus the edge that
// reached it.
type step struct {
	nodeType  *ontology.NodeType
	id        int64
	edgeType  string
	direction string
}

func validateDirection(direction string) (string, error) {
	switch direction {
	case "":
		return DirectionBoth, nil
	case DirectionOut, DirectionIn, DirectionBoth:
		return direction, nil
	default:
		return "", errs.Validationf("invalid direction %q, want out, in or both", direction)
	}
}

// edgeFilter validates an edge type restriction and returns it as a
// set, or nil for no restriction.
func (e *Engine) edgeFilter(edgeTypes []string) (map[string]bool, error) {
	if len(edgeTypes) == 0 {
		return nil, nil
	}
	filter := make(map[string]bool, len(edgeTypes))
	for _, name := range edgeTypes {
		if _, err := e.store.Ontology().Edge(name); err != nil {
			return nil, err
		}
		filter[name] = true
	}
	return filter, nil
}

// resolveRef resolves a NodeRef against a node type, verifying that an
// id-addressed node actually exists.
func (e *Engine) resolveRef(ctx context.Context, nt *ontology.NodeType, ref NodeRef) (int64, error) {
	if len(ref.Identity) > 0 {
		return e.resolver.Resolve(ctx, e.store.DB(), nt, ref.Identity)
	}
	ok, err := e.resolver.Exists(ctx, e.store.DB(), nt, ref.ID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.NotFoundf("no %s node with id %d", nt.Name, ref.ID)
	}
	return ref.ID, nil
}

// expand lists the adjacent steps of one node over every edge type
// touching its node type in the given direction(s).
func (e *Engine) expand(ctx context.Context, nt *ontology.NodeType, id int64, filter map[string]bool, direction string) ([]step, error) {
	var steps []step
	ont := e.store.Ontology()

	for _, edgeName := range ont.EdgeNames() {
		if filter != nil && !filter[edgeName] {
			continue
		}
		et := ont.Edges[edgeName]

		if (direction == DirectionOut || direction == DirectionBoth) && et.Source == nt.Name {
			target, err := ont.Node(et.Target)
			if err != nil {
				return nil, err
			}
			ids, err := e.adjacentIDs(ctx, et.Table, "source_id", "target_id", id)
			if err != nil {
				return nil, err
			}
			for _, nid := range ids {
				steps = append(steps, step{nodeType: target, id: nid, edgeType: edgeName, direction: DirectionOut})
			}
		}
		if (direction == DirectionIn || direction == DirectionBoth) && et.Target == nt.Name {
			source, err := ont.Node(et.Source)
			if err != nil {
				return nil, err
			}
			ids, err := e.adjacentIDs(ctx, et.Table, "target_id", "source_id", id)
			if err != nil {
				return nil, err
			}
			for _, nid := range ids {
				steps = append(steps, step{nodeType: source, id: nid, edgeType: edgeName, direction: DirectionIn})
			}
		}
	}
	return steps, nil
}

func (e *Engine) adjacentIDs(ctx context.Context, table, whereCol, selectCol string, id int64) ([]int64, error) {
	query := fmt.Sprintf("SELECT %q FROM %q WHERE %q = ? ORDER BY %q", selectCol, table, whereCol, selectCol)
	rows, err := e.store.DB().QueryContext(ctx, query, id)
	if err != nil {
		return nil, errs.Wrap("expand", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var nid int64
		if err := rows.Scan(&nid); err != nil {
			return nil, errs.Wrap("expand", err)
		}
		ids = append(ids, nid)
	}
	return ids, rows.Err()
}

// loadNode fetches a node's full attribute row.
func (e *Engine) loadNode(ctx context.Context, nt *ontology.NodeType, id int64) (Node, error) {
	query := fmt.Sprintf("SELECT * FROM %q WHERE id = ?", nt.Table)
	rows, err := e.store.DB().QueryContext(ctx, query, id)
	if err != nil {
		return Node{}, errs.Wrap("load_node", err)
	}
	defer func() { _ = rows.Close() }()

	maps, err := store.ScanRowMaps(rows)
	if err != nil {
		return Node{}, errs.Wrap("load_node", err)
	}
	if len(maps) == 0 {
		return Node{}, errs.NotFoundf("no %s node with id %d", nt.Name, id)
	}
	return Node{Type: nt.Name, ID: id, Attrs: maps[0]}, nil
}

// Neighbors lists the nodes adjacent to one node, annotated with the
// edge type and direction that reached them, plus per-edge-type
// counts. Counts cover the full adjacency even when the neighbor list
// is cut at the limit.
func (e *Engine) Neighbors(ctx context.Context, nodeType string, ref NodeRef, opts NeighborOptions) (*NeighborsResult, error) {
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
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	result := &NeighborsResult{EdgeTypeCounts: make(map[string]int)}
	err = e.store.Read(func() error {
		id, err := e.resolveRef(ctx, nt, ref)
		if err != nil {
			return err
		}

		steps, err := e.expand(ctx, nt, id, filter, direction)
		if err != nil {
			return err
		}

		for _, st := range steps {
			result.EdgeTypeCounts[st.edgeType]++
			if len(result.Neighbors) >= limit {
				continue
			}
			node, err := e.loadNode(ctx, st.nodeType, st.id)
			if err != nil {
				return err
			}
			result.Neighbors = append(result.Neighbors, Neighbor{
				Node:      node,
				EdgeType:  st.edgeType,
				Direction: st.direction,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
