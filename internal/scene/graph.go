// File: internal/scene/graph.go
package scene

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateNode = errors.New("duplicate scene id")
	ErrDanglingEdge  = errors.New("edge targets an unregistered scene")
	ErrInvalidEdge   = errors.New("invalid edge")
	ErrInvalidNode   = errors.New("invalid scene")
)

// Builder collects nodes and produces an immutable Graph.
type Builder struct {
	nodes    []*Node
	index    map[string]int
	hub      string
	hubProbe string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{index: make(map[string]int)}
}

// Register adds a node. Registration order is preserved and later drives the
// observer's tie-break, so it is part of the graph's meaning.
func (b *Builder) Register(n Node) error {
	if n.ID == "" || n.ID == Unknown {
		return fmt.Errorf("%w: id %q is reserved or empty", ErrInvalidNode, n.ID)
	}
	if _, exists := b.index[n.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, n.ID)
	}
	node := n
	node.Edges = append([]Edge(nil), n.Edges...)
	node.TextCues = append([]string(nil), n.TextCues...)
	b.index[n.ID] = len(b.nodes)
	b.nodes = append(b.nodes, &node)
	return nil
}

// SetHub names the state used as the navigation fallback anchor and the
// probe that is tapped to return to it from anywhere.
func (b *Builder) SetHub(id, probe string) {
	b.hub = id
	b.hubProbe = probe
}

// Build validates every edge and materialises implicit back edges.
func (b *Builder) Build() (*Graph, error) {
	g := &Graph{
		nodes:    make([]*Node, 0, len(b.nodes)),
		index:    make(map[string]*Node, len(b.nodes)),
		hub:      b.hub,
		hubProbe: b.hubProbe,
	}
	for _, n := range b.nodes {
		node := *n
		node.Edges = append([]Edge(nil), n.Edges...)
		seen := make(map[string]bool, len(node.Edges))
		for _, e := range node.Edges {
			if err := e.Validate(); err != nil {
				return nil, fmt.Errorf("scene %q: %w", node.ID, err)
			}
			if _, ok := b.index[e.Target]; !ok {
				return nil, fmt.Errorf("%w: %q -> %q", ErrDanglingEdge, node.ID, e.Target)
			}
			if seen[e.Target] {
				return nil, fmt.Errorf("%w: scene %q has two edges to %q", ErrInvalidEdge, node.ID, e.Target)
			}
			seen[e.Target] = true
		}
		if node.BackTo != "" {
			if _, ok := b.index[node.BackTo]; !ok {
				return nil, fmt.Errorf("%w: %q back to %q", ErrDanglingEdge, node.ID, node.BackTo)
			}
			if !seen[node.BackTo] {
				node.Edges = append(node.Edges, Edge{
					Target: node.BackTo,
					Action: ActionBack,
					Probe:  node.BackProbe,
				})
			}
		}
		g.nodes = append(g.nodes, &node)
		g.index[node.ID] = &node
	}
	if g.hub != "" {
		if _, ok := g.index[g.hub]; !ok {
			return nil, fmt.Errorf("%w: hub %q is not registered", ErrInvalidNode, g.hub)
		}
	}
	return g, nil
}

// Graph is the immutable scene registry. It is safe for concurrent reads.
type Graph struct {
	nodes    []*Node
	index    map[string]*Node
	hub      string
	hubProbe string
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.index[id]
	return n, ok
}

// Has reports whether id is registered.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Edge returns the edge from -> to, including materialised back edges.
func (g *Graph) Edge(from, to string) (Edge, bool) {
	n, ok := g.index[from]
	if !ok {
		return Edge{}, false
	}
	return n.Edge(to)
}

// Nodes returns all nodes in registration order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Len returns the number of registered nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Hub returns the fallback anchor state, or "" if none was configured.
func (g *Graph) Hub() string { return g.hub }

// HubProbe returns the probe that leads back to the hub.
func (g *Graph) HubProbe() string { return g.hubProbe }
