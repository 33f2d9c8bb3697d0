package morph

import (
	"errors"
	"fmt"
	"strconv"
)

// NeuronID identifies a neuron (segment/body id) in its native connectome.
type NeuronID uint64

func (id NeuronID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseNeuronID parses a decimal neuron identifier.
func ParseNeuronID(s string) (NeuronID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad neuron id %q: %w", s, err)
	}
	return NeuronID(v), nil
}

// NoParent is the parent identifier of a root node.
const NoParent int64 = -1

// NodeType is the SWC structure identifier of a node.
type NodeType int

const (
	Undefined NodeType = iota
	Soma
	Axon
	BasalDendrite
	ApicalDendrite
)

// Node is a single skeleton sample.
type Node struct {
	ID     int64
	Type   NodeType
	Pos    Vector3d
	Radius float64
	Parent int64
}

// IsRoot returns true if the node has no parent.
func (n Node) IsRoot() bool {
	return n.Parent == NoParent
}

var (
	ErrEmptySkeleton = errors.New("skeleton has no nodes")
	ErrEmptyMesh     = errors.New("mesh has no vertices")
)

// Skeleton is a forest of nodes, one tree per connected component.
type Skeleton struct {
	Neuron NeuronID
	Units  Units
	Nodes  []Node
}

// NewSkeleton returns a validated skeleton.
func NewSkeleton(id NeuronID, units Units, nodes []Node) (*Skeleton, error) {
	s := &Skeleton{Neuron: id, Units: units, Nodes: nodes}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Index returns a map from node id to its position in Nodes.
func (s *Skeleton) Index() map[int64]int {
	idx := make(map[int64]int, len(s.Nodes))
	for i, n := range s.Nodes {
		idx[n.ID] = i
	}
	return idx
}

// Validate checks for unique node ids, resolvable parents and the absence of cycles.
func (s *Skeleton) Validate() error {
	if len(s.Nodes) == 0 {
		return ErrEmptySkeleton
	}
	idx := make(map[int64]int, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.ID == NoParent {
			return fmt.Errorf("node %d uses reserved id %d", i, NoParent)
		}
		if _, dup := idx[n.ID]; dup {
			return fmt.Errorf("duplicate node id %d", n.ID)
		}
		idx[n.ID] = i
	}
	for _, n := range s.Nodes {
		if n.IsRoot() {
			continue
		}
		if _, found := idx[n.Parent]; !found {
			return fmt.Errorf("node %d has unknown parent %d", n.ID, n.Parent)
		}
	}

	// 0 = unvisited, 1 = on current path, 2 = reaches a root
	state := make([]uint8, len(s.Nodes))
	path := make([]int, 0, 64)
	for start := range s.Nodes {
		path = path[:0]
		i := start
		for state[i] == 0 {
			state[i] = 1
			path = append(path, i)
			if s.Nodes[i].IsRoot() {
				break
			}
			i = idx[s.Nodes[i].Parent]
		}
		if state[i] == 1 && !s.Nodes[i].IsRoot() {
			return fmt.Errorf("cycle through node %d", s.Nodes[i].ID)
		}
		for _, j := range path {
			state[j] = 2
		}
	}
	return nil
}

// Roots returns the ids of all root nodes.
func (s *Skeleton) Roots() []int64 {
	var roots []int64
	for _, n := range s.Nodes {
		if n.IsRoot() {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// Positions returns node positions in node order.
func (s *Skeleton) Positions() []Vector3d {
	pts := make([]Vector3d, len(s.Nodes))
	for i, n := range s.Nodes {
		pts[i] = n.Pos
	}
	return pts
}

// WithPositions returns a copy of the skeleton with new node positions and units.
func (s *Skeleton) WithPositions(pts []Vector3d, units Units) (*Skeleton, error) {
	if len(pts) != len(s.Nodes) {
		return nil, fmt.Errorf("got %d positions for skeleton with %d nodes", len(pts), len(s.Nodes))
	}
	nodes := make([]Node, len(s.Nodes))
	copy(nodes, s.Nodes)
	for i := range nodes {
		nodes[i].Pos = pts[i]
	}
	return &Skeleton{Neuron: s.Neuron, Units: units, Nodes: nodes}, nil
}

// WithRadiusScale returns a copy with every radius multiplied by f.
func (s *Skeleton) WithRadiusScale(f float64) *Skeleton {
	nodes := make([]Node, len(s.Nodes))
	copy(nodes, s.Nodes)
	for i := range nodes {
		nodes[i].Radius *= f
	}
	return &Skeleton{Neuron: s.Neuron, Units: s.Units, Nodes: nodes}
}

// Bounds returns the bounding box of node positions.
func (s *Skeleton) Bounds() Bounds {
	var b Bounds
	for _, n := range s.Nodes {
		b.Extend(n.Pos)
	}
	return b
}

// CableLength returns the summed length of all parent-child segments.
func (s *Skeleton) CableLength() float64 {
	idx := s.Index()
	var total float64
	for _, n := range s.Nodes {
		if n.IsRoot() {
			continue
		}
		total += n.Pos.Distance(s.Nodes[idx[n.Parent]].Pos)
	}
	return total
}
