// Package graphs holds the interaction graphs (one per protein–ligand complex), the dataset that
// stores them and the batching of several graphs into one disjoint union.
//
// Graphs are read-only once built: models, fold splitting and training only read them.
package graphs

import (
	"fmt"

	"github.com/pkg/errors"
)

// InteractionGraph is one sample: a graph of atoms (nodes) and their spatial or bonded relations (edges),
// labeled with the measured binding affinity of the complex.
type InteractionGraph struct {
	// ID of the complex, usually its PDB code.
	ID string

	// Nodes holds the node features, shaped [NumNodes][NodeFeatureDim].
	Nodes [][]float32

	// EdgeIndex holds the directed edge list: EdgeIndex[0][i] is the source and EdgeIndex[1][i] the destination
	// of edge i. Undirected bonds are represented by symmetric pairs.
	EdgeIndex [2][]int32

	// Edges holds the edge features, shaped [NumEdges][EdgeFeatureDim]. Row i corresponds to edge i.
	Edges [][]float32

	// Affinity is the regression target.
	Affinity float32
}

// NumNodes in the graph.
func (g *InteractionGraph) NumNodes() int { return len(g.Nodes) }

// NumEdges in the graph.
func (g *InteractionGraph) NumEdges() int { return len(g.EdgeIndex[0]) }

// NodeFeatureDim returns the width of the node features, or 0 if the graph has no nodes.
func (g *InteractionGraph) NodeFeatureDim() int {
	if len(g.Nodes) == 0 {
		return 0
	}
	return len(g.Nodes[0])
}

// EdgeFeatureDim returns the width of the edge features, or 0 if the graph has no edges.
func (g *InteractionGraph) EdgeFeatureDim() int {
	if len(g.Edges) == 0 {
		return 0
	}
	return len(g.Edges[0])
}

// MasterNode returns the index of the graph's masternode: by convention its last node.
func (g *InteractionGraph) MasterNode() int { return len(g.Nodes) - 1 }

// String implements fmt.Stringer.
func (g *InteractionGraph) String() string {
	return fmt.Sprintf("%s(nodes=%d, edges=%d, affinity=%.3f)", g.ID, g.NumNodes(), g.NumEdges(), g.Affinity)
}

// Validate checks the structural invariants of the graph: edge indices point to existing nodes, there is
// one row of edge features per edge, and feature widths are uniform.
func (g *InteractionGraph) Validate() error {
	numNodes := g.NumNodes()
	if numNodes == 0 {
		return errors.Errorf("graph %q has no nodes", g.ID)
	}
	if len(g.EdgeIndex[0]) != len(g.EdgeIndex[1]) {
		return errors.Errorf("graph %q edge index has %d sources but %d destinations",
			g.ID, len(g.EdgeIndex[0]), len(g.EdgeIndex[1]))
	}
	if len(g.Edges) != g.NumEdges() {
		return errors.Errorf("graph %q has %d edges but %d rows of edge features", g.ID, g.NumEdges(), len(g.Edges))
	}
	for side := range 2 {
		for edgeIdx, nodeIdx := range g.EdgeIndex[side] {
			if nodeIdx < 0 || int(nodeIdx) >= numNodes {
				return errors.Errorf("graph %q edge #%d points to node %d, valid range is [0, %d)",
					g.ID, edgeIdx, nodeIdx, numNodes)
			}
		}
	}
	nodeDim := g.NodeFeatureDim()
	for ii, row := range g.Nodes {
		if len(row) != nodeDim {
			return errors.Errorf("graph %q node #%d has %d features, expected %d", g.ID, ii, len(row), nodeDim)
		}
	}
	edgeDim := g.EdgeFeatureDim()
	for ii, row := range g.Edges {
		if len(row) != edgeDim {
			return errors.Errorf("graph %q edge #%d has %d features, expected %d", g.ID, ii, len(row), edgeDim)
		}
	}
	return nil
}
