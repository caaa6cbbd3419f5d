// Package gnn implements the message passing building blocks of the GATE models: the edge, node and global
// updates, the layer that chains them ("meta layer"), masked batch normalization, and the attention (GATv2) and
// GINE convolutions used by the masternode models.
//
// Everything works on a batch of graphs represented as one disjoint union graph (see Structure), with static shapes.
// Padding nodes and edges are allowed, as long as padding edges only connect padding nodes, and padding nodes are
// assigned to a graph slot not used by real graphs.
package gnn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// Structure holds the structure of a batch of graphs, as computation graph nodes.
type Structure struct {
	// Source and Target of each edge, shaped [numEdges], Int32.
	Source, Target *Node

	// NodeGraph holds the graph slot of each node, shaped [numNodes], Int32.
	NodeGraph *Node

	// NumGraphs is the number of graph slots, including the ones used for padding.
	NumGraphs int

	// NodeMask and EdgeMask are Bool, shaped [numNodes] and [numEdges], set to true for real (not padding)
	// nodes and edges. They can be left nil if there is no padding.
	NodeMask, EdgeMask *Node
}

// NumNodes returns the static number of nodes, including padding.
func (gr *Structure) NumNodes() int { return gr.NodeGraph.Shape().Dim(0) }

// NumEdges returns the static number of edges, including padding.
func (gr *Structure) NumEdges() int { return gr.Source.Shape().Dim(0) }

// EdgeGraph returns the graph slot of each edge, taken from its source node. Shaped [numEdges].
func (gr *Structure) EdgeGraph() *Node {
	return gatherRows(gr.NodeGraph, gr.Source)
}

// AssertValid panics if the shapes of the structure are not consistent.
func (gr *Structure) AssertValid() {
	if gr.Source.Rank() != 1 || gr.Target.Rank() != 1 || gr.Source.Shape().Dim(0) != gr.Target.Shape().Dim(0) {
		exceptions.Panicf("gnn.Structure source and target must be 1D with the same length, got %s and %s",
			gr.Source.Shape(), gr.Target.Shape())
	}
	if gr.NodeGraph.Rank() != 1 {
		exceptions.Panicf("gnn.Structure.NodeGraph must be 1D, got %s", gr.NodeGraph.Shape())
	}
	for _, idx := range []*Node{gr.Source, gr.Target, gr.NodeGraph} {
		if idx.DType() != dtypes.Int32 {
			exceptions.Panicf("gnn.Structure indices must be Int32, got %s", idx.DType())
		}
	}
	if gr.NumGraphs <= 0 {
		exceptions.Panicf("gnn.Structure.NumGraphs must be > 0, got %d", gr.NumGraphs)
	}
}

// assertRows panics if x is not a 2D tensor with the given number of rows and columns.
func assertRows(name string, x *Node, rows, cols int) {
	if x.Rank() != 2 || x.Shape().Dim(0) != rows || x.Shape().Dim(1) != cols {
		exceptions.Panicf("%s should be shaped [%d, %d], got %s", name, rows, cols, x.Shape())
	}
}
