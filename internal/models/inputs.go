package models

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/gateaffinity/internal/gnn"
	"github.com/janpfeifer/gateaffinity/internal/graphs"
)

// Order of the input tensors created by CreateInputs.
const (
	InputNodes = iota
	InputEdges
	InputSource
	InputTarget
	InputNodeGraph
	InputLastNode
	InputNumNodes
	InputNumEdges
	InputNumGraphs
	NumInputs
)

// paddedSize returns a padded size for n elements.
// This is important so we don't have too many different versions of the program for every different batch.
//
// Starts with 8, anything smaller than that, the cost in space is too small, not worth having multiple programs
// for different padding sizes.
func paddedSize(n int) int {
	padded := 8
	for padded < n {
		// Increase 1.5x at a time.
		padded = padded + (padded+1)/2
	}
	return padded
}

// Padding holds the padded number of nodes, edges and graphs of a batch.
//
// There is always at least one padding node and one padding graph slot: padding edges connect the first padding
// node to itself, and padding nodes belong to the first padding graph slot, so they never mix with real graphs.
type Padding struct {
	Nodes, Edges, Graphs int
}

// PaddingFor returns the padding used for the batch.
func PaddingFor(batch *graphs.Batch) Padding {
	return Padding{
		Nodes:  paddedSize(batch.NumNodes() + 1),
		Edges:  paddedSize(batch.NumEdges()),
		Graphs: paddedSize(batch.NumGraphs() + 1),
	}
}

// CreateInputs for a batch of graphs as tensors, padded. nodeFeatures and edgeFeatures are the expected feature
// widths.
func CreateInputs(batch *graphs.Batch, nodeFeatures, edgeFeatures int) []*tensors.Tensor {
	pad := PaddingFor(batch)
	numNodes, numEdges, numGraphs := batch.NumNodes(), batch.NumEdges(), batch.NumGraphs()
	paddingNode := int32(numNodes)
	paddingGraph := int32(numGraphs)
	inputs := make([]*tensors.Tensor, NumInputs)

	inputs[InputNodes] = tensors.FromShape(shapes.Make(dtypes.Float32, pad.Nodes, nodeFeatures))
	tensors.MutableFlatData(inputs[InputNodes], func(flat []float32) {
		for nodeIdx, row := range batch.Nodes {
			copy(flat[nodeIdx*nodeFeatures:(nodeIdx+1)*nodeFeatures], row)
		}
	})
	inputs[InputEdges] = tensors.FromShape(shapes.Make(dtypes.Float32, pad.Edges, edgeFeatures))
	tensors.MutableFlatData(inputs[InputEdges], func(flat []float32) {
		for edgeIdx, row := range batch.Edges {
			copy(flat[edgeIdx*edgeFeatures:(edgeIdx+1)*edgeFeatures], row)
		}
	})
	for side, inputIdx := range []int{InputSource, InputTarget} {
		inputs[inputIdx] = tensors.FromShape(shapes.Make(dtypes.Int32, pad.Edges))
		tensors.MutableFlatData(inputs[inputIdx], func(flat []int32) {
			copy(flat, batch.EdgeIndex[side])
			for ii := numEdges; ii < pad.Edges; ii++ {
				flat[ii] = paddingNode
			}
		})
	}
	inputs[InputNodeGraph] = tensors.FromShape(shapes.Make(dtypes.Int32, pad.Nodes))
	tensors.MutableFlatData(inputs[InputNodeGraph], func(flat []int32) {
		copy(flat, batch.NodeGraph)
		for ii := numNodes; ii < pad.Nodes; ii++ {
			flat[ii] = paddingGraph
		}
	})
	inputs[InputLastNode] = tensors.FromShape(shapes.Make(dtypes.Int32, pad.Graphs))
	tensors.MutableFlatData(inputs[InputLastNode], func(flat []int32) {
		copy(flat, batch.LastNode)
		for ii := numGraphs; ii < pad.Graphs; ii++ {
			flat[ii] = paddingNode
		}
	})
	inputs[InputNumNodes] = tensors.FromScalar(int32(numNodes))
	inputs[InputNumEdges] = tensors.FromScalar(int32(numEdges))
	inputs[InputNumGraphs] = tensors.FromScalar(int32(numGraphs))
	return inputs
}

// CreateLabels tensor for the batch, padded to match the inputs and shaped [numGraphs, 1].
func CreateLabels(batch *graphs.Batch) *tensors.Tensor {
	pad := PaddingFor(batch)
	labels := tensors.FromShape(shapes.Make(dtypes.Float32, pad.Graphs, 1))
	tensors.MutableFlatData(labels, func(flat []float32) {
		copy(flat, batch.Labels)
	})
	return labels
}

// Inputs are the computation graph nodes of the inputs created by CreateInputs.
type Inputs struct {
	// Graph structure, with masks.
	Structure *gnn.Structure

	// Nodes and Edges features.
	Nodes, Edges *Node

	// LastNode is the index of the masternode of each graph slot, shaped [numGraphs].
	LastNode *Node

	// GraphMask is true for real graphs, false for padding. Shaped [numGraphs, 1].
	GraphMask *Node
}

// getMask for a padded axis of size paddedSize, given the number of used elements (numUsed, an Int32 scalar).
func getMask(g *Graph, paddedSize int, numUsed *Node) *Node {
	return LessThan(Iota(g, shapes.Make(dtypes.Int32, paddedSize), 0), numUsed)
}

// ParseInputs organizes the inputs of a model graph function.
func ParseInputs(inputs []*Node) *Inputs {
	nodes := inputs[InputNodes]
	g := nodes.Graph()
	numGraphs := inputs[InputLastNode].Shape().Dim(0)
	gr := &gnn.Structure{
		Source:    inputs[InputSource],
		Target:    inputs[InputTarget],
		NodeGraph: inputs[InputNodeGraph],
		NumGraphs: numGraphs,
		NodeMask:  getMask(g, nodes.Shape().Dim(0), inputs[InputNumNodes]),
		EdgeMask:  getMask(g, inputs[InputSource].Shape().Dim(0), inputs[InputNumEdges]),
	}
	gr.AssertValid()
	return &Inputs{
		Structure: gr,
		Nodes:     nodes,
		Edges:     inputs[InputEdges],
		LastNode:  inputs[InputLastNode],
		GraphMask: ExpandAxes(getMask(g, numGraphs, inputs[InputNumGraphs]), -1),
	}
}
