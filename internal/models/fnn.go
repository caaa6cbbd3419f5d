package models

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/kan"
	"github.com/janpfeifer/gateaffinity/internal/gnn"
)

// FNN implements a feed-forward baseline on the mean of the node features and the mean of the edge features of
// each graph. It ignores the graph structure.
type FNN struct {
	ctx *context.Context
}

// Assert FNN is a Model.
var _ Model = (*FNN)(nil)

// NewFNN creates an FNN model. Its network is configured by the hyperparameters in ctx (see NewContext for
// defaults).
func NewFNN(ctx *context.Context) *FNN {
	return &FNN{ctx: ctx}
}

// Context implements Model.
func (fnn *FNN) Context() *context.Context { return fnn.ctx }

// Arch implements Model.
func (fnn *FNN) Arch() Arch { return ArchFNN }

// ForwardGraph implements Model.
func (fnn *FNN) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	in := ParseInputs(inputs)
	gr := in.Structure
	pooled := Concatenate([]*Node{
		gnn.SegmentMean(in.Nodes, gr.NodeGraph, gr.NumGraphs),
		gnn.SegmentMean(in.Edges, gr.EdgeGraph(), gr.NumGraphs),
	}, -1)

	// The network itself is an FNN or a KAN.
	var predictions *Node
	if context.GetParamOr(ctx, "kan", false) {
		predictions = kan.New(ctx.In("kan"), pooled, 1).Done()
	} else {
		predictions = fnnLayer.New(ctx.In("fnn"), pooled, 1).Done()
	}
	predictions.AssertDims(gr.NumGraphs, 1) // 2-dim tensor, with the graphs as the leading dimension.
	return predictions
}
