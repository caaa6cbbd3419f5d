package gnn

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// RegressionHead applies dropout to x (shaped [batch, features]) and then a sequence of Dense layers with the
// given widths, with ReLU in between. The last width is the output dimension.
func RegressionHead(ctx *context.Context, x *Node, dropoutRate float64, widths ...int) *Node {
	x = dropout(ctx, x, dropoutRate)
	for ii, width := range widths {
		if ii > 0 {
			x = activations.Relu(x)
		}
		x = layers.Dense(ctx.In(fmt.Sprintf("fc_%d", ii)), x, true, width)
	}
	return x
}

// GINEConv is a graph isomorphism convolution with edge features: each edge sends ReLU(x[source] + Dense(e)) to
// its target, messages are summed, added to the node's own features and passed through an MLP with the given
// hidden and output widths.
func GINEConv(ctx *context.Context, gr *Structure, x, e *Node, hidden, out int) *Node {
	edgeProj := layers.Dense(ctx.In("edge"), e, true, x.Shape().Dim(-1))
	messages := activations.Relu(Add(gatherRows(x, gr.Source), edgeProj))
	aggregated := SegmentSum(messages, gr.Target, gr.NumNodes())
	return mlp2(ctx.In("mlp"), Add(x, aggregated), hidden, out)
}

// GATv2Conv is a multi-head graph attention convolution (the "dynamic attention" variant) using edge features.
//
// A self-loop is added to every node, with edge features set to the mean of the features of the node's incoming
// edges. The output of the heads is concatenated, so the result is shaped [numNodes, heads*outPerHead].
// attentionDropout is applied to the attention coefficients while training.
func GATv2Conv(ctx *context.Context, gr *Structure, x, e *Node, outPerHead, heads int, attentionDropout float64) *Node {
	g := x.Graph()
	dtype := x.DType()
	numNodes := gr.NumNodes()
	width := outPerHead * heads

	// Add self-loops.
	nodeIndices := Iota(g, shapes.Make(dtypes.Int32, numNodes), 0)
	source := Concatenate([]*Node{gr.Source, nodeIndices}, 0)
	target := Concatenate([]*Node{gr.Target, nodeIndices}, 0)
	loopFeatures := SegmentMean(e, gr.Target, numNodes)
	e = Concatenate([]*Node{e, loopFeatures}, 0)
	numEdges := source.Shape().Dim(0)

	xSource := gatherRows(layers.Dense(ctx.In("source"), x, true, width), source)
	xTarget := gatherRows(layers.Dense(ctx.In("target"), x, true, width), target)
	edgeProj := layers.Dense(ctx.In("edge"), e, false, width)
	hidden := Add(Add(xSource, xTarget), edgeProj)
	hidden = Max(hidden, MulScalar(hidden, 0.2)) // Leaky ReLU.
	hidden = Reshape(hidden, numEdges, heads, outPerHead)

	attentionVar := ctx.VariableWithShape("attention", shapes.Make(dtype, heads, outPerHead))
	logits := ReduceSum(Mul(hidden, ExpandAxes(attentionVar.ValueGraph(g), 0)), -1) // [numEdges, heads]
	alpha := SegmentSoftmax(logits, target, numNodes)
	alpha = dropout(ctx, alpha, attentionDropout)

	messages := Mul(Reshape(xSource, numEdges, heads, outPerHead), ExpandAxes(alpha, -1))
	messages = Reshape(messages, numEdges, width)
	out := SegmentSum(messages, target, numNodes)
	biasVar := ctx.VariableWithValue("bias", make([]float32, width))
	return Add(out, ExpandAxes(biasVar.ValueGraph(g), 0))
}

// GatherMasterNodes returns the rows of x at the given node indices (shaped [numGraphs], Int32), used to read
// the state of the masternode of each graph.
func GatherMasterNodes(x, masterNodes *Node) *Node {
	return gatherRows(x, masterNodes)
}
