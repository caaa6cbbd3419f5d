package gnn

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/pkg/errors"
)

// ErrResidualWidth is returned when a residual connection is requested for an update whose input and output
// widths differ.
var ErrResidualWidth = errors.New("residual connection requires equal input and output widths")

// Reduction selects what the global update pools per graph.
type Reduction int

const (
	// ReduceNodes pools the updated node features of each graph.
	ReduceNodes Reduction = iota

	// ReduceEdges pools the updated edge features of each graph, where an edge belongs to the graph of its
	// source node.
	ReduceEdges
)

func (r Reduction) String() string {
	switch r {
	case ReduceNodes:
		return "nodes"
	case ReduceEdges:
		return "edges"
	default:
		return fmt.Sprintf("Reduction(%d)", int(r))
	}
}

// GlobalSpec configures the global update of a layer.
type GlobalSpec struct {
	// Width of the global state u.
	Width int

	// Reduce selects whether nodes or edges are pooled.
	Reduce Reduction
}

// LayerSpec holds the widths of one message passing layer.
type LayerSpec struct {
	NodeIn, EdgeIn         int
	NodeHidden, EdgeHidden int
	NodeOut, EdgeOut       int

	// Residual adds the input to the output of the edge and of the node updates.
	Residual bool

	// Global update, optional.
	Global *GlobalSpec

	// ConvDropout is the dropout rate applied inside the updates. 0 disables it.
	ConvDropout float64
}

// Validate checks the widths are positive, and that residual connections are possible.
func (s LayerSpec) Validate() error {
	for _, w := range []int{s.NodeIn, s.EdgeIn, s.NodeHidden, s.EdgeHidden, s.NodeOut, s.EdgeOut} {
		if w <= 0 {
			return errors.Errorf("invalid layer widths %+v: all widths must be positive", s)
		}
	}
	if s.Residual {
		if s.EdgeIn != s.EdgeOut {
			return errors.Wrapf(ErrResidualWidth, "edge update from %d to %d features", s.EdgeIn, s.EdgeOut)
		}
		if s.NodeIn != s.NodeOut {
			return errors.Wrapf(ErrResidualWidth, "node update from %d to %d features", s.NodeIn, s.NodeOut)
		}
	}
	if s.Global != nil && s.Global.Width <= 0 {
		return errors.Errorf("invalid global state width %d", s.Global.Width)
	}
	if s.ConvDropout < 0 || s.ConvDropout >= 1 {
		return errors.Errorf("invalid conv dropout rate %g", s.ConvDropout)
	}
	return nil
}

// GlobalInputWidth is the width of the features pooled by the global update.
func (s LayerSpec) GlobalInputWidth() int {
	if s.Global != nil && s.Global.Reduce == ReduceEdges {
		return s.EdgeOut
	}
	return s.NodeOut
}

// Layer chains the edge, node and (optionally) the global updates.
type Layer struct {
	Spec LayerSpec
}

// NewLayer validates spec and returns the corresponding Layer.
func NewLayer(spec LayerSpec) (*Layer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Layer{Spec: spec}, nil
}

// Apply the layer: edges are updated first, then nodes (using the new edges) and finally, if configured, the
// global state (using the new nodes or edges).
//
// x is shaped [numNodes, NodeIn], e is shaped [numEdges, EdgeIn], and u [NumGraphs, Global.Width]. u is ignored
// (and can be nil) if there is no global update, in which case it is returned unchanged.
func (l *Layer) Apply(ctx *context.Context, gr *Structure, x, e, u *Node) (newX, newE, newU *Node) {
	s := l.Spec
	assertRows("layer node features", x, gr.NumNodes(), s.NodeIn)
	assertRows("layer edge features", e, gr.NumEdges(), s.EdgeIn)
	newE = EdgeUpdate(ctx.In("edge"), gr, x, e, s.EdgeHidden, s.EdgeOut, s.Residual, s.ConvDropout)
	newX = NodeUpdate(ctx.In("node"), gr, x, newE, s.NodeHidden, s.NodeOut, s.Residual, s.ConvDropout)
	newU = u
	if s.Global != nil {
		if u == nil {
			exceptions.Panicf("layer configured with a global update, but no global state given")
		}
		assertRows("layer global state", u, gr.NumGraphs, s.Global.Width)
		pooled := newX
		if s.Global.Reduce == ReduceEdges {
			pooled = newE
		}
		newU = GlobalUpdate(ctx.In("global"), gr, u, pooled, s.Global.Reduce, s.ConvDropout)
	}
	return
}

// dropout is a no-op if rate is 0, or if not training.
func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), rate))
}

// mlp2 is Dense(hidden) -> ReLU -> Dense(out).
func mlp2(ctx *context.Context, x *Node, hidden, out int) *Node {
	x = layers.Dense(ctx.In("hidden"), x, true, hidden)
	x = activations.Relu(x)
	return layers.Dense(ctx.In("output"), x, true, out)
}

// EdgeUpdate computes the new features of each edge from the features of its source node, its target node and its
// own: MLP(concat[x[source], x[target], e]), plus e if residual.
func EdgeUpdate(ctx *context.Context, gr *Structure, x, e *Node, hidden, out int, residual bool, convDropout float64) *Node {
	if residual && e.Shape().Dim(-1) != out {
		panic(errors.Wrapf(ErrResidualWidth, "edge update from %d to %d features", e.Shape().Dim(-1), out))
	}
	input := Concatenate([]*Node{gatherRows(x, gr.Source), gatherRows(x, gr.Target), e}, -1)
	input = dropout(ctx, input, convDropout)
	newE := mlp2(ctx, input, hidden, out)
	if residual {
		newE = Add(newE, e)
	}
	return newE
}

// NodeUpdate computes the new features of each node.
//
// For every edge a message is built from the features of its target node and the (already updated) edge features,
// MLP₁(concat[x[target], e]). Messages are averaged on the edge's source node (nodes without outgoing edges get
// zeros), and combined with the node's own features: MLP₂(concat[x, mean]), plus x if residual.
func NodeUpdate(ctx *context.Context, gr *Structure, x, e *Node, hidden, out int, residual bool, convDropout float64) *Node {
	if residual && x.Shape().Dim(-1) != out {
		panic(errors.Wrapf(ErrResidualWidth, "node update from %d to %d features", x.Shape().Dim(-1), out))
	}
	messages := Concatenate([]*Node{gatherRows(x, gr.Target), e}, -1)
	messages = mlp2(ctx.In("message"), messages, hidden, hidden)
	aggregated := SegmentMean(messages, gr.Source, gr.NumNodes())
	aggregated = dropout(ctx, aggregated, convDropout)
	newX := mlp2(ctx.In("combine"), Concatenate([]*Node{x, aggregated}, -1), hidden, out)
	if residual {
		newX = Add(newX, x)
	}
	return newX
}

// GlobalUpdate computes the new global state of each graph from its current state and the mean of the features
// (of nodes or of edges, according to reduce) of the graph: MLP(concat[u, mean]), with a hidden layer of half the
// width of the pooled features.
func GlobalUpdate(ctx *context.Context, gr *Structure, u, features *Node, reduce Reduction, convDropout float64) *Node {
	var segments *Node
	switch reduce {
	case ReduceNodes:
		segments = gr.NodeGraph
	case ReduceEdges:
		segments = gr.EdgeGraph()
	default:
		exceptions.Panicf("unknown global reduction %s", reduce)
	}
	pooled := SegmentMean(features, segments, gr.NumGraphs)
	input := Concatenate([]*Node{u, pooled}, -1)
	input = dropout(ctx, input, convDropout)
	hidden := max(features.Shape().Dim(-1)/2, 1)
	return mlp2(ctx, input, hidden, u.Shape().Dim(-1))
}
