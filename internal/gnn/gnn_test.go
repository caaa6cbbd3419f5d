package gnn

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/xla"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoGraphs is the union of graph A (3 nodes, edges 0->1 and 1->2) and graph B (2 nodes, edge 3->4), with node
// features of width 4 and edge features of width 2.
var twoGraphs = struct {
	nodes            [][]float32
	edges            [][]float32
	source, target   []int32
	nodeGraph        []int32
	lastNode         []int32
	numNodes, nodeIn int
}{
	nodes: [][]float32{
		{1, 0, 0, 0.5},
		{0, 1, 0, 0.5},
		{0, 0, 1, -1},
		{1, 1, 0, 0},
		{0, 1, 1, 2},
	},
	edges:     [][]float32{{1, 0.5}, {2, -1}, {0.25, 1}},
	source:    []int32{0, 1, 3},
	target:    []int32{1, 2, 4},
	nodeGraph: []int32{0, 0, 0, 1, 1},
	lastNode:  []int32{2, 4},
	numNodes:  5,
	nodeIn:    4,
}

func twoGraphsInputs() []any {
	return []any{twoGraphs.nodes, twoGraphs.edges, twoGraphs.source, twoGraphs.target, twoGraphs.nodeGraph}
}

// twoGraphsStructure builds the Structure from the inputs given by twoGraphsInputs.
func twoGraphsStructure(inputs []*Node) (gr *Structure, x, e *Node) {
	gr = &Structure{Source: inputs[2], Target: inputs[3], NodeGraph: inputs[4], NumGraphs: 2}
	gr.AssertValid()
	return gr, inputs[0], inputs[1]
}

func filled(rows, cols int, value float32) [][]float32 {
	m := make([][]float32, rows)
	for ii := range m {
		m[ii] = make([]float32, cols)
		for jj := range m[ii] {
			m[ii][jj] = value
		}
	}
	return m
}

func TestLayerSpecValidate(t *testing.T) {
	spec := LayerSpec{NodeIn: 4, EdgeIn: 2, NodeHidden: 8, EdgeHidden: 4, NodeOut: 16, EdgeOut: 2, Residual: true}
	_, err := NewLayer(spec)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrResidualWidth), "got %v", err)

	spec.EdgeOut = 3
	spec.NodeOut = 4
	_, err = NewLayer(spec)
	require.True(t, errors.Is(err, ErrResidualWidth), "got %v", err)

	spec.EdgeOut = 2
	layer, err := NewLayer(spec)
	require.NoError(t, err)
	require.NotNil(t, layer)

	spec.Residual = false
	spec.NodeOut = 256
	spec.Global = &GlobalSpec{Width: 1, Reduce: ReduceEdges}
	require.NoError(t, spec.Validate())
	assert.Equal(t, 2, spec.GlobalInputWidth())

	spec.ConvDropout = 1
	require.Error(t, spec.Validate())
}

func TestSegmentOps(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := ExecOnceN(backend, func(data, ids *Node) []*Node {
		return []*Node{
			SegmentSum(data, ids, 4),
			SegmentMean(data, ids, 4),
			SegmentCount(ids, 4, data.DType()),
		}
	}, [][]float32{{1, 2}, {3, 4}, {5, 6}}, []int32{0, 0, 2})
	assert.Equal(t, [][]float32{{4, 6}, {0, 0}, {5, 6}, {0, 0}}, outputs[0].Value())
	// Segment 0 has two entries, segment 2 exactly one, segments 1 and 3 none: they get zeros.
	assert.Equal(t, [][]float32{{2, 3}, {0, 0}, {5, 6}, {0, 0}}, outputs[1].Value())
	assert.Equal(t, []float32{2, 0, 1, 0}, outputs[2].Value())

	softmax := ExecOnce(backend, func(logits, ids *Node) *Node {
		return SegmentSoftmax(logits, ids, 3)
	}, [][]float32{{0, 1}, {0, 2}, {5, -1}, {10, 3}}, []int32{0, 0, 1, 2})
	got := softmax.Value().([][]float32)
	assert.InDelta(t, 0.5, got[0][0], 1e-6)
	assert.InDelta(t, 0.5, got[1][0], 1e-6)
	assert.InDelta(t, 1/(1+math.E), got[0][1], 1e-6)
	assert.InDelta(t, 1.0, got[2][0], 1e-6)
	assert.InDelta(t, 1.0, got[3][1], 1e-6)
}

func TestEdgeUpdateFixedWeights(t *testing.T) {
	const hidden, out = 3, 2
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	inputWidth := 2*twoGraphs.nodeIn + 2
	edgeCtx := ctx.In("edge")
	edgeCtx.In("hidden").In("dense").VariableWithValue("weights", filled(inputWidth, hidden, 0.1))
	edgeCtx.In("hidden").In("dense").VariableWithValue("biases", make([]float32, hidden))
	edgeCtx.In("output").In("dense").VariableWithValue("weights", filled(hidden, out, 1))
	edgeCtx.In("output").In("dense").VariableWithValue("biases", make([]float32, out))

	newEdgesT := context.ExecOnce(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		gr, x, e := twoGraphsStructure(inputs)
		return EdgeUpdate(ctx.In("edge"), gr, x, e, hidden, out, false, 0)
	}, twoGraphsInputs()...)
	newEdges := newEdgesT.Value().([][]float32)
	require.Len(t, newEdges, 3)

	// With constant weights, every output is hidden * ReLU(0.1 * sum(concat[x[src], x[dst], e])).
	for edgeIdx := range twoGraphs.edges {
		var sum float32
		for _, v := range twoGraphs.nodes[twoGraphs.source[edgeIdx]] {
			sum += v
		}
		for _, v := range twoGraphs.nodes[twoGraphs.target[edgeIdx]] {
			sum += v
		}
		for _, v := range twoGraphs.edges[edgeIdx] {
			sum += v
		}
		want := hidden * max(0.1*sum, 0)
		for col := range out {
			assert.InDeltaf(t, want, newEdges[edgeIdx][col], 1e-5, "edge %d, column %d", edgeIdx, col)
		}
	}

	// Residual requires matching widths.
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, context.New(), func(ctx *context.Context, inputs []*Node) *Node {
			gr, x, e := twoGraphsStructure(inputs)
			return EdgeUpdate(ctx, gr, x, e, hidden, 5, true, 0)
		}, twoGraphsInputs()...)
	})
}

func TestNodeUpdateAggregatesOnSource(t *testing.T) {
	const hidden, out = 4, 3
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	nodeCtx := ctx.In("node")
	// Message MLP returns a constant 1 per hidden unit, regardless of the input.
	nodeCtx.In("message").In("hidden").In("dense").VariableWithValue("weights", filled(twoGraphs.nodeIn+2, hidden, 0))
	nodeCtx.In("message").In("hidden").In("dense").VariableWithValue("biases", filled(1, hidden, 1)[0])
	nodeCtx.In("message").In("output").In("dense").VariableWithValue("weights", filled(hidden, hidden, 0.25))
	nodeCtx.In("message").In("output").In("dense").VariableWithValue("biases", make([]float32, hidden))
	// Combine MLP only looks at the aggregated messages (the last hidden columns of its input).
	combineWeights := filled(twoGraphs.nodeIn+hidden, hidden, 0)
	for ii := range hidden {
		combineWeights[twoGraphs.nodeIn+ii][ii] = 1
	}
	nodeCtx.In("combine").In("hidden").In("dense").VariableWithValue("weights", combineWeights)
	nodeCtx.In("combine").In("hidden").In("dense").VariableWithValue("biases", make([]float32, hidden))
	nodeCtx.In("combine").In("output").In("dense").VariableWithValue("weights", filled(hidden, out, 1))
	nodeCtx.In("combine").In("output").In("dense").VariableWithValue("biases", make([]float32, out))

	newNodesT := context.ExecOnce(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		gr, x, e := twoGraphsStructure(inputs)
		return NodeUpdate(ctx.In("node"), gr, x, e, hidden, out, false, 0)
	}, twoGraphsInputs()...)
	newNodes := newNodesT.Value().([][]float32)
	require.Len(t, newNodes, twoGraphs.numNodes)

	// Every message is a vector of 1s, so the mean is 1s for nodes with outgoing edges (sources 0, 1 and 3),
	// and zeros for the others (nodes 2 and 4). The output sums the hidden units.
	for nodeIdx, want := range []float32{4, 4, 0, 4, 0} {
		for col := range out {
			assert.InDeltaf(t, want, newNodes[nodeIdx][col], 1e-5, "node %d, column %d", nodeIdx, col)
		}
	}
}

func TestLayerApply(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, reduce := range []Reduction{ReduceNodes, ReduceEdges} {
		layer, err := NewLayer(LayerSpec{
			NodeIn: 4, EdgeIn: 2, NodeHidden: 8, EdgeHidden: 4, NodeOut: 6, EdgeOut: 5,
			Global: &GlobalSpec{Width: 3, Reduce: reduce}, ConvDropout: 0.1,
		})
		require.NoError(t, err)
		outputs := context.ExecOnceN(backend, context.New(), func(ctx *context.Context, inputs []*Node) []*Node {
			gr, x, e := twoGraphsStructure(inputs)
			u := Zeros(x.Graph(), shapes.Make(x.DType(), gr.NumGraphs, 3))
			x, e, u = layer.Apply(ctx, gr, x, e, u)
			return []*Node{x, e, u}
		}, twoGraphsInputs()...)
		outputs[0].Shape().AssertDims(5, 6)
		outputs[1].Shape().AssertDims(3, 5)
		outputs[2].Shape().AssertDims(2, 3)
	}
}

func TestBatchNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	x := [][]float32{{1, 10}, {3, 20}, {5, 30}, {1000, -1000}}
	mask := []bool{true, true, true, false}

	// Training: uses the batch statistics of the masked rows.
	ctx := context.New()
	trainedT := context.ExecOnce(backend, ctx, func(ctx *context.Context, x, mask *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return BatchNorm(ctx.In("bn"), x, mask)
	}, x, mask)
	trained := trainedT.Value().([][]float32)
	for col := range 2 {
		var sum float32
		for row := range 3 {
			sum += trained[row][col]
		}
		assert.InDelta(t, 0, sum, 1e-4)
		assert.InDelta(t, -trained[2][col], trained[0][col], 1e-4)
	}
	assert.InDelta(t, -math.Sqrt(1.5), trained[0][0], 1e-3)

	// The moving averages were updated: 10% of the batch mean.
	movingMean := ctx.GetVariableByScopeAndName("/bn", "moving_mean")
	require.NotNil(t, movingMean)
	assert.InDeltaSlice(t, []float32{0.3, 2}, tensors.CopyFlatData[float32](movingMean.Value()), 1e-5)

	// Inference with fresh statistics (mean 0, variance 1) is the identity.
	inferredT := context.ExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
		return BatchNorm(ctx.In("bn"), x, nil)
	}, x)
	inferred := inferredT.Value().([][]float32)
	for row := range x {
		assert.InDeltaSlice(t, x[row], inferred[row], 1e-2)
	}
}

func TestConvolutions(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := context.ExecOnceN(backend, context.New(), func(ctx *context.Context, inputs []*Node) []*Node {
		gr, x, e := twoGraphsStructure(inputs)
		gat := GATv2Conv(ctx.In("gat"), gr, x, e, 8, 4, 0)
		gine := GINEConv(ctx.In("gine"), gr, x, e, 16, 6)
		masters := GatherMasterNodes(gine, Const(x.Graph(), twoGraphs.lastNode))
		head := RegressionHead(ctx.In("head"), masters, 0.5, 4, 1)
		return []*Node{gat, gine, masters, head}
	}, twoGraphsInputs()...)
	outputs[0].Shape().AssertDims(5, 32)
	outputs[1].Shape().AssertDims(5, 6)
	outputs[2].Shape().AssertDims(2, 6)
	outputs[3].Shape().AssertDims(2, 1)
	gine := outputs[1].Value().([][]float32)
	masters := outputs[2].Value().([][]float32)
	assert.Equal(t, gine[2], masters[0])
	assert.Equal(t, gine[4], masters[1])
}
