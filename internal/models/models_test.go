package models

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/gateaffinity/internal/graphs"
	"github.com/janpfeifer/gateaffinity/internal/parameters"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

const (
	testNodeFeatures = 4
	testEdgeFeatures = 2
)

// graphA has 3 nodes (edges 0->1, 1->2 and 2->0), graphB has 2 nodes (edge 0->1).
func testGraphs() (graphA, graphB *graphs.InteractionGraph) {
	graphA = &graphs.InteractionGraph{
		ID: "A",
		Nodes: [][]float32{
			{1, 0, 0, 0.5},
			{0, 1, 0, 0.5},
			{0, 0, 1, -1},
		},
		EdgeIndex: [2][]int32{{0, 1, 2}, {1, 2, 0}},
		Edges:     [][]float32{{1, 0.5}, {2, -1}, {0.5, 0.5}},
		Affinity:  6.5,
	}
	graphB = &graphs.InteractionGraph{
		ID: "B",
		Nodes: [][]float32{
			{1, 1, 0, 0},
			{0, 1, 1, 2},
		},
		EdgeIndex: [2][]int32{{0}, {1}},
		Edges:     [][]float32{{0.25, 1}},
		Affinity:  3,
	}
	return
}

func TestPaddedSize(t *testing.T) {
	wantPaddedSizes := []int{8, 8, 8, 8, 8, 8, 8, 8, 12, 12, 12, 12, 18, 18, 18, 18, 18, 18, 27}
	gotPaddedSizes := make([]int, len(wantPaddedSizes))
	for ii := range wantPaddedSizes {
		gotPaddedSizes[ii] = paddedSize(ii + 1)
	}
	require.Equal(t, wantPaddedSizes, gotPaddedSizes)
	require.Equal(t, 41, paddedSize(28))
}

func TestCreateInputs(t *testing.T) {
	graphA, graphB := testGraphs()
	batch := graphs.NewBatch([]*graphs.InteractionGraph{graphA, graphB})
	inputs := CreateInputs(batch, testNodeFeatures, testEdgeFeatures)
	require.Len(t, inputs, NumInputs)

	pad := PaddingFor(batch)
	require.Equal(t, Padding{Nodes: 8, Edges: 8, Graphs: 8}, pad)
	require.Equal(t, []int{pad.Nodes, testNodeFeatures}, inputs[InputNodes].Shape().Dimensions)
	require.Equal(t, []int{pad.Edges, testEdgeFeatures}, inputs[InputEdges].Shape().Dimensions)

	// Real nodes and edges first, then zeros.
	nodes := tensors.CopyFlatData[float32](inputs[InputNodes])
	require.Equal(t, []float32{0, 1, 1, 2}, nodes[4*testNodeFeatures:5*testNodeFeatures])
	require.Equal(t, make([]float32, testNodeFeatures), nodes[5*testNodeFeatures:6*testNodeFeatures])

	// Padding edges link the first padding node (5) to itself.
	require.Equal(t, []int32{0, 1, 2, 3, 5, 5, 5, 5}, tensors.CopyFlatData[int32](inputs[InputSource]))
	require.Equal(t, []int32{1, 2, 0, 4, 5, 5, 5, 5}, tensors.CopyFlatData[int32](inputs[InputTarget]))

	// Padding nodes belong to the first padding graph slot (2).
	require.Equal(t, []int32{0, 0, 0, 1, 1, 2, 2, 2}, tensors.CopyFlatData[int32](inputs[InputNodeGraph]))
	require.Equal(t, []int32{2, 4, 5, 5, 5, 5, 5, 5}, tensors.CopyFlatData[int32](inputs[InputLastNode]))

	require.Equal(t, int32(5), tensors.ToScalar[int32](inputs[InputNumNodes]))
	require.Equal(t, int32(4), tensors.ToScalar[int32](inputs[InputNumEdges]))
	require.Equal(t, int32(2), tensors.ToScalar[int32](inputs[InputNumGraphs]))

	labels := tensors.CopyFlatData[float32](CreateLabels(batch))
	require.Equal(t, []float32{6.5, 3, 0, 0, 0, 0, 0, 0}, labels)
}

func TestParseArch(t *testing.T) {
	for _, arch := range ArchValues() {
		parsed, err := ParseArch(arch.String())
		require.NoError(t, err)
		require.Equal(t, arch, parsed)
	}
	parsed, err := ParseArch("gin0mn")
	require.NoError(t, err)
	require.Equal(t, ArchGIN0mn, parsed)

	_, err = ParseArch("GATE8")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownArch))
	require.Contains(t, err.Error(), "GATE8")
}

func TestParseLoss(t *testing.T) {
	loss, err := ParseLoss("wmse")
	require.NoError(t, err)
	require.Equal(t, LossWeightedMSE, loss)
	_, err = ParseLoss("hinge")
	require.True(t, errors.Is(err, ErrUnknownLoss))

	_, err = New(ArchGATE, testNodeFeatures, testEdgeFeatures, parameters.Params{ParamLoss: "hinge"})
	require.True(t, errors.Is(err, ErrUnknownLoss))
}

func TestRegistry(t *testing.T) {
	require.NoError(t, ValidateRegistry())
	for _, arch := range ArchValues() {
		_, err := SpecFor(arch, testNodeFeatures, testEdgeFeatures, 0.1)
		if arch == ArchFNN {
			require.Error(t, err)
		} else {
			require.NoErrorf(t, err, "architecture %s", arch)
		}
	}

	_, err := New(ArchGATE, testNodeFeatures, testEdgeFeatures, parameters.Params{"no_such_param": "1"})
	require.Error(t, err)
}

func TestSpecWidths(t *testing.T) {
	spec, err := SpecFor(ArchGATE3, 40, 7, 0)
	require.NoError(t, err)
	require.Len(t, spec.Layers, 2)
	assert.Equal(t, 40, spec.Layers[0].NodeIn)
	assert.Equal(t, 7, spec.Layers[0].EdgeIn)
	assert.Equal(t, 512, spec.Layers[1].NodeOut)
	assert.Equal(t, 256, spec.Layers[1].EdgeOut)
	assert.Equal(t, ReadoutGlobal, spec.Readout)
	assert.Equal(t, 1, spec.readoutWidth())

	spec, err = SpecFor(ArchGATE0br, 40, 7, 0.25)
	require.NoError(t, err)
	require.Len(t, spec.Layers, 3)
	assert.False(t, spec.Layers[0].Residual)
	assert.True(t, spec.Layers[1].Residual)
	assert.True(t, spec.Layers[2].Residual)
	assert.Equal(t, 0.25, spec.Layers[2].ConvDropout)

	spec, err = SpecFor(ArchGAT2mnbn, 40, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{256, 64}, spec.InputProjection)
	assert.Equal(t, 256, spec.readoutWidth())

	spec, err = SpecFor(ArchGIN0mn, 40, 7, 0)
	require.NoError(t, err)
	require.Len(t, spec.Convs, 3)
	assert.True(t, spec.NormBetweenLayers)
	assert.Equal(t, 64, spec.readoutWidth())
}

func TestMasternodeBatchNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for arch, want := range map[Arch]int{ArchGAT0mnbn: 2, ArchGAT2mnbn: 2, ArchGIN0mn: 3} {
		t.Run(arch.String(), func(t *testing.T) {
			model, err := New(arch, testNodeFeatures, testEdgeFeatures, nil)
			require.NoError(t, err)
			_, err = NewRegressor(backend, model)
			require.NoError(t, err)
			normScopes := make(map[string]bool)
			model.Context().EnumerateVariables(func(v *context.Variable) {
				if v.Name() == "moving_mean" && strings.HasSuffix(v.Scope(), "/norm") {
					normScopes[v.Scope()] = true
				}
			})
			assert.Len(t, normScopes, want)
		})
	}
}

func TestWeightedMSELoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamLoss, LossWeightedMSE.String())
	// Third graph is padding, and must be ignored.
	loss := context.ExecOnce(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		mask := graph.Const(inputs[0].Graph(), [][]bool{{true}, {true}, {false}})
		return LossGraph(ctx, inputs[0], inputs[1], mask)
	}, [][]float32{{1}, {3}, {100}}, [][]float32{{2}, {1}, {0}})
	// (1-2)²·3 + (3-1)²·2 = 3 + 8
	require.InDelta(t, float32(11), tensors.ToScalar[float32](loss), 1e-5)
}

func TestRegressorAllArchs(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	graphA, graphB := testGraphs()
	batch := graphs.NewBatch([]*graphs.InteractionGraph{graphA, graphB})
	for _, arch := range ArchValues() {
		t.Run(arch.String(), func(t *testing.T) {
			model, err := New(arch, testNodeFeatures, testEdgeFeatures, nil)
			require.NoError(t, err)
			r, err := NewRegressor(backend, model)
			require.NoError(t, err)
			require.Greater(t, r.NumParameters(), 0)

			predictions, err := r.Predict(batch)
			require.NoError(t, err)
			require.Len(t, predictions, 2)

			loss, trainPredictions, err := r.TrainStep(batch)
			require.NoError(t, err)
			require.Len(t, trainPredictions, 2)
			require.False(t, math.IsNaN(float64(loss)))
		})
	}
}

func TestTrainStepWeightDecay(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	graphA, graphB := testGraphs()
	batch := graphs.NewBatch([]*graphs.InteractionGraph{graphA, graphB})
	for _, l2 := range []string{"0", "0.005"} {
		t.Run("l2="+l2, func(t *testing.T) {
			model, err := New(ArchGATE, testNodeFeatures, testEdgeFeatures,
				parameters.Params{"l2_regularization": l2})
			require.NoError(t, err)
			r, err := NewRegressor(backend, model)
			require.NoError(t, err)
			for range 2 {
				loss, _, err := r.TrainStep(batch)
				require.NoError(t, err)
				require.False(t, math.IsNaN(float64(loss)))
			}
		})
	}
}

func TestPredictionOrder(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(ArchGATE2, testNodeFeatures, testEdgeFeatures, nil)
	require.NoError(t, err)
	r, err := NewRegressor(backend, model)
	require.NoError(t, err)

	graphA, graphB := testGraphs()
	predictionsAB, err := r.Predict(graphs.NewBatch([]*graphs.InteractionGraph{graphA, graphB}))
	require.NoError(t, err)
	predictionsBA, err := r.Predict(graphs.NewBatch([]*graphs.InteractionGraph{graphB, graphA}))
	require.NoError(t, err)
	predictionsA, err := r.Predict(graphs.NewBatch([]*graphs.InteractionGraph{graphA}))
	require.NoError(t, err)
	require.Len(t, predictionsA, 1)

	assert.InDelta(t, predictionsAB[0], predictionsBA[1], 1e-4)
	assert.InDelta(t, predictionsAB[1], predictionsBA[0], 1e-4)
	assert.InDelta(t, predictionsAB[0], predictionsA[0], 1e-4)
}

func TestRegressorCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	graphA, graphB := testGraphs()
	batch := graphs.NewBatch([]*graphs.InteractionGraph{graphA, graphB})

	model, err := New(ArchGATE, testNodeFeatures, testEdgeFeatures, nil)
	require.NoError(t, err)
	r, err := NewRegressor(backend, model)
	require.NoError(t, err)
	r.SetLearningRate(0.01)
	require.InDelta(t, 0.01, r.LearningRate(), 1e-6)
	for range 3 {
		_, _, err = r.TrainStep(batch)
		require.NoError(t, err)
	}
	want, err := r.Predict(batch)
	require.NoError(t, err)

	dir := t.TempDir() + "/run_stdict_3"
	require.NoError(t, r.SaveAs(dir))
	require.True(t, HasCheckpoint(dir))
	require.NoError(t, ConfigurationOf(model).Save(dir))
	cfg, err := LoadConfiguration(dir)
	require.NoError(t, err)
	require.Equal(t, ArchGATE, cfg.Arch)
	require.Equal(t, testNodeFeatures, cfg.NodeFeatures)

	fresh, err := New(ArchGATE, testNodeFeatures, testEdgeFeatures, nil)
	require.NoError(t, err)
	loaded, err := LoadRegressor(backend, fresh, dir)
	require.NoError(t, err)
	got, err := loaded.Predict(batch)
	require.NoError(t, err)
	require.InDeltaSlice(t, want, got, 1e-5)

	fresh, err = New(ArchGATE, testNodeFeatures, testEdgeFeatures, nil)
	require.NoError(t, err)
	_, err = LoadRegressor(backend, fresh, t.TempDir()+"/missing")
	require.True(t, errors.Is(err, ErrMissingCheckpoint))
}
