package models

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/janpfeifer/gateaffinity/internal/gnn"
)

// GraphModel implements all the graph architectures, driven by their ArchSpec.
type GraphModel struct {
	ctx  *context.Context
	arch Arch
	spec ArchSpec
}

// Assert GraphModel is a Model.
var _ Model = (*GraphModel)(nil)

// NewGraphModel creates the model of a graph architecture, using the hyperparameters in ctx.
func NewGraphModel(ctx *context.Context, arch Arch, nodeFeatures, edgeFeatures int) (*GraphModel, error) {
	convDropout := context.GetParamOr(ctx, ParamConvDropout, 0.0)
	spec, err := SpecFor(arch, nodeFeatures, edgeFeatures, convDropout)
	if err != nil {
		return nil, err
	}
	return &GraphModel{ctx: ctx, arch: arch, spec: spec}, nil
}

// Context implements Model.
func (m *GraphModel) Context() *context.Context { return m.ctx }

// Arch implements Model.
func (m *GraphModel) Arch() Arch { return m.arch }

// Spec returns the ArchSpec the model was built from.
func (m *GraphModel) Spec() ArchSpec { return m.spec }

// ForwardGraph implements Model.
func (m *GraphModel) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	in := ParseInputs(inputs)
	gr := in.Structure
	g := in.Nodes.Graph()
	spec := m.spec
	x, e := in.Nodes, in.Edges

	for ii, width := range spec.InputProjection {
		if ii > 0 {
			x = activations.Relu(x)
		}
		x = layers.Dense(ctx.In(fmt.Sprintf("projection_%d", ii)), x, true, width)
	}

	var u *Node
	if spec.GlobalWidth > 0 {
		u = Zeros(g, shapes.Make(x.DType(), gr.NumGraphs, spec.GlobalWidth))
	}
	for ii, layerSpec := range spec.Layers {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", ii))
		layer := &gnn.Layer{Spec: layerSpec}
		x, e, u = layer.Apply(layerCtx, gr, x, e, u)
		if spec.NormBetweenLayers && ii < len(spec.Layers)-1 {
			x = gnn.BatchNorm(layerCtx.In("node_norm"), x, gr.NodeMask)
			e = gnn.BatchNorm(layerCtx.In("edge_norm"), e, gr.EdgeMask)
		}
	}

	convDropout := context.GetParamOr(ctx, ParamConvDropout, 0.0)
	for ii, conv := range spec.Convs {
		convCtx := ctx.In(fmt.Sprintf("conv_%d", ii))
		switch conv.Kind {
		case ConvGATv2:
			x = gnn.GATv2Conv(convCtx, gr, x, e, conv.Out, conv.Heads, convDropout)
		case ConvGINE:
			x = gnn.GINEConv(convCtx, gr, x, e, conv.Hidden, conv.Out)
		}
		x = activations.Relu(x)
		if spec.NormBetweenLayers {
			x = gnn.BatchNorm(convCtx.In("norm"), x, gr.NodeMask)
		}
	}

	var readout *Node
	switch spec.Readout {
	case ReadoutSumNodes:
		readout = gnn.SegmentSum(x, gr.NodeGraph, gr.NumGraphs)
	case ReadoutMeanEdges:
		readout = gnn.SegmentMean(e, gr.EdgeGraph(), gr.NumGraphs)
	case ReadoutGlobal:
		readout = u
	case ReadoutMasternode:
		readout = gnn.GatherMasterNodes(x, in.LastNode)
	}

	predictions := readout
	if len(spec.Head) > 0 {
		var rate float64
		if spec.HeadDropout {
			rate = context.GetParamOr(ctx, ParamDropout, 0.0)
		}
		predictions = gnn.RegressionHead(ctx.In("head"), readout, rate, spec.Head...)
	}
	predictions.AssertDims(gr.NumGraphs, 1)
	return predictions
}
