package models

import (
	"fmt"

	"github.com/janpfeifer/gateaffinity/internal/gnn"
	"github.com/pkg/errors"
)

// Readout defines how the per graph representation fed to the regression head is obtained.
type Readout int

const (
	// ReadoutSumNodes sums the node features of each graph.
	ReadoutSumNodes Readout = iota

	// ReadoutMeanEdges averages the edge features of each graph.
	ReadoutMeanEdges

	// ReadoutGlobal uses the global state of each graph.
	ReadoutGlobal

	// ReadoutMasternode uses the node features of the last node of each graph.
	ReadoutMasternode
)

func (r Readout) String() string {
	switch r {
	case ReadoutSumNodes:
		return "sum_nodes"
	case ReadoutMeanEdges:
		return "mean_edges"
	case ReadoutGlobal:
		return "global"
	case ReadoutMasternode:
		return "masternode"
	default:
		return fmt.Sprintf("Readout(%d)", int(r))
	}
}

// ConvKind selects the convolution used by the masternode architectures.
type ConvKind int

const (
	ConvGATv2 ConvKind = iota
	ConvGINE
)

// ConvSpec configures one convolution, always followed by ReLU.
type ConvSpec struct {
	Kind ConvKind

	// Out is the output width per head for ConvGATv2 and the output width for ConvGINE.
	Out int

	// Heads of attention, only for ConvGATv2.
	Heads int

	// Hidden width of the MLP, only for ConvGINE.
	Hidden int
}

// Width returns the output width of the convolution.
func (c ConvSpec) Width() int {
	if c.Kind == ConvGATv2 {
		return c.Out * c.Heads
	}
	return c.Out
}

// ArchSpec describes a graph architecture: an optional projection of the node features, a stack of message passing
// layers or of convolutions, a readout and a regression head. One generic builder (GraphModel) implements them all.
type ArchSpec struct {
	// InputProjection widths: Dense layers applied to the node features before message passing, with ReLU in
	// between them.
	InputProjection []int

	// Layers of message passing (edge, node and optional global updates). Exclusive with Convs.
	Layers []gnn.LayerSpec

	// NormBetweenLayers applies batch normalization to the node and edge features after every layer but the last.
	// With convolutions, it applies batch normalization to the node features after every convolution.
	NormBetweenLayers bool

	// Convs used instead of Layers.
	Convs []ConvSpec

	// GlobalWidth is the width of the global state, initialized with zeros. 0 if there is no global state.
	GlobalWidth int

	Readout Readout

	// Head holds the widths of the regression head. If empty, the readout is the prediction, and it must have
	// width 1.
	Head []int

	// HeadDropout enables dropout (with the "dropout" hyperparameter) on the input of the head.
	HeadDropout bool
}

// Validate checks that layer widths chain properly and that the readout is consistent.
func (s ArchSpec) Validate() error {
	if (len(s.Layers) == 0) == (len(s.Convs) == 0) {
		return errors.New("architecture must have either message passing layers or convolutions")
	}
	for ii, layer := range s.Layers {
		if err := layer.Validate(); err != nil {
			return errors.WithMessagef(err, "layer #%d", ii+1)
		}
		if ii > 0 {
			prev := s.Layers[ii-1]
			if layer.NodeIn != prev.NodeOut || layer.EdgeIn != prev.EdgeOut {
				return errors.Errorf("layer #%d takes (%d, %d) node/edge features, but previous layer outputs (%d, %d)",
					ii+1, layer.NodeIn, layer.EdgeIn, prev.NodeOut, prev.EdgeOut)
			}
		}
		if (layer.Global != nil) != (s.GlobalWidth > 0) {
			return errors.Errorf("layer #%d global update doesn't match the architecture global width %d", ii+1, s.GlobalWidth)
		}
		if layer.Global != nil && layer.Global.Width != s.GlobalWidth {
			return errors.Errorf("layer #%d global width %d, architecture uses %d", ii+1, layer.Global.Width, s.GlobalWidth)
		}
	}
	if s.Readout == ReadoutGlobal && s.GlobalWidth == 0 {
		return errors.New("global readout requires a global state")
	}
	if s.Readout == ReadoutMasternode && len(s.Convs) == 0 {
		return errors.New("masternode readout is only supported with convolutions")
	}
	if len(s.Head) == 0 && s.readoutWidth() != 1 {
		return errors.Errorf("architecture without a head must have a readout of width 1, got %d", s.readoutWidth())
	}
	if len(s.Head) > 0 && s.Head[len(s.Head)-1] != 1 {
		return errors.Errorf("regression head must output 1 value, got %d", s.Head[len(s.Head)-1])
	}
	return nil
}

// readoutWidth is the width of the representation fed to the head.
func (s ArchSpec) readoutWidth() int {
	switch s.Readout {
	case ReadoutGlobal:
		return s.GlobalWidth
	case ReadoutMeanEdges:
		if len(s.Layers) > 0 {
			return s.Layers[len(s.Layers)-1].EdgeOut
		}
	case ReadoutSumNodes, ReadoutMasternode:
		if len(s.Layers) > 0 {
			return s.Layers[len(s.Layers)-1].NodeOut
		}
		if len(s.Convs) > 0 {
			return s.Convs[len(s.Convs)-1].Width()
		}
	}
	return 0
}

// metaLayer is a shortcut to a gnn.LayerSpec.
func metaLayer(nodeIn, edgeIn, nodeHidden, edgeHidden, nodeOut, edgeOut int) gnn.LayerSpec {
	return gnn.LayerSpec{
		NodeIn: nodeIn, EdgeIn: edgeIn,
		NodeHidden: nodeHidden, EdgeHidden: edgeHidden,
		NodeOut: nodeOut, EdgeOut: edgeOut,
	}
}

// withGlobal returns the layers with a global update of the given width pooling nodes.
func withGlobal(width int, layers ...gnn.LayerSpec) []gnn.LayerSpec {
	for ii := range layers {
		layers[ii].Global = &gnn.GlobalSpec{Width: width, Reduce: gnn.ReduceNodes}
	}
	return layers
}

// gate0Layers returns the layers of the GATE0 family: 2 or 3 layers with conv dropout, and residual connections
// on all layers but the first if residual is set.
func gate0Layers(nodeIn, edgeIn, numLayers int, residual bool, convDropout float64) []gnn.LayerSpec {
	layers := []gnn.LayerSpec{metaLayer(nodeIn, edgeIn, 128, 64, 256, 128)}
	for range numLayers - 1 {
		layer := metaLayer(256, 128, 256, 128, 256, 128)
		layer.Residual = residual
		layers = append(layers, layer)
	}
	for ii := range layers {
		layers[ii].ConvDropout = convDropout
	}
	return layers
}

// SpecFor returns the ArchSpec of a graph architecture, for the given node and edge input feature widths.
// convDropout is only used by architectures that support it.
//
// It returns an error for ArchFNN, which is not a graph architecture.
func SpecFor(arch Arch, nodeIn, edgeIn int, convDropout float64) (ArchSpec, error) {
	first := metaLayer(nodeIn, edgeIn, 128, 64, 256, 128)
	var spec ArchSpec
	switch arch {
	case ArchGATE:
		spec = ArchSpec{Layers: []gnn.LayerSpec{first}, Readout: ReadoutSumNodes, Head: []int{64, 1}, HeadDropout: true}
	case ArchGATE2:
		spec = ArchSpec{Layers: withGlobal(1, first), GlobalWidth: 1, Readout: ReadoutGlobal}
	case ArchGATE3:
		spec = ArchSpec{
			Layers:      withGlobal(1, first, metaLayer(256, 128, 256, 128, 512, 256)),
			GlobalWidth: 1, Readout: ReadoutGlobal,
		}
	case ArchGATE4:
		spec = ArchSpec{Layers: []gnn.LayerSpec{first}, Readout: ReadoutMeanEdges, Head: []int{64, 1}, HeadDropout: true}
	case ArchGATE5, ArchGATE6:
		globalWidth := 1
		if arch == ArchGATE6 {
			globalWidth = 64
		}
		spec = ArchSpec{
			Layers: withGlobal(globalWidth, first,
				metaLayer(256, 128, 256, 128, 512, 256),
				metaLayer(512, 256, 512, 256, 512, 256)),
			GlobalWidth: globalWidth, Readout: ReadoutGlobal,
		}
		if arch == ArchGATE6 {
			spec.Head = []int{16, 1}
		}
	case ArchGATE7:
		spec = ArchSpec{
			Layers:  []gnn.LayerSpec{first, metaLayer(256, 128, 256, 128, 256, 256)},
			Readout: ReadoutMeanEdges, Head: []int{64, 1}, HeadDropout: true,
		}
	case ArchGATE0a, ArchGATE0b, ArchGATE0ar, ArchGATE0br:
		numLayers := 2
		if arch == ArchGATE0b || arch == ArchGATE0br {
			numLayers = 3
		}
		residual := arch == ArchGATE0ar || arch == ArchGATE0br
		spec = ArchSpec{
			Layers:            gate0Layers(nodeIn, edgeIn, numLayers, residual, convDropout),
			NormBetweenLayers: true,
			Readout:           ReadoutSumNodes, Head: []int{64, 1}, HeadDropout: true,
		}
	case ArchGAT0mnbn, ArchGAT2mnbn:
		spec = ArchSpec{
			Convs: []ConvSpec{
				{Kind: ConvGATv2, Out: 256, Heads: 4},
				{Kind: ConvGATv2, Out: 64, Heads: 4},
			},
			NormBetweenLayers: true,
			Readout:           ReadoutMasternode, Head: []int{64, 1}, HeadDropout: true,
		}
		if arch == ArchGAT2mnbn {
			spec.InputProjection = []int{256, 64}
		}
	case ArchGIN0mn:
		spec = ArchSpec{
			Convs: []ConvSpec{
				{Kind: ConvGINE, Hidden: 256, Out: 256},
				{Kind: ConvGINE, Hidden: 128, Out: 128},
				{Kind: ConvGINE, Hidden: 64, Out: 64},
			},
			NormBetweenLayers: true,
			Readout:           ReadoutMasternode, Head: []int{16, 1}, HeadDropout: true,
		}
	default:
		return ArchSpec{}, errors.Errorf("architecture %s is not a graph architecture", arch)
	}
	if err := spec.Validate(); err != nil {
		return ArchSpec{}, errors.WithMessagef(err, "invalid architecture %s", arch)
	}
	return spec, nil
}
