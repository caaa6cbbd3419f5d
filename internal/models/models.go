// Package models implements the binding affinity regression models: the GATE family of message passing
// architectures, the masternode convolution architectures and a feed-forward baseline on pooled features.
//
// All models share the same inputs (a padded batch of interaction graphs, see CreateInputs) and output one
// prediction per graph. Regressor wraps a Model with the executors used for prediction, evaluation and training,
// and with checkpointing.
package models

import (
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/kan"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/gateaffinity/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is a GoMLX graph regression model.
type Model interface {
	// Context used by the model: with both its weights and hyperparameters.
	Context() *context.Context

	// Arch of the model.
	Arch() Arch

	// ForwardGraph is the GoMLX model graph function with the forward path. It takes the inputs created by
	// CreateInputs, and it must return one prediction per graph slot (including padding), shaped [numGraphs, 1].
	ForwardGraph(ctx *context.Context, inputs []*graph.Node) *graph.Node
}

// Factory creates a model for the given input feature widths, configured by the hyperparameters in ctx.
type Factory func(ctx *context.Context, nodeFeatures, edgeFeatures int) (Model, error)

// Registry maps every architecture to its factory.
var Registry = make(map[Arch]Factory)

func init() {
	for _, arch := range ArchValues() {
		if arch == ArchFNN {
			continue
		}
		Registry[arch] = func(ctx *context.Context, nodeFeatures, edgeFeatures int) (Model, error) {
			model, err := NewGraphModel(ctx, arch, nodeFeatures, edgeFeatures)
			if err != nil {
				return nil, err
			}
			return model, nil
		}
	}
	Registry[ArchFNN] = func(ctx *context.Context, nodeFeatures, edgeFeatures int) (Model, error) {
		return NewFNN(ctx), nil
	}
}

// ValidateRegistry checks that every enumerated architecture has a factory. It should be called at startup.
func ValidateRegistry() error {
	for _, arch := range ArchValues() {
		if _, found := Registry[arch]; !found {
			return errors.Wrapf(ErrUnknownArch, "architecture %s has no registered factory", arch)
		}
	}
	return nil
}

// Hyperparameters keys stored in the model context.
const (
	// ParamArch is the name of the architecture.
	ParamArch = "arch"

	// ParamNodeFeatures and ParamEdgeFeatures are the input feature widths.
	ParamNodeFeatures = "node_features"
	ParamEdgeFeatures = "edge_features"

	// ParamDropout is the dropout rate applied before the regression head.
	ParamDropout = "dropout_prob"

	// ParamConvDropout is the dropout rate used inside the message passing layers and the attention.
	ParamConvDropout = "conv_dropout_prob"

	// ParamLoss is the name of the loss function, see ParseLoss.
	ParamLoss = "loss_func"

	// ParamHuberDelta is the delta of the Huber loss.
	ParamHuberDelta = "huber_delta"

	// ParamBatchSize is the number of graphs per training batch.
	ParamBatchSize = "batch_size"
)

var (
	// backend is a singleton, the same for all models.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })
)

// Backend returns the default backend, created at the first call.
func Backend() backends.Backend {
	return backend()
}

// NewContext creates a context with hyperparameters set to their defaults, for the given architecture and input
// feature widths.
func NewContext(arch Arch, nodeFeatures, edgeFeatures int) *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamArch:         arch.String(),
		ParamNodeFeatures: nodeFeatures,
		ParamEdgeFeatures: edgeFeatures,
		ParamBatchSize:    64,
		ParamLoss:         LossMSE.String(),
		ParamHuberDelta:   1.0,
		ParamDropout:      0.0,
		ParamConvDropout:  0.0,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		optimizers.ParamAdamEpsilon:  1e-8,
		optimizers.ParamAdamDType:    "",
		// Weight decay is implemented as an L2 regularization on the weights.
		regularizers.ParamL2: 0.0,

		// FNN baseline parameters.
		activations.ParamActivation:   "relu",
		layers.ParamDropoutRate:       0.0,
		fnnLayer.ParamNumHiddenLayers: 2,
		fnnLayer.ParamNumHiddenNodes:  128,
		fnnLayer.ParamResidual:        true,
		fnnLayer.ParamNormalization:   "layer",

		// KAN version of the FNN baseline.
		"kan":                       false,
		kan.ParamNumControlPoints:   20,
		kan.ParamNumHiddenNodes:     16,
		kan.ParamNumHiddenLayers:    1,
		kan.ParamBSplineDegree:      2,
		kan.ParamBSplineMagnitudeL1: 1e-5,
		kan.ParamBSplineMagnitudeL2: 0.0,
		kan.ParamResidual:           true,
	})
	return ctx.Checked(false)
}

// New creates a model of the given architecture, for the given input feature widths.
//
// Hyperparameters in params override the defaults (see NewContext), and they are removed from params as they
// are used. An unknown hyperparameter is an error.
func New(arch Arch, nodeFeatures, edgeFeatures int, params parameters.Params) (Model, error) {
	factory, found := Registry[arch]
	if !found {
		return nil, errors.Wrapf(ErrUnknownArch, "%s", arch)
	}
	ctx := NewContext(arch, nodeFeatures, edgeFeatures)
	if params != nil {
		if err := extractParams(arch.String(), params, ctx); err != nil {
			return nil, err
		}
		if len(params) > 0 {
			return nil, errors.Errorf("unknown hyperparameters for model %s: %v",
				arch, params.Keys())
		}
	}
	if _, err := ParseLoss(context.GetParamOr(ctx, ParamLoss, LossMSE.String())); err != nil {
		return nil, err
	}
	model, err := factory(ctx, nodeFeatures, edgeFeatures)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create model %s", arch)
	}
	klog.V(1).Infof("Created model %s for %d node features and %d edge features", arch, nodeFeatures, edgeFeatures)
	return model, nil
}

// extractParams and write them as context hyperparameters
func extractParams(modelName string, params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.Pop(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.Pop(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.Pop(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.Pop(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model %s parameter %q is of unknown type %T", modelName, key, defaultValue)
		}
	})
	return err
}
