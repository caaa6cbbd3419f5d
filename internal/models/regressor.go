package models

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/gateaffinity/internal/generics"
	"github.com/janpfeifer/gateaffinity/internal/graphs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrMissingCheckpoint is returned when loading a checkpoint directory that doesn't exist or holds no checkpoint.
var ErrMissingCheckpoint = errors.New("missing checkpoint")

// Regressor wraps a Model with the executors used to predict, evaluate and train it, and with the optimizer.
//
// A train step is atomic with respect to predictions and evaluations: they can be called concurrently.
type Regressor struct {
	model   Model
	backend backends.Backend

	// Executors.
	predictExec, evalExec, trainStepExec *context.Exec

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// checkpoint handler, if the model was loaded from disk.
	checkpoint *checkpoints.Handler

	// nodeFeatures and edgeFeatures widths expected in the inputs.
	nodeFeatures, edgeFeatures int

	// NumCompilations of computation graphs.
	NumCompilations int

	// muLearning "write" for learning, and "read" for predicting.
	muLearning sync.RWMutex

	// muSave makes saving sequential.
	muSave sync.Mutex
}

// NewRegressor creates a Regressor for model, with freshly initialized variables.
func NewRegressor(backend backends.Backend, model Model) (*Regressor, error) {
	r := newRegressor(backend, model)
	if err := r.createExecutors(); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadRegressor creates a Regressor for model, with the variables loaded from the checkpoint in dir.
// The model must be freshly created. It returns ErrMissingCheckpoint if there is no checkpoint in dir.
func LoadRegressor(backend backends.Backend, model Model, dir string) (*Regressor, error) {
	if !HasCheckpoint(dir) {
		return nil, errors.Wrapf(ErrMissingCheckpoint, "no checkpoint in %q", dir)
	}
	r := newRegressor(backend, model)
	var err error
	r.checkpoint, err = checkpoints.Build(model.Context()).Dir(dir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint for model %s from %q", model.Arch(), dir)
	}
	if err = r.createExecutors(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Loaded model %s from %q", model.Arch(), dir)
	return r, nil
}

// HasCheckpoint returns whether dir holds a saved checkpoint.
func HasCheckpoint(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			return true
		}
	}
	return false
}

func newRegressor(backend backends.Backend, model Model) *Regressor {
	ctx := model.Context()
	return &Regressor{
		model:        model,
		backend:      backend,
		optimizer:    optimizers.FromContext(ctx),
		nodeFeatures: context.GetParamOr(ctx, ParamNodeFeatures, 0),
		edgeFeatures: context.GetParamOr(ctx, ParamEdgeFeatures, 0),
	}
}

// graphMask returns the mask of real graphs, shaped [numGraphs, 1].
func graphMask(inputs []*graph.Node) *graph.Node {
	lastNode := inputs[InputLastNode]
	return graph.ExpandAxes(getMask(lastNode.Graph(), lastNode.Shape().Dim(0), inputs[InputNumGraphs]), -1)
}

func (r *Regressor) createExecutors() error {
	ctx := r.model.Context().Checked(false)
	r.predictExec = context.NewExec(r.backend, ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			r.NumCompilations++
			// Remove last axis with dimension 1.
			return graph.Squeeze(r.model.ForwardGraph(ctx, inputs), -1)
		})
	r.evalExec = context.NewExec(r.backend, ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) []*graph.Node {
			r.NumCompilations++
			inputs := inputsAndLabels[:NumInputs]
			labels := inputsAndLabels[NumInputs]
			predictions := r.model.ForwardGraph(ctx, inputs)
			loss := LossGraph(ctx, predictions, labels, graphMask(inputs))
			return []*graph.Node{loss, graph.Squeeze(predictions, -1)}
		})
	r.evalExec.SetMaxCache(100)
	r.trainStepExec = context.NewExec(r.backend, ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) []*graph.Node {
			r.NumCompilations++
			inputs := inputsAndLabels[:NumInputs]
			labels := inputsAndLabels[NumInputs]
			g := labels.Graph()
			ctx.SetTraining(g, true)
			predictions := r.model.ForwardGraph(ctx, inputs)
			loss := LossGraph(ctx, predictions, labels, graphMask(inputs))
			// Regularization terms (weight decay) are added by the layers as extra losses.
			optimizedLoss := loss
			if extra := regularizationLoss(ctx, g); extra != nil {
				optimizedLoss = graph.Add(loss, graph.ConvertDType(extra, loss.DType()))
			}
			r.optimizer.UpdateGraph(ctx, g, optimizedLoss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return []*graph.Node{loss, graph.Squeeze(predictions, -1)}
		})
	r.trainStepExec.SetMaxCache(100)

	// Force creating/loading of variables without race conditions first.
	_, err := r.Predict(warmupBatch(r.nodeFeatures, r.edgeFeatures))
	if err != nil {
		return errors.WithMessagef(err, "failed to initialize model %s", r.model.Arch())
	}
	return nil
}

// regularizationLoss returns the extra losses added by the layers, or nil if there were none, which is the case
// when weight decay is 0.
func regularizationLoss(ctx *context.Context, g *graph.Graph) *graph.Node {
	lossAny, found := ctx.InAbsPath(train.TrainerAbsoluteScope).GetGraphParam(g, train.TrainerLossGraphParamKey)
	if !found || lossAny == nil {
		return nil
	}
	return lossAny.(*graph.Node)
}

// warmupBatch is a batch with one minimal graph: 2 nodes connected by one edge, with zero features.
func warmupBatch(nodeFeatures, edgeFeatures int) *graphs.Batch {
	return graphs.NewBatch([]*graphs.InteractionGraph{{
		ID:        "warmup",
		Nodes:     [][]float32{make([]float32, nodeFeatures), make([]float32, nodeFeatures)},
		EdgeIndex: [2][]int32{{0}, {1}},
		Edges:     [][]float32{make([]float32, edgeFeatures)},
	}})
}

// String implements fmt.Stringer.
func (r *Regressor) String() string {
	if r == nil {
		return "<nil>[GoMLX]"
	}
	if r.checkpoint == nil {
		return fmt.Sprintf("%s[GoMLX]", r.model.Arch())
	}
	return fmt.Sprintf("%s[GoMLX]@%s", r.model.Arch(), r.checkpoint.Dir())
}

// Model returns the wrapped model.
func (r *Regressor) Model() Model { return r.model }

// donate converts the tensors to donated buffers, to be used as executor arguments.
func (r *Regressor) donate(inputs []*tensors.Tensor) []any {
	return generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, r.backend)
	})
}

func (r *Regressor) inputsAndLabels(batch *graphs.Batch) []any {
	inputs := CreateInputs(batch, r.nodeFeatures, r.edgeFeatures)
	inputs = append(inputs, CreateLabels(batch))
	return r.donate(inputs)
}

// Predict returns one prediction per graph of the batch, in batch order.
func (r *Regressor) Predict(batch *graphs.Batch) (predictions []float32, err error) {
	inputs := r.donate(CreateInputs(batch, r.nodeFeatures, r.edgeFeatures))
	r.muLearning.RLock()
	defer r.muLearning.RUnlock()
	err = exceptions.TryCatch[error](func() {
		predictionsT := r.predictExec.Call(inputs...)[0]
		predictions = tensors.CopyFlatData[float32](predictionsT)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to predict with model %s", r.model.Arch())
	}
	// Remove any padding:
	return predictions[:batch.NumGraphs()], nil
}

// Evaluate returns the loss and the predictions for the batch, without updating the model.
func (r *Regressor) Evaluate(batch *graphs.Batch) (loss float32, predictions []float32, err error) {
	inputsAndLabels := r.inputsAndLabels(batch)
	r.muLearning.RLock()
	defer r.muLearning.RUnlock()
	return r.call(r.evalExec, inputsAndLabels, batch.NumGraphs())
}

// TrainStep trains the model on the batch, and returns the loss and the predictions (with training behavior,
// e.g. dropout) from before the update.
func (r *Regressor) TrainStep(batch *graphs.Batch) (loss float32, predictions []float32, err error) {
	inputsAndLabels := r.inputsAndLabels(batch)
	r.muLearning.Lock()
	defer r.muLearning.Unlock()
	return r.call(r.trainStepExec, inputsAndLabels, batch.NumGraphs())
}

// call executes an executor returning the loss and the padded predictions.
func (r *Regressor) call(exec *context.Exec, args []any, numGraphs int) (loss float32, predictions []float32, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs := exec.Call(args...)
		loss = tensors.ToScalar[float32](outputs[0])
		predictions = tensors.CopyFlatData[float32](outputs[1])
	})
	if err != nil {
		return 0, nil, errors.WithMessagef(err, "failed to execute model %s", r.model.Arch())
	}
	return loss, predictions[:numGraphs], nil
}

// learningRateVar returns the variable holding the learning rate used by the optimizer.
func (r *Regressor) learningRateVar() *context.Variable {
	ctx := r.model.Context()
	return optimizers.LearningRateVar(ctx, dtypes.Float32, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.001))
}

// LearningRate returns the current learning rate.
func (r *Regressor) LearningRate() float64 {
	r.muLearning.RLock()
	defer r.muLearning.RUnlock()
	return float64(tensors.ToScalar[float32](r.learningRateVar().Value()))
}

// SetLearningRate changes the learning rate used by the following train steps.
func (r *Regressor) SetLearningRate(lr float64) {
	r.muLearning.Lock()
	defer r.muLearning.Unlock()
	r.learningRateVar().SetValue(tensors.FromScalar(float32(lr)))
}

// NumParameters returns the number of trainable scalars of the model.
func (r *Regressor) NumParameters() int {
	r.muLearning.RLock()
	defer r.muLearning.RUnlock()
	var count int
	r.model.Context().EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			count += v.Shape().Size()
		}
	})
	return count
}

// Save the model to the checkpoint it was loaded from.
func (r *Regressor) Save() error {
	if r.checkpoint == nil {
		klog.Warningf("This %s model is not associated to a checkpoint directory, not saving", r.model.Arch())
		return nil
	}
	r.muSave.Lock()
	defer r.muSave.Unlock()
	r.muLearning.RLock()
	defer r.muLearning.RUnlock()
	return r.checkpoint.Save()
}

// SaveAs saves a snapshot of the model variables and hyperparameters to dir. Any previous content of dir is
// replaced.
func (r *Regressor) SaveAs(dir string) error {
	r.muSave.Lock()
	defer r.muSave.Unlock()
	r.muLearning.RLock()
	defer r.muLearning.RUnlock()
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to clear checkpoint directory %q", dir)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for checkpoint %q", dir)
	}
	handler, err := checkpoints.Build(r.model.Context()).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint in %q", dir)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint in %q", dir)
	}
	klog.V(1).Infof("Saved model %s to %q", r.model.Arch(), dir)
	return nil
}
