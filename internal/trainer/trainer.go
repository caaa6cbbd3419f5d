// Package trainer runs the training of one fold: the epoch loop with training and validation passes, the learning
// rate schedule, the checkpoint policy, the run log and the periodic re-evaluation plots.
package trainer

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/gateaffinity/internal/artifacts"
	"github.com/janpfeifer/gateaffinity/internal/config"
	"github.com/janpfeifer/gateaffinity/internal/folds"
	"github.com/janpfeifer/gateaffinity/internal/graphs"
	"github.com/janpfeifer/gateaffinity/internal/lrschedule"
	"github.com/janpfeifer/gateaffinity/internal/metrics"
	"github.com/janpfeifer/gateaffinity/internal/models"
	"github.com/janpfeifer/gateaffinity/internal/parameters"
	"github.com/janpfeifer/gateaffinity/internal/plots"
	"github.com/janpfeifer/gateaffinity/internal/telemetry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrUnknownLoss is returned when the loss function name is not recognized.
	ErrUnknownLoss = models.ErrUnknownLoss

	// ErrMissingCheckpoint is returned when a checkpoint to be re-evaluated is not on disk.
	ErrMissingCheckpoint = models.ErrMissingCheckpoint
)

// HistogramBins is the number of bins of the label histograms.
const HistogramBins = 50

// Progress receives the human-readable report of the training. See report.Reporter.
type Progress interface {
	Header(lines []string)
	StartPass(description string, numBatches int)
	BatchDone()
	EndPass()
	EpochLine(line string, improved bool)
}

// Options are the collaborators of the Trainer. Only Backend is required.
type Options struct {
	Backend backends.Backend

	// RunID uniquely identifies the run in the run log and telemetry, see telemetry.NewRunID.
	RunID string

	Sink     telemetry.Sink
	Mirror   artifacts.Mirror
	Progress Progress
}

// Result of a run.
type Result struct {
	// BestEpoch is the most recent epoch with the lowest validation MSE, and BestValMSE its value.
	BestEpoch  int
	BestValMSE float64

	// LastEpoch completed.
	LastEpoch int
}

// Trainer trains one fold of a dataset. Create it with New and run it with Run.
type Trainer struct {
	cfg       config.Config
	opts      Options
	scheduler lrschedule.Scheduler
	policy    CheckpointPolicy
	best      *BestTracker

	train, val                 *graphs.Dataset
	nodeFeatures, edgeFeatures int

	runID, saveDir string
	runLog         *RunLog
	regressor      *models.Regressor
}

// New creates a Trainer for the fold cfg.FoldToTrain of the dataset. The configuration is expected to be valid.
func New(cfg config.Config, dataset *graphs.Dataset, opts Options) (*Trainer, error) {
	if opts.Backend == nil {
		return nil, errors.New("trainer requires a backend")
	}
	if opts.Sink == nil {
		opts.Sink = &telemetry.LogSink{RunName: cfg.RunID()}
	}
	if opts.Mirror == nil {
		opts.Mirror = artifacts.NoopMirror{}
	}
	if opts.Progress == nil {
		opts.Progress = nopProgress{}
	}
	if _, err := models.ParseLoss(cfg.LossFunc); err != nil {
		return nil, err
	}
	scheduler, err := cfg.Scheduler()
	if err != nil {
		return nil, err
	}
	splits, err := folds.Stratify(dataset.Labels(), cfg.NFolds, cfg.Seed)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to split dataset in %d folds", cfg.NFolds)
	}
	if cfg.FoldToTrain < 0 || cfg.FoldToTrain >= len(splits) {
		return nil, errors.Errorf("fold to train %d out of range [0, %d)", cfg.FoldToTrain, len(splits))
	}
	fold := splits[cfg.FoldToTrain]
	t := &Trainer{
		cfg:       cfg,
		opts:      opts,
		scheduler: scheduler,
		policy:    CheckpointPolicy{NumEpochs: cfg.NumEpochs},
		best:      NewBestTracker(),
		train:     dataset.Subset(fold.Train),
		val:       dataset.Subset(fold.Validation),
		runID:     cfg.RunID(),
		saveDir:   cfg.SaveDir(),
	}
	t.nodeFeatures, t.edgeFeatures = dataset.FeatureDims()
	klog.Infof("Fold %d of %d: %d training and %d validation examples", cfg.FoldToTrain, cfg.NFolds,
		t.train.Len(), t.val.Len())
	return t, nil
}

// modelParams converts the configuration to model hyperparameters.
func (t *Trainer) modelParams() (parameters.Params, error) {
	params, err := parameters.Parse(t.cfg.Hyperparameters)
	if err != nil {
		return nil, err
	}
	formatFloat := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	params[models.ParamLoss] = t.cfg.LossFunc
	params[models.ParamDropout] = formatFloat(t.cfg.Dropout)
	params[models.ParamConvDropout] = formatFloat(t.cfg.ConvDropout)
	params[models.ParamBatchSize] = strconv.Itoa(t.cfg.BatchSize)
	params[optimizers.ParamLearningRate] = formatFloat(t.scheduler.LR())
	// Weight decay λ adds λ/2·‖w‖² to the loss.
	params[regularizers.ParamL2] = formatFloat(t.cfg.WeightDecay / 2)
	return params, nil
}

func (t *Trainer) newModel() (models.Model, error) {
	params, err := t.modelParams()
	if err != nil {
		return nil, err
	}
	return models.New(t.cfg.Arch(), t.nodeFeatures, t.edgeFeatures, params)
}

// checkpointDir returns the directory of the checkpoint of epoch.
func (t *Trainer) checkpointDir(epoch int) string {
	return filepath.Join(t.saveDir, fmt.Sprintf("%s_stdict_%d", t.runID, epoch))
}

// header lines of the run log.
func (t *Trainer) header() []string {
	lines := []string{
		fmt.Sprintf("Model Architecture %s - Fold %d (%s):", t.cfg.Model, t.cfg.FoldToTrain, t.runID),
		fmt.Sprintf("Model Training Output (%s):", t.runID),
		fmt.Sprintf("Number of Parameters: %d", t.regressor.NumParameters()),
		fmt.Sprintf("Learning Rate: %g", t.cfg.LearningRate),
		fmt.Sprintf("Weight Decay: %g", t.cfg.WeightDecay),
		fmt.Sprintf("Batch Size: %d", t.cfg.BatchSize),
		"",
		fmt.Sprintf("Number of Epochs: %d", t.cfg.NumEpochs),
		t.scheduler.String(),
	}
	if t.opts.RunID != "" {
		lines = append(lines, fmt.Sprintf("Run ID: %s", t.opts.RunID))
	}
	return lines
}

// Run the training until the last epoch, or until ctx is cancelled. On cancellation it returns ctx's error, and
// the last checkpoint saved is the recovery point.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	result := Result{BestEpoch: -1}
	if err := os.MkdirAll(t.saveDir, 0o755); err != nil {
		return result, errors.Wrapf(err, "failed to create save directory %q", t.saveDir)
	}
	model, err := t.newModel()
	if err != nil {
		return result, err
	}
	if t.cfg.Pretrained != "" {
		t.regressor, err = models.LoadRegressor(t.opts.Backend, model, t.cfg.Pretrained)
		if err != nil {
			return result, errors.WithMessagef(err, "failed to load pretrained model")
		}
		t.regressor.SetLearningRate(t.scheduler.LR())
		klog.Infof("Pretrained model loaded from %q, starting at epoch %d", t.cfg.Pretrained, t.cfg.StartEpoch)
	} else {
		t.regressor, err = models.NewRegressor(t.opts.Backend, model)
		if err != nil {
			return result, err
		}
	}
	if err = models.ConfigurationOf(model).Save(t.saveDir); err != nil {
		return result, err
	}
	if t.cfg.Plots {
		t.plotLabels()
	}

	header := t.header()
	t.runLog, err = CreateRunLog(filepath.Join(t.saveDir, t.runID+"_saving_log.txt"), header)
	if err != nil {
		return result, err
	}
	t.opts.Progress.Header(header)

	// Before training.
	epoch := t.cfg.StartEpoch
	trainSummary, _, err := t.evaluate(ctx, t.regressor, t.train, "Before training: train")
	if err != nil {
		return result, err
	}
	valSummary, _, err := t.evaluate(ctx, t.regressor, t.val, "Before training: validation")
	if err != nil {
		return result, err
	}
	line := FormatLine(BeforeTrainPrefix, trainSummary, valSummary)
	if err = t.runLog.Append(line); err != nil {
		return result, err
	}
	t.opts.Progress.EpochLine(line, false)
	t.logScalars(epoch, trainSummary, valSummary)

	trainLoader := graphs.NewLoader(t.train, t.cfg.BatchSize, true, t.cfg.Seed)
	for epoch = t.cfg.StartEpoch + 1; epoch <= t.cfg.NumEpochs; epoch++ {
		trainSummary, err = t.trainEpoch(ctx, epoch, trainLoader)
		if err != nil {
			return result, err
		}
		valSummary, _, err = t.evaluate(ctx, t.regressor, t.val, fmt.Sprintf("Epoch %d: validation", epoch))
		if err != nil {
			return result, err
		}
		line = FormatLine(EpochPrefix(epoch), trainSummary, valSummary)
		t.logScalars(epoch, trainSummary, valSummary)

		lr := t.scheduler.Step(valSummary.MSE)
		t.regressor.SetLearningRate(lr)

		improved := t.best.Observe(epoch, valSummary.MSE)
		if improved {
			line += ImprovedMarker
		}
		if t.policy.ShouldSave(epoch, improved) {
			if err = t.save(ctx, epoch); err != nil {
				return result, err
			}
		}
		if err = t.runLog.Append(line); err != nil {
			return result, err
		}
		t.opts.Progress.EpochLine(line, improved)
		result.LastEpoch = epoch
		result.BestEpoch, result.BestValMSE = t.best.BestEpoch, t.best.BestMSE

		if t.policy.ShouldReevaluate(epoch) {
			err = t.reevaluate(ctx, epoch)
			if errors.Is(err, ErrMissingCheckpoint) {
				klog.Warningf("Skipping re-evaluation of epoch %d: %v", epoch, err)
			} else if err != nil {
				return result, err
			}
		}
	}
	if err = t.opts.Mirror.Upload(ctx, t.runLog.Path); err != nil {
		klog.Warningf("Failed to mirror run log: %+v", err)
	}
	return result, nil
}

// trainEpoch runs one pass over the training data, and returns the metrics of the predictions made during the
// train steps.
func (t *Trainer) trainEpoch(ctx context.Context, epoch int, loader *graphs.Loader) (metrics.Summary, error) {
	var collector metrics.Collector
	t.opts.Progress.StartPass(fmt.Sprintf("Epoch %d: train", epoch), loader.NumBatches())
	defer t.opts.Progress.EndPass()
	for batch := range loader.Batches() {
		if err := ctx.Err(); err != nil {
			return metrics.Summary{}, err
		}
		loss, predictions, err := t.regressor.TrainStep(batch)
		if err != nil {
			return metrics.Summary{}, errors.WithMessagef(err, "train step failed in epoch %d", epoch)
		}
		collector.Add(predictions, batch.Labels)
		collector.AddLoss(loss, batch.NumGraphs())
		t.opts.Progress.BatchDone()
	}
	return collector.Summary(), nil
}

// evaluate the regressor on the dataset, without changing it. It also returns the collected pairs.
func (t *Trainer) evaluate(ctx context.Context, r *models.Regressor, ds *graphs.Dataset, description string) (
	metrics.Summary, plots.Pairs, error) {
	var collector metrics.Collector
	loader := graphs.NewLoader(ds, t.cfg.EvalBatchSize, false, 0)
	t.opts.Progress.StartPass(description, loader.NumBatches())
	defer t.opts.Progress.EndPass()
	for batch := range loader.Batches() {
		if err := ctx.Err(); err != nil {
			return metrics.Summary{}, plots.Pairs{}, err
		}
		loss, predictions, err := r.Evaluate(batch)
		if err != nil {
			return metrics.Summary{}, plots.Pairs{}, errors.WithMessagef(err, "%s", description)
		}
		collector.Add(predictions, batch.Labels)
		collector.AddLoss(loss, batch.NumGraphs())
		t.opts.Progress.BatchDone()
	}
	pairs := plots.Pairs{Targets: collector.Targets, Predictions: collector.Predictions}
	return collector.Summary(), pairs, nil
}

func (t *Trainer) logScalars(epoch int, train, val metrics.Summary) {
	scalars := train.Scalars("train/")
	for key, value := range val.Scalars("val/") {
		scalars[key] = value
	}
	scalars["learning_rate"] = t.regressor.LearningRate()
	t.opts.Sink.LogScalars(epoch, scalars)
}

// save the current model as the checkpoint of epoch, and mirror it.
func (t *Trainer) save(ctx context.Context, epoch int) error {
	dir := t.checkpointDir(epoch)
	if err := t.regressor.SaveAs(dir); err != nil {
		return errors.WithMessagef(err, "failed to save epoch %d", epoch)
	}
	klog.V(1).Infof("Saved checkpoint %q", dir)
	if err := t.opts.Mirror.Upload(ctx, dir); err != nil {
		klog.Warningf("Failed to mirror checkpoint %q: %+v", dir, err)
	}
	return nil
}

// loadEpoch loads the checkpoint of epoch into a fresh model.
func (t *Trainer) loadEpoch(epoch int) (*models.Regressor, error) {
	dir := t.checkpointDir(epoch)
	if !models.HasCheckpoint(dir) {
		return nil, errors.Wrapf(ErrMissingCheckpoint, "epoch %d (%q)", epoch, dir)
	}
	model, err := t.newModel()
	if err != nil {
		return nil, err
	}
	return models.LoadRegressor(t.opts.Backend, model, dir)
}

// reevaluate reloads the checkpoint of epoch and plots its predictions. If the best epoch hasn't been plotted
// yet, it's also reloaded and its predictions and residuals are plotted.
func (t *Trainer) reevaluate(ctx context.Context, epoch int) error {
	trainSummary, valSummary, trainPairs, valPairs, err := t.evaluateEpoch(ctx, epoch)
	if err != nil {
		return err
	}
	klog.Infof("Re-evaluated epoch %d: train %s, validation %s", epoch, trainSummary, valSummary)
	if t.cfg.Plots {
		path := filepath.Join(t.saveDir, "plots", fmt.Sprintf("%s_predictions_%d.png", t.runID, epoch))
		title := t.plotTitle(epoch, trainSummary, valSummary)
		if err = plots.Predictions(trainPairs, valPairs, title, plots.AxisLimit(trainPairs, valPairs), path); err != nil {
			return err
		}
		t.emitImage("Predictions Scatterplot", path)
	}

	if !t.best.NeedsPlot() {
		return nil
	}
	bestEpoch := t.best.BestEpoch
	if bestEpoch != epoch {
		trainSummary, valSummary, trainPairs, valPairs, err = t.evaluateEpoch(ctx, bestEpoch)
		if err != nil {
			return err
		}
	}
	if t.cfg.Plots {
		title := t.plotTitle(bestEpoch, trainSummary, valSummary)
		path := filepath.Join(t.saveDir, "plots", fmt.Sprintf("%s_best_predictions_%d.png", t.runID, bestEpoch))
		if err = plots.Predictions(trainPairs, valPairs, title, plots.AxisLimit(trainPairs, valPairs), path); err != nil {
			return err
		}
		t.emitImage("Best Predictions Scatterplot", path)
		path = filepath.Join(t.saveDir, "plots", fmt.Sprintf("%s_residuals_%d.png", t.runID, bestEpoch))
		if err = plots.Residuals(trainPairs, valPairs, title, path); err != nil {
			return err
		}
		t.emitImage("Residuals Plot", path)
	}
	t.best.MarkPlotted()
	return nil
}

func (t *Trainer) evaluateEpoch(ctx context.Context, epoch int) (
	trainSummary, valSummary metrics.Summary, trainPairs, valPairs plots.Pairs, err error) {
	var r *models.Regressor
	r, err = t.loadEpoch(epoch)
	if err != nil {
		return
	}
	trainSummary, trainPairs, err = t.evaluate(ctx, r, t.train, fmt.Sprintf("Epoch %d checkpoint: train", epoch))
	if err != nil {
		return
	}
	valSummary, valPairs, err = t.evaluate(ctx, r, t.val, fmt.Sprintf("Epoch %d checkpoint: validation", epoch))
	return
}

func (t *Trainer) plotTitle(epoch int, train, val metrics.Summary) string {
	return fmt.Sprintf("%s: Epoch %d\nTrain R2 = %.3f, Validation R2 = %.3f\nTrain MSE = %.3f, Validation MSE = %.3f",
		t.runID, epoch, train.R2, val.R2, train.MSE, val.MSE)
}

func (t *Trainer) emitImage(name, path string) {
	t.opts.Sink.LogImage(name, path)
	if err := t.opts.Mirror.Upload(context.Background(), path); err != nil {
		klog.Warningf("Failed to mirror %q: %+v", path, err)
	}
}

// histogramLimit is the upper limit of the label histograms' x-axis: the largest label of all datasets, rounded up.
func histogramLimit(datasets ...*graphs.Dataset) float64 {
	limit := 1.0
	for _, ds := range datasets {
		for _, label := range ds.Labels() {
			limit = max(limit, math.Ceil(float64(label)))
		}
	}
	return limit
}

// plotLabels plots the histograms of the training and validation labels, with the same x-axis. Failures are
// only logged.
func (t *Trainer) plotLabels() {
	xlim := histogramLimit(t.train, t.val)
	for _, split := range []struct {
		name, file string
		ds         *graphs.Dataset
	}{{"Training Labels", "train_labels", t.train}, {"Validation Labels", "val_labels", t.val}} {
		labels := make([]float64, split.ds.Len())
		for ii, label := range split.ds.Labels() {
			labels[ii] = float64(label)
		}
		path := filepath.Join(t.saveDir, "plots", fmt.Sprintf("%s_%s.png", t.runID, split.file))
		if err := plots.Histogram(labels, fmt.Sprintf("%s: %s", t.runID, split.name), HistogramBins, xlim, path); err != nil {
			klog.Warningf("Failed to plot %s: %+v", split.name, err)
			continue
		}
		t.emitImage(split.name, path)
	}
}

type nopProgress struct{}

func (nopProgress) Header([]string)        {}
func (nopProgress) StartPass(string, int)  {}
func (nopProgress) BatchDone()             {}
func (nopProgress) EndPass()               {}
func (nopProgress) EpochLine(string, bool) {}
