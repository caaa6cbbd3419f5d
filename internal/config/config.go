// Package config defines the configuration of a training run, loaded with viper from command-line flags, GATE_*
// environment variables and an optional YAML file.
//
// A Config is a value: once loaded and validated it is not changed, and it is passed down to the trainer.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/janpfeifer/gateaffinity/internal/lrschedule"
	"github.com/janpfeifer/gateaffinity/internal/models"
	"github.com/pkg/errors"
)

// Config of a training run. Keys are named after the command-line flags.
type Config struct {
	// Model is the architecture name, see models.ParseArch.
	Model string `mapstructure:"model"`

	// LossFunc is one of MSE, wMSE, L1 or Huber.
	LossFunc string `mapstructure:"loss_func"`

	ProjectName string `mapstructure:"project_name"`
	RunName     string `mapstructure:"run_name"`

	// DataDir holds the dataset gob shards.
	DataDir string `mapstructure:"data_dir"`

	// SaveRoot is the root directory of the runs outputs, see SaveDir.
	SaveRoot string `mapstructure:"save_root"`

	NFolds      int    `mapstructure:"n_folds"`
	FoldToTrain int    `mapstructure:"fold_to_train"`
	Seed        uint64 `mapstructure:"seed"`

	NumEpochs     int     `mapstructure:"num_epochs"`
	BatchSize     int     `mapstructure:"batch_size"`
	EvalBatchSize int     `mapstructure:"eval_batch_size"`
	LearningRate  float64 `mapstructure:"learning_rate"`
	WeightDecay   float64 `mapstructure:"weight_decay"`
	Dropout       float64 `mapstructure:"dropout"`
	ConvDropout   float64 `mapstructure:"conv_dropout"`

	// Hyperparameters is a comma separated list of key=value model hyperparameters.
	Hyperparameters string `mapstructure:"hyperparameters"`

	// Linear learning rate schedule.
	ALRLin      bool    `mapstructure:"alr_lin"`
	StartFactor float64 `mapstructure:"start_factor"`
	EndFactor   float64 `mapstructure:"end_factor"`
	TotalIters  int     `mapstructure:"total_iters"`

	// Multiplicative learning rate schedule.
	ALRMult bool    `mapstructure:"alr_mult"`
	Factor  float64 `mapstructure:"factor"`

	// Reduce on plateau learning rate schedule.
	ALRPlateau bool    `mapstructure:"alr_plateau"`
	Reduction  float64 `mapstructure:"reduction"`
	Patience   int     `mapstructure:"patience"`
	MinLR      float64 `mapstructure:"min_lr"`

	// Pretrained is a checkpoint directory to start from, and StartEpoch the epoch it corresponds to.
	Pretrained string `mapstructure:"pretrained"`
	StartEpoch int    `mapstructure:"start_epoch"`

	// Plots enables the prediction plots on the periodic re-evaluations.
	Plots bool `mapstructure:"plots"`

	Telemetry Telemetry `mapstructure:"telemetry"`
	Artifacts Artifacts `mapstructure:"artifacts"`
}

// Telemetry configures where the metrics stream goes. The log is always used.
type Telemetry struct {
	// ListenAddr serves the metrics with Prometheus' HTTP handler, if set.
	ListenAddr string `mapstructure:"listen"`

	// PushURL is a Prometheus Pushgateway to push the metrics to at every epoch, if set.
	PushURL string `mapstructure:"push_url"`
}

// Artifacts configures the mirroring of the run outputs to an S3 compatible storage.
// Mirroring is disabled if Endpoint is empty.
type Artifacts struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Default returns the configuration with the defaults of all values.
func Default() Config {
	return Config{
		LossFunc:      models.LossMSE.String(),
		ProjectName:   "GATE",
		DataDir:       "data/training_data",
		SaveRoot:      "data_runs",
		NFolds:        5,
		FoldToTrain:   0,
		Seed:          42,
		NumEpochs:     1000,
		BatchSize:     256,
		EvalBatchSize: 1024,
		LearningRate:  0.01,
		WeightDecay:   0.001,
		StartFactor:   1,
		EndFactor:     0.01,
		TotalIters:    10000,
		Factor:        0.9995,
		Reduction:     0.1,
		Patience:      10,
		MinLR:         0.5e-4,
		Plots:         true,
	}
}

// Validate the configuration.
func (c Config) Validate() error {
	if _, err := models.ParseArch(c.Model); err != nil {
		return err
	}
	if _, err := models.ParseLoss(c.LossFunc); err != nil {
		return err
	}
	if c.RunName == "" {
		return errors.New("run name must be given")
	}
	if c.NFolds < 2 {
		return errors.Errorf("number of folds must be >= 2, got %d", c.NFolds)
	}
	if c.FoldToTrain < 0 || c.FoldToTrain >= c.NFolds {
		return errors.Errorf("fold to train must be in [0, %d), got %d", c.NFolds, c.FoldToTrain)
	}
	if c.NumEpochs <= 0 {
		return errors.Errorf("number of epochs must be > 0, got %d", c.NumEpochs)
	}
	if c.BatchSize <= 0 || c.EvalBatchSize <= 0 {
		return errors.Errorf("batch sizes must be > 0, got %d (train) and %d (eval)", c.BatchSize, c.EvalBatchSize)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning rate must be > 0, got %g", c.LearningRate)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight decay must be >= 0, got %g", c.WeightDecay)
	}
	for name, rate := range map[string]float64{"dropout": c.Dropout, "conv dropout": c.ConvDropout} {
		if rate < 0 || rate >= 1 {
			return errors.Errorf("%s must be in [0, 1), got %g", name, rate)
		}
	}
	var numSchemes int
	for _, enabled := range []bool{c.ALRLin, c.ALRMult, c.ALRPlateau} {
		if enabled {
			numSchemes++
		}
	}
	if numSchemes > 1 {
		return errors.New("only one learning rate scheme (alr_lin, alr_mult or alr_plateau) can be selected")
	}
	if c.StartEpoch < 0 || c.StartEpoch >= c.NumEpochs {
		return errors.Errorf("start epoch must be in [0, %d), got %d", c.NumEpochs, c.StartEpoch)
	}
	if c.StartEpoch > 0 && c.Pretrained == "" {
		return errors.New("start epoch can only be set with a pretrained checkpoint")
	}
	_, err := c.Scheduler()
	return err
}

// Arch returns the parsed architecture.
func (c Config) Arch() models.Arch {
	arch, _ := models.ParseArch(c.Model)
	return arch
}

// RunID is the name of the run for the fold trained, used to name its outputs.
func (c Config) RunID() string {
	return fmt.Sprintf("%s_f%d", c.RunName, c.FoldToTrain)
}

// SaveDir is the directory where the outputs of the run are saved.
func (c Config) SaveDir() string {
	return filepath.Join(c.SaveRoot, c.ProjectName, c.RunName, fmt.Sprintf("Fold%d", c.FoldToTrain))
}

// Scheduler creates the learning rate scheduler configured.
func (c Config) Scheduler() (lrschedule.Scheduler, error) {
	var (
		s   lrschedule.Scheduler
		err error
	)
	switch {
	case c.ALRLin:
		s, err = lrschedule.NewLinear(c.LearningRate, c.StartFactor, c.EndFactor, c.TotalIters)
	case c.ALRMult:
		s, err = lrschedule.NewMultiplicative(c.LearningRate, c.Factor)
	case c.ALRPlateau:
		s, err = lrschedule.NewPlateau(c.LearningRate, c.Reduction, c.Patience, c.MinLR)
	default:
		s = lrschedule.NewConstant(c.LearningRate)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
