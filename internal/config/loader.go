package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix of the environment variables read: e.g. GATE_NUM_EPOCHS or GATE_TELEMETRY_LISTEN.
const envPrefix = "GATE"

// FlagConfigFile is the name of the flag with the optional YAML configuration file.
const FlagConfigFile = "config"

// RegisterFlags adds the configuration flags to flags, with their default values.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String(FlagConfigFile, "", "Optional YAML file with the configuration. Flags take precedence over it.")
	flags.String("model", d.Model, "The name of the model architecture")
	flags.String("loss_func", d.LossFunc, "The loss function that will be used ['MSE', 'wMSE', 'L1', 'Huber']")
	flags.String("project_name", d.ProjectName, "Project name, used in the path of the saved run data")
	flags.String("run_name", d.RunName, "Name of the run, used to name the saved data")
	flags.String("data_dir", d.DataDir, "Directory with the dataset shards (*.gob)")
	flags.String("save_root", d.SaveRoot, "Root directory where runs are saved")
	flags.Int("n_folds", d.NFolds, "The number of stratified folds that should be generated (n-fold-CV)")
	flags.Int("fold_to_train", d.FoldToTrain, "Of the n_folds generated, on which fold should the model be trained")
	flags.Uint64("seed", d.Seed, "Random seed used to split the folds and shuffle the training data")
	flags.Int("num_epochs", d.NumEpochs, "Number of epochs the model should be trained")
	flags.Int("batch_size", d.BatchSize, "The batch size that should be used for training")
	flags.Int("eval_batch_size", d.EvalBatchSize, "The batch size used for evaluation")
	flags.Float64("learning_rate", d.LearningRate, "The learning rate with which the model should train")
	flags.Float64("weight_decay", d.WeightDecay, "The weight decay parameter with which the model should train")
	flags.Float64("dropout", d.Dropout, "The dropout probability that should be applied in the dropout layer")
	flags.Float64("conv_dropout", d.ConvDropout, "The dropout probability applied inside the message passing layers")
	flags.String("hyperparameters", d.Hyperparameters, "Extra model hyperparameters, as a comma separated list of key=value")
	flags.Bool("alr_lin", d.ALRLin, "Linear learning rate reduction scheme will be used")
	flags.Float64("start_factor", d.StartFactor, "Factor of the learning rate in the first epoch of the linear scheme")
	flags.Float64("end_factor", d.EndFactor, "Factor of the learning rate at the end of the linear scheme")
	flags.Int("total_iters", d.TotalIters, "The number of epochs after which the linear reduction of the LR is finished")
	flags.Bool("alr_mult", d.ALRMult, "Multiplicative learning rate reduction scheme will be used")
	flags.Float64("factor", d.Factor, "Factor by which the learning rate is multiplied every epoch in the multiplicative scheme")
	flags.Bool("alr_plateau", d.ALRPlateau, "Reduce learning rate on plateau scheme will be used")
	flags.Float64("reduction", d.Reduction, "Factor by which the LR should be reduced on plateau")
	flags.Int("patience", d.Patience, "Number of epochs with no improvement after which learning rate will be reduced")
	flags.Float64("min_lr", d.MinLR, "A lower bound on the learning rate")
	flags.String("pretrained", d.Pretrained, "Checkpoint directory of a model to load before the training")
	flags.Int("start_epoch", d.StartEpoch, "The starting epoch, in case of loading a pretrained model")
	flags.Bool("plots", d.Plots, "Plot predictions on the periodic re-evaluations")
	flags.String("telemetry.listen", d.Telemetry.ListenAddr, "Address to serve Prometheus metrics on, e.g. \":9090\"")
	flags.String("telemetry.push_url", d.Telemetry.PushURL, "Prometheus Pushgateway URL to push metrics to")
	flags.String("artifacts.endpoint", d.Artifacts.Endpoint, "S3 compatible endpoint to mirror the run outputs to")
	flags.String("artifacts.bucket", d.Artifacts.Bucket, "Bucket of the artifacts mirror")
	flags.String("artifacts.access_key", d.Artifacts.AccessKey, "Access key of the artifacts mirror")
	flags.String("artifacts.secret_key", d.Artifacts.SecretKey, "Secret key of the artifacts mirror")
	flags.Bool("artifacts.use_ssl", d.Artifacts.UseSSL, "Use TLS to connect to the artifacts mirror")
}

// newViper creates a viper instance reading GATE_* environment variables.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load the configuration from the flags (registered with RegisterFlags), environment variables and the
// configuration file, if given. Flags set explicitly take precedence, followed by the environment, the
// configuration file and the defaults.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := newViper()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, errors.Wrap(err, "failed to bind flags")
	}
	if configFile := v.GetString(FlagConfigFile); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "failed to read configuration file %q", configFile)
		}
	}
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.WithMessage(err, "invalid configuration")
	}
	return cfg, nil
}
