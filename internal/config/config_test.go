package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/gateaffinity/internal/lrschedule"
	"github.com/janpfeifer/gateaffinity/internal/models"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Model = "GATE"
	cfg.RunName = "test"
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cfg := validConfig()
	cfg.Model = "GATE9"
	require.True(t, errors.Is(cfg.Validate(), models.ErrUnknownArch))

	cfg = validConfig()
	cfg.LossFunc = "hinge"
	require.True(t, errors.Is(cfg.Validate(), models.ErrUnknownLoss))

	cfg = validConfig()
	cfg.ALRLin, cfg.ALRPlateau = true, true
	require.ErrorContains(t, cfg.Validate(), "only one learning rate scheme")

	cfg = validConfig()
	cfg.FoldToTrain = 5
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Dropout = 1
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.StartEpoch = 10
	require.Error(t, cfg.Validate())
}

func TestPathsAndScheduler(t *testing.T) {
	cfg := validConfig()
	cfg.FoldToTrain = 2
	assert.Equal(t, "test_f2", cfg.RunID())
	assert.Equal(t, filepath.Join("data_runs", "GATE", "test", "Fold2"), cfg.SaveDir())

	s, err := cfg.Scheduler()
	require.NoError(t, err)
	assert.IsType(t, &lrschedule.Constant{}, s)

	cfg.ALRPlateau = true
	s, err = cfg.Scheduler()
	require.NoError(t, err)
	assert.IsType(t, &lrschedule.Plateau{}, s)
	assert.Equal(t, cfg.LearningRate, s.LR())
}

func TestLoad(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
model: GATE2
run_name: from_file
num_epochs: 40
telemetry:
  listen: ":9999"
`), 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--config", configFile, "--num_epochs=60", "--alr_mult"}))
	t.Setenv("GATE_BATCH_SIZE", "32")

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "GATE2", cfg.Model)
	assert.Equal(t, models.ArchGATE2, cfg.Arch())
	assert.Equal(t, "from_file", cfg.RunName)
	assert.Equal(t, 60, cfg.NumEpochs)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.True(t, cfg.ALRMult)
	assert.Equal(t, ":9999", cfg.Telemetry.ListenAddr)
	assert.Equal(t, 1024, cfg.EvalBatchSize)
}
