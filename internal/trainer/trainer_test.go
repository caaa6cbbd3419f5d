package trainer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/janpfeifer/gateaffinity/internal/config"
	"github.com/janpfeifer/gateaffinity/internal/graphs"
	"github.com/janpfeifer/gateaffinity/internal/metrics"
	"github.com/janpfeifer/gateaffinity/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestCheckpointPolicy(t *testing.T) {
	periodic := func(numEpochs int) (epochs []int) {
		policy := CheckpointPolicy{NumEpochs: numEpochs}
		for epoch := 1; epoch <= numEpochs; epoch++ {
			if policy.IsPeriodic(epoch) {
				epochs = append(epochs, epoch)
			}
		}
		return
	}
	assert.Equal(t, []int{5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95, 100}, periodic(100))
	assert.Equal(t, []int{3, 6, 9, 12, 15, 18, 21, 24, 27, 30}, periodic(30))
	assert.Equal(t, []int{5, 10, 15, 20, 25, 30, 35, 40, 45, 50}, periodic(50))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, periodic(7))

	policy := CheckpointPolicy{NumEpochs: 100}

	best := NewBestTracker()
	valMSEs := []float64{5, 4, 4.5, 4, 6, 7, 3, 8, 9, 10}
	var saved, improvedEpochs []int
	for ii, mse := range valMSEs {
		epoch := ii + 1
		improved := best.Observe(epoch, mse)
		if improved {
			improvedEpochs = append(improvedEpochs, epoch)
		}
		if policy.ShouldSave(epoch, improved) {
			saved = append(saved, epoch)
		}
	}
	// Ties count as improvement.
	assert.Equal(t, []int{1, 2, 4, 7}, improvedEpochs)
	assert.Equal(t, []int{1, 2, 4, 5, 7, 10}, saved)
	assert.Equal(t, 7, best.BestEpoch)
	assert.Equal(t, 3.0, best.BestMSE)

	assert.True(t, policy.ShouldReevaluate(1))
	assert.False(t, policy.ShouldReevaluate(2))
	assert.True(t, policy.ShouldReevaluate(10))

	require.True(t, best.NeedsPlot())
	best.MarkPlotted()
	require.False(t, best.NeedsPlot())
	best.Observe(11, 2)
	require.True(t, best.NeedsPlot())
}

func TestRunLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_saving_log.txt")
	require.NoError(t, os.WriteFile(path, []byte("stale contents\n"), 0o644))
	log, err := CreateRunLog(path, []string{"Header 1", "Header 2"})
	require.NoError(t, err)

	train := metrics.Summary{WMSE: 10.5, MSE: 2.25, R2: 0.5}
	val := metrics.Summary{WMSE: 12, MSE: 3, R2: -0.125}
	require.NoError(t, log.Append(FormatLine(BeforeTrainPrefix, train, val)))
	require.NoError(t, log.Append(FormatLine(EpochPrefix(12), train, val)+ImprovedMarker))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	want := "Header 1\nHeader 2\n" +
		"Before Train: Train Data: W_MSE:10.500|  MSE: 2.250|  R2: 0.500|  -- Val Data: W_MSE:12.000|  MSE: 3.000|  R2:-0.125|  \n" +
		"Epoch 00012:  Train Data: W_MSE:10.500|  MSE: 2.250|  R2: 0.500|  -- Val Data: W_MSE:12.000|  MSE: 3.000|  R2:-0.125|  Val MSE \n"
	require.Equal(t, want, string(contents))
}

// syntheticDataset creates n small interaction graphs, with 4 node features and 2 edge features, the last node of
// each graph being the masternode. Labels cycle over 3 strata.
func TestHistogramLimit(t *testing.T) {
	train := graphs.NewDataset([]*graphs.InteractionGraph{{ID: "a", Affinity: 3.2}, {ID: "b", Affinity: 9.1}})
	val := graphs.NewDataset([]*graphs.InteractionGraph{{ID: "c", Affinity: 11.4}})
	assert.Equal(t, 12.0, histogramLimit(train, val))
	assert.Equal(t, 10.0, histogramLimit(train))
	// Synthetic labels are all below 4.1.
	assert.Equal(t, 5.0, histogramLimit(syntheticDataset(12)))
}

func syntheticDataset(n int) *graphs.Dataset {
	rng := rand.New(rand.NewPCG(7, 11))
	list := make([]*graphs.InteractionGraph, n)
	for ii := range list {
		numAtoms := 2 + rng.IntN(3)
		numNodes := numAtoms + 1
		g := &graphs.InteractionGraph{
			ID:       fmt.Sprintf("g%03d", ii),
			Nodes:    make([][]float32, numNodes),
			Affinity: float32(2+ii%3) + 0.1*rng.Float32(),
		}
		for node := range g.Nodes {
			g.Nodes[node] = []float32{rng.Float32(), rng.Float32(), float32(node % 2), 0}
		}
		g.Nodes[numAtoms][3] = 1
		for src := range numAtoms {
			for _, tgt := range []int{(src + 1) % numAtoms, numAtoms} {
				g.EdgeIndex[0] = append(g.EdgeIndex[0], int32(src))
				g.EdgeIndex[1] = append(g.EdgeIndex[1], int32(tgt))
				g.Edges = append(g.Edges, []float32{1 + rng.Float32(), float32(tgt / numAtoms)})
			}
		}
		list[ii] = g
	}
	return graphs.NewDataset(list)
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Model = models.ArchGATE.String()
	cfg.RunName = "test"
	cfg.SaveRoot = t.TempDir()
	cfg.NFolds = 2
	cfg.NumEpochs = 3
	cfg.BatchSize = 4
	cfg.EvalBatchSize = 8
	cfg.LearningRate = 0.001
	cfg.ALRPlateau = true
	require.NoError(t, cfg.Validate())
	return cfg
}

type recordingProgress struct {
	lines    []string
	improved []bool
}

func (p *recordingProgress) Header([]string)       {}
func (p *recordingProgress) StartPass(string, int) {}
func (p *recordingProgress) BatchDone()            {}
func (p *recordingProgress) EndPass()              {}
func (p *recordingProgress) EpochLine(line string, improved bool) {
	p.lines = append(p.lines, line)
	p.improved = append(p.improved, improved)
}

func TestRun(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(t)
	dataset := syntheticDataset(12)
	progress := &recordingProgress{}
	trainer, err := New(cfg, dataset, Options{Backend: backend, Progress: progress})
	require.NoError(t, err)
	require.Equal(t, 12, trainer.train.Len()+trainer.val.Len())

	result, err := trainer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, result.LastEpoch)
	require.GreaterOrEqual(t, result.BestEpoch, 1)

	require.Len(t, progress.lines, 4)
	require.True(t, strings.HasPrefix(progress.lines[0], BeforeTrainPrefix))
	require.True(t, strings.HasPrefix(progress.lines[3], "Epoch 00003: "))
	require.True(t, progress.improved[1], "first epoch always improves")

	saveDir := cfg.SaveDir()
	contents, err := os.ReadFile(filepath.Join(saveDir, "test_f0_saving_log.txt"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(contents), "Model Architecture GATE - Fold 0 (test_f0):\n"))
	require.Contains(t, string(contents), "Epoch 00001:  Train Data:")
	// With 3 epochs the interval is 1: every epoch is saved.
	for epoch := 1; epoch <= 3; epoch++ {
		require.True(t, models.HasCheckpoint(trainer.checkpointDir(epoch)), "epoch %d", epoch)
	}
	_, err = models.LoadConfiguration(saveDir)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(saveDir, "plots", "test_f0_predictions_1.png"))
	require.NoError(t, err)

	// Continue from the last checkpoint.
	cfg.Pretrained = trainer.checkpointDir(3)
	cfg.StartEpoch = 3
	cfg.NumEpochs = 4
	require.NoError(t, cfg.Validate())
	trainer, err = New(cfg, dataset, Options{Backend: backend})
	require.NoError(t, err)
	result, err = trainer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, result.LastEpoch)
	require.Equal(t, 4, result.BestEpoch)
}

func TestRunCancelled(t *testing.T) {
	cfg := testConfig(t)
	trainer, err := New(cfg, syntheticDataset(12), Options{Backend: graphtest.BuildTestBackend()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = trainer.Run(ctx)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestMissingCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	trainer, err := New(cfg, syntheticDataset(12), Options{Backend: graphtest.BuildTestBackend()})
	require.NoError(t, err)
	_, err = trainer.loadEpoch(2)
	require.True(t, errors.Is(err, ErrMissingCheckpoint))

	cfg.LossFunc = "hinge"
	_, err = New(cfg, syntheticDataset(12), Options{Backend: graphtest.BuildTestBackend()})
	require.True(t, errors.Is(err, ErrUnknownLoss))
}
