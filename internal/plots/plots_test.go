package plots

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAxisLimit(t *testing.T) {
	train := Pairs{Targets: []float64{2, 9.5}, Predictions: []float64{3, 8}}
	val := Pairs{Targets: []float64{4}, Predictions: []float64{10.2}}
	assert.Equal(t, 11.0, AxisLimit(train, val))
	assert.Equal(t, 1.0, AxisLimit())
	assert.Equal(t, 2.0, minTarget(train, val))
}

func TestRender(t *testing.T) {
	dir := t.TempDir()
	train := Pairs{Targets: []float64{2, 5, 9.5, 7}, Predictions: []float64{3, 5.5, 8, 6}}
	val := Pairs{Targets: []float64{4, 6}, Predictions: []float64{3.5, 7}}

	paths := []string{
		filepath.Join(dir, "predictions.png"),
		filepath.Join(dir, "best", "residuals.png"),
		filepath.Join(dir, "labels.png"),
	}
	require.NoError(t, Predictions(train, val, "run_f0: Epoch 1", AxisLimit(train, val), paths[0]))
	require.NoError(t, Residuals(train, val, "run_f0: Epoch 1", paths[1]))
	require.NoError(t, Histogram(train.Targets, "Training Labels", 10, 16, paths[2]))
	for _, path := range paths {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}

	require.Error(t, Histogram(nil, "empty", 10, 16, filepath.Join(dir, "empty.png")))
}
