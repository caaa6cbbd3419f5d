package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	scalars map[int]map[string]float64
	images  []string
	closed  bool
}

func (r *recordingSink) LogScalars(epoch int, values map[string]float64) {
	if r.scalars == nil {
		r.scalars = make(map[int]map[string]float64)
	}
	r.scalars[epoch] = values
}

func (r *recordingSink) LogImage(name, _ string) { r.images = append(r.images, name) }

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func TestMulti(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := Multi(a, nil, b, &LogSink{RunName: "test"})
	sink.LogScalars(3, map[string]float64{"val/mse": 1.5})
	sink.LogImage("Residuals Plot", "/tmp/residuals.png")
	require.NoError(t, sink.Close())
	for _, r := range []*recordingSink{a, b} {
		assert.Equal(t, 1.5, r.scalars[3]["val/mse"])
		assert.Equal(t, []string{"Residuals Plot"}, r.images)
		assert.True(t, r.closed)
	}
}

func TestPrometheusSink(t *testing.T) {
	runID := NewRunID()
	s, err := NewPrometheusSink("test_f0", runID, "", "")
	require.NoError(t, err)
	s.LogScalars(7, map[string]float64{"val/mse": 2.25, "lr": 0.01})
	s.LogImage("Predictions Scatterplot", "")

	assert.Equal(t, 7.0, testutil.ToFloat64(s.epoch))
	assert.Equal(t, 2.25, testutil.ToFloat64(s.scalars.WithLabelValues("val/mse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.images.WithLabelValues("Predictions Scatterplot")))

	server := httptest.NewServer(s.Handler())
	defer server.Close()
	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `gate_metric{name="lr",run="test_f0",run_id="`+runID+`"} 0.01`)
	require.NoError(t, s.Close())
}
