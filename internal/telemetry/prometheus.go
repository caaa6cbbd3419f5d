package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"k8s.io/klog/v2"
)

const (
	// namespace of all metrics.
	namespace = "gate"

	// pushJob is the Pushgateway job name.
	pushJob = "gate_training"
)

// PrometheusSink exposes the scalars as Prometheus gauges labelled by run and metric name.
type PrometheusSink struct {
	registry *prometheus.Registry
	scalars  *prometheus.GaugeVec
	epoch    prometheus.Gauge
	images   *prometheus.CounterVec

	run, runID string
	server     *http.Server
	pusher     *push.Pusher

	mu sync.Mutex
}

// Assert PrometheusSink is a Sink.
var _ Sink = (*PrometheusSink)(nil)

// NewPrometheusSink creates a sink for the run. If listenAddr is set, the metrics are served on it (path
// /metrics). If pushURL is set, the metrics are pushed to that Pushgateway after every epoch.
func NewPrometheusSink(run, runID, listenAddr, pushURL string) (*PrometheusSink, error) {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		run:      run,
		runID:    runID,
	}
	constLabels := prometheus.Labels{"run": run, "run_id": runID}
	s.scalars = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "metric",
		Help:        "Training metrics of the last epoch.",
		ConstLabels: constLabels,
	}, []string{"name"})
	s.epoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "epoch",
		Help:        "Last epoch reported.",
		ConstLabels: constLabels,
	})
	s.images = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "images_total",
		Help:        "Number of images (plots) generated.",
		ConstLabels: constLabels,
	}, []string{"name"})
	for _, c := range []prometheus.Collector{s.scalars, s.epoch, s.images} {
		if err := s.registry.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register Prometheus metrics")
		}
	}

	if listenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.Handler())
		s.server = &http.Server{Addr: listenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.Errorf("Prometheus metrics server on %s failed: %+v", listenAddr, err)
			}
		}()
		klog.Infof("Serving metrics on %s/metrics", listenAddr)
	}
	if pushURL != "" {
		s.pusher = push.New(pushURL, pushJob).Gatherer(s.registry).Grouping("run", run)
	}
	return s, nil
}

// Handler returns the HTTP handler serving the metrics.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// LogScalars implements Sink.
func (s *PrometheusSink) LogScalars(epoch int, values map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch.Set(float64(epoch))
	for name, value := range values {
		s.scalars.WithLabelValues(name).Set(value)
	}
	if s.pusher != nil {
		if err := s.pusher.Push(); err != nil {
			klog.Warningf("Failed to push metrics of epoch %d: %v", epoch, err)
		}
	}
}

// LogImage implements Sink.
func (s *PrometheusSink) LogImage(name, _ string) {
	s.images.WithLabelValues(name).Inc()
}

// Close implements Sink. It shuts down the metrics server, if one was started.
func (s *PrometheusSink) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "failed to shut down metrics server")
	}
	return nil
}
