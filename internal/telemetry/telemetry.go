// Package telemetry streams the metrics of a training run: scalars per epoch and images (plots).
//
// LogSink writes to the log, PrometheusSink exposes them as Prometheus gauges (served over HTTP and/or pushed to
// a Pushgateway), and Multi fans out to several sinks.
package telemetry

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sink receives the metrics of a run.
type Sink interface {
	// LogScalars of an epoch.
	LogScalars(epoch int, values map[string]float64)

	// LogImage reports an image saved in path.
	LogImage(name, path string)

	// Close flushes and releases the sink.
	Close() error
}

// NewRunID returns a unique identifier for a run, used to tell apart runs that share the same name.
func NewRunID() string {
	return uuid.NewString()
}

// LogSink writes the metrics to the log, with verbosity 1.
type LogSink struct {
	RunName string
}

// Assert LogSink is a Sink.
var _ Sink = (*LogSink)(nil)

// LogScalars implements Sink.
func (s *LogSink) LogScalars(epoch int, values map[string]float64) {
	if !klog.V(1).Enabled() {
		return
	}
	parts := make([]string, 0, len(values))
	for _, key := range slices.Sorted(maps.Keys(values)) {
		parts = append(parts, key+"="+formatValue(values[key]))
	}
	klog.V(1).Infof("%s: epoch %d: %s", s.RunName, epoch, strings.Join(parts, ", "))
}

// LogImage implements Sink.
func (s *LogSink) LogImage(name, path string) {
	klog.V(1).Infof("%s: %s saved to %s", s.RunName, name, path)
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// multiSink fans out to several sinks.
type multiSink []Sink

// Multi returns a Sink that forwards to all the given sinks. nil sinks are ignored.
func Multi(sinks ...Sink) Sink {
	var m multiSink
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

// LogScalars implements Sink.
func (m multiSink) LogScalars(epoch int, values map[string]float64) {
	for _, s := range m {
		s.LogScalars(epoch, values)
	}
}

// LogImage implements Sink.
func (m multiSink) LogImage(name, path string) {
	for _, s := range m {
		s.LogImage(name, path)
	}
}

// Close implements Sink. It closes all sinks, and returns the first error.
func (m multiSink) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = errors.WithMessage(err, "failed to close telemetry sink")
		}
	}
	return firstErr
}
