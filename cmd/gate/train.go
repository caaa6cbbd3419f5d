package main

import (
	"context"
	"fmt"
	"os"

	"github.com/janpfeifer/gateaffinity/internal/artifacts"
	"github.com/janpfeifer/gateaffinity/internal/config"
	"github.com/janpfeifer/gateaffinity/internal/graphs"
	"github.com/janpfeifer/gateaffinity/internal/models"
	"github.com/janpfeifer/gateaffinity/internal/telemetry"
	"github.com/janpfeifer/gateaffinity/internal/trainer"
	"github.com/janpfeifer/gateaffinity/internal/ui/report"
	"github.com/janpfeifer/gateaffinity/internal/ui/spinning"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newTrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train one fold of a dataset of interaction graphs",
		Long: "Train one fold of a dataset of interaction graphs. Options can also be given in a YAML file (--config) " +
			"or as GATE_* environment variables, e.g. GATE_BATCH_SIZE.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return runTrain(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func loadDataset(ctx context.Context, dir string) (*graphs.Dataset, error) {
	spinner := spinning.New(ctx, os.Stdout, fmt.Sprintf("Loading dataset from %s", dir))
	defer spinner.Done()
	return graphs.LoadDir(dir)
}

func newSink(cfg config.Config, runID string) (telemetry.Sink, error) {
	logSink := &telemetry.LogSink{RunName: cfg.RunID()}
	if cfg.Telemetry.ListenAddr == "" && cfg.Telemetry.PushURL == "" {
		return logSink, nil
	}
	promSink, err := telemetry.NewPrometheusSink(cfg.RunID(), runID, cfg.Telemetry.ListenAddr, cfg.Telemetry.PushURL)
	if err != nil {
		return nil, err
	}
	return telemetry.Multi(logSink, promSink), nil
}

func newMirror(ctx context.Context, cfg config.Config, runID string) (artifacts.Mirror, error) {
	if cfg.Artifacts.Endpoint == "" {
		return artifacts.NoopMirror{}, nil
	}
	a := cfg.Artifacts
	mirror, err := artifacts.NewMinioMirror(ctx, artifacts.Config{
		Endpoint:  a.Endpoint,
		Bucket:    a.Bucket,
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
		UseSSL:    a.UseSSL,
	}, cfg.SaveRoot, runID)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to connect to artifacts storage %q", a.Endpoint)
	}
	return mirror, nil
}

func runTrain(ctx context.Context, cfg config.Config) error {
	runID := telemetry.NewRunID()
	klog.Infof("Run %s (%s): model %s, fold %d of %d", cfg.RunID(), runID, cfg.Model, cfg.FoldToTrain, cfg.NFolds)
	dataset, err := loadDataset(ctx, cfg.DataDir)
	if err != nil {
		return err
	}
	sink, err := newSink(cfg, runID)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			klog.Warningf("Failed to close telemetry: %v", err)
		}
	}()
	mirror, err := newMirror(ctx, cfg, runID)
	if err != nil {
		return err
	}

	t, err := trainer.New(cfg, dataset, trainer.Options{
		Backend:  models.Backend(),
		RunID:    runID,
		Sink:     sink,
		Mirror:   mirror,
		Progress: report.New(os.Stdout),
	})
	if err != nil {
		return err
	}
	result, err := t.Run(ctx)
	if errors.Is(err, context.Canceled) {
		klog.Warningf("Training interrupted after epoch %d, last checkpoint in %s", result.LastEpoch, cfg.SaveDir())
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Best epoch %d with validation MSE %.4f; outputs in %s\n", result.BestEpoch, result.BestValMSE, cfg.SaveDir())
	return nil
}
