package models

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// ConfigurationFileName is the name of the file with the configuration of a model, saved in the run directory.
const ConfigurationFileName = "model_configuration.json"

// Configuration is a snapshot of the configuration of a model.
type Configuration struct {
	Arch         Arch           `json:"arch"`
	NodeFeatures int            `json:"node_features"`
	EdgeFeatures int            `json:"edge_features"`
	Params       map[string]any `json:"params"`
}

// ConfigurationOf returns the configuration of the model: its architecture, input widths and the
// hyperparameters in its context root scope.
func ConfigurationOf(model Model) *Configuration {
	ctx := model.Context()
	cfg := &Configuration{
		Arch:         model.Arch(),
		NodeFeatures: context.GetParamOr(ctx, ParamNodeFeatures, 0),
		EdgeFeatures: context.GetParamOr(ctx, ParamEdgeFeatures, 0),
		Params:       make(map[string]any),
	}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		cfg.Params[key] = value
	})
	return cfg
}

// Save the configuration as indented JSON to dir/ConfigurationFileName.
func (c *Configuration) Save(dir string) error {
	contents, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode model configuration")
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	path := filepath.Join(dir, ConfigurationFileName)
	if err = os.WriteFile(path, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write model configuration to %q", path)
	}
	return nil
}

// LoadConfiguration reads the configuration saved with Configuration.Save in dir.
func LoadConfiguration(dir string) (*Configuration, error) {
	path := filepath.Join(dir, ConfigurationFileName)
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model configuration")
	}
	cfg := &Configuration{}
	if err = json.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model configuration in %q", path)
	}
	return cfg, nil
}
