package cmd

import (
	"os"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/chaincache/pkg/engine"
	"github.com/ethpandaops/chaincache/pkg/logging"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads the engine configuration from a YAML file. A missing file yields the
// defaults.
func LoadConfig(path string) (*engine.Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	config := &engine.Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(path) //nolint:gosec // User-provided config file path
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, err
	}

	return config, nil
}

// setup loads the config, applies the --log-level override and configures the logger
func setup(cmd *cobra.Command) (*engine.Config, error) {
	// Silence usage on error
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}

	if err := logging.Configure(logger, cfg.Logging); err != nil && cfg.Logging.File == "" {
		return nil, err
	}

	return cfg, nil
}

// newStorageEngine starts only the cache core. One-shot commands never run the worker,
// scheduler or API.
func newStorageEngine(cmd *cobra.Command, cfg *engine.Config) (*engine.Service, error) {
	cfg.Worker.Enabled = false
	cfg.Rechunk.Enabled = false
	cfg.API.Enabled = false

	svc, err := engine.NewService(logger, cfg)
	if err != nil {
		return nil, err
	}

	if err := svc.StartStorage(cmd.Context()); err != nil {
		_ = svc.Stop()
		return nil, err
	}

	return svc, nil
}
