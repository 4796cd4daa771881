package file

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"sigs.k8s.io/yaml"

	"github.com/syncwire/go-sync-engine/pkg/utils"
)

// ReadConfig reads YAML or JSON configuration files, merges them in
// order (later files win), fills the defaults and validates the
// result.
func ReadConfig(filenames ...string) (Config, error) {
	var merged Config
	var errs []error
	for _, filename := range filenames {
		data, err := os.ReadFile(filename)
		if err != nil {
			errs = append(errs, fmt.Errorf("reading file %s: %w", filename, err))
			continue
		}
		cfg, err := parseConfig(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing file %s: %w", filename, err))
			continue
		}
		if err := mergo.Merge(&merged, cfg, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return Config{}, fmt.Errorf("merging file contents: %w", err)
		}
	}
	if len(errs) > 0 {
		return Config{}, utils.ErrArray{Errors: errs}
	}
	return finalize(merged)
}

// ReadConfigBytes parses one in-memory configuration document.
func ReadConfigBytes(data []byte) (Config, error) {
	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, err
	}
	return finalize(cfg)
}

func parseConfig(data []byte) (Config, error) {
	var cfg Config
	// sigs.k8s.io/yaml converts through JSON, so both YAML and JSON
	// documents parse here.
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func finalize(cfg Config) (Config, error) {
	defaults := DefaultConfig()
	// Set pointers are kept as they are, so an explicit zero or false
	// is not replaced by the default.
	if err := mergo.Merge(&cfg, defaults, mergo.WithoutDereference); err != nil {
		return Config{}, fmt.Errorf("applying defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validationError(errs []error) error {
	return utils.ErrArray{Errors: errs}
}
