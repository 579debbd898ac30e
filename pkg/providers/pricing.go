package providers

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.yaml
var defaultPricing embed.FS

// LoadPricing reads a YAML pricing file and returns the provider configuration.
func LoadPricing(path string) (*ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file %s: %w", path, err)
	}
	cfg, err := LoadPricingFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("pricing file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadPricingFromBytes parses and validates YAML pricing data.
func LoadPricingFromBytes(data []byte) (*ProviderConfig, error) {
	var cfg ProviderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse pricing data: %w", err)
	}
	if cfg.Provider == "" {
		return nil, fmt.Errorf("missing provider name")
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("no models defined")
	}
	for _, m := range cfg.Models {
		if m.InputPerMillion < 0 || m.OutputPerMillion < 0 || m.CachedInputPerMillion < 0 {
			return nil, fmt.Errorf("model %q: negative price", m.Model)
		}
	}
	return &cfg, nil
}

// LoadRegistry builds a registry from the built-in pricing tables, then overlays every
// *.yaml file in dir. A provider defined in dir replaces the built-in table. An empty or
// missing dir yields the built-in tables only.
func LoadRegistry(dir string) (*Registry, error) {
	configs := make(map[string]*ProviderConfig)

	builtin, err := fs.Glob(defaultPricing, "defaults/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list built-in pricing: %w", err)
	}
	for _, name := range builtin {
		data, err := defaultPricing.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read built-in pricing %s: %w", name, err)
		}
		cfg, err := LoadPricingFromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("built-in pricing %s: %w", name, err)
		}
		configs[cfg.Provider] = cfg
	}

	if dir != "" {
		if _, err := os.Stat(dir); err == nil {
			files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
			if err != nil {
				return nil, fmt.Errorf("list pricing dir: %w", err)
			}
			for _, path := range files {
				cfg, err := LoadPricing(path)
				if err != nil {
					return nil, err
				}
				configs[cfg.Provider] = cfg
			}
		}
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	reg := NewRegistry()
	for _, name := range names {
		if err := reg.Register(NewTable(configs[name])); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
