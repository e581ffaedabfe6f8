// Package setup initializes and loads an imewatch agent work directory.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/imewatch/internal/model"
	"github.com/msageha/imewatch/internal/rules"
	atomicyaml "github.com/msageha/imewatch/internal/yaml"
	"github.com/msageha/imewatch/templates"
)

// Options customize a fresh work directory. Zero values keep the template.
type Options struct {
	LogDir   string
	LogLevel string
}

// Run creates the work directory layout, the default rules file and a
// config.yaml generated from the embedded template.
func Run(workDir string, opts Options) (Layout, error) {
	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve work dir: %w", err)
	}
	l := Layout{Root: absDir}

	if _, err := os.Stat(l.ConfigPath()); err == nil {
		return l, fmt.Errorf("%s already exists", l.ConfigPath())
	}

	for _, d := range []string{l.Root, l.StateDir(), l.LogsDir(), l.LocksDir(), l.EventsDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return l, fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := writeRulesTemplate(l.RulesPath()); err != nil {
		return l, err
	}

	cfg, err := generateConfig(opts)
	if err != nil {
		return l, fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(l.ConfigPath(), cfg); err != nil {
		return l, fmt.Errorf("write config.yaml: %w", err)
	}
	return l, nil
}

// writeRulesTemplate keeps an operator-edited rules file in place.
func writeRulesTemplate(dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	data, err := fs.ReadFile(templates.FS, "rules.yaml")
	if err != nil {
		return fmt.Errorf("read template rules.yaml: %w", err)
	}
	if _, err := rules.ParseRules(data); err != nil {
		return fmt.Errorf("template rules.yaml: %w", err)
	}
	if err := atomicyaml.AtomicWriteRaw(dst, data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(opts Options) (*model.Config, error) {
	cfg, err := DefaultConfig()
	if err != nil {
		return nil, err
	}
	if opts.LogDir != "" {
		cfg.Logs.Dir = opts.LogDir
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	return cfg, nil
}

// DefaultConfig decodes the embedded config template.
func DefaultConfig() (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	return &cfg, nil
}

// ErrNotInitialized means the work directory has no config.yaml.
var ErrNotInitialized = errors.New("work directory not initialized (run: imewatch init)")

// LoadConfig reads <workDir>/config.yaml, applies defaults and validates it.
func LoadConfig(workDir string) (*model.Config, Layout, error) {
	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, Layout{}, fmt.Errorf("resolve work dir: %w", err)
	}
	l := Layout{Root: absDir}

	data, err := os.ReadFile(l.ConfigPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, l, fmt.Errorf("%s: %w", l.Root, ErrNotInitialized)
		}
		return nil, l, fmt.Errorf("read config: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, l, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, l, err
	}
	return &cfg, l, nil
}

// Validate rejects values ApplyDefaults cannot repair.
func Validate(cfg *model.Config) error {
	for _, p := range cfg.Logs.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("logs.patterns: %q: %w", p, err)
		}
	}
	if cfg.Simulation.Speed <= 0 {
		return fmt.Errorf("simulation.speed must be positive, got %v", cfg.Simulation.Speed)
	}
	return nil
}
