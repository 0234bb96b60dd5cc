package compiler

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/nativec/internal/opt"
	"github.com/tinyrange/nativec/internal/target"
)

// Config controls one compilation. The zero value compiles unoptimized code
// for the host.
type Config struct {
	// OptLevel is 0 to 3.
	OptLevel int
	// LTO lets calls bind to unexported functions of other units.
	LTO bool
	// Profile is a YAML branch profile, see opt.ParseProfile.
	Profile []byte
	Arch    target.Arch
	Format  target.Format
	// Workers bounds parallel optimization. Zero uses GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
	// Observer, when set, is called on every state transition.
	Observer Observer
}

type fileConfig struct {
	OptLevel   int    `yaml:"opt_level"`
	LTO        bool   `yaml:"lto"`
	Arch       string `yaml:"arch"`
	Format     string `yaml:"format"`
	PGOProfile string `yaml:"pgo_profile"`
	Workers    int    `yaml:"workers"`
}

// LoadConfig reads a YAML configuration file. pgo_profile is a path
// relative to the configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("compiler: read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("compiler: parse config %s: %w", path, err)
	}

	cfg := Config{OptLevel: fc.OptLevel, LTO: fc.LTO, Workers: fc.Workers}
	if fc.Arch != "" {
		if cfg.Arch, err = target.ParseArch(fc.Arch); err != nil {
			return Config{}, fmt.Errorf("compiler: config %s: %w", path, err)
		}
	}
	if fc.Format != "" {
		if cfg.Format, err = target.ParseFormat(fc.Format); err != nil {
			return Config{}, fmt.Errorf("compiler: config %s: %w", path, err)
		}
	}
	if fc.PGOProfile != "" {
		p := fc.PGOProfile
		if !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(path), p)
		}
		if cfg.Profile, err = os.ReadFile(p); err != nil {
			return Config{}, fmt.Errorf("compiler: read profile: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.OptLevel < 0 || c.OptLevel > opt.MaxLevel {
		return fmt.Errorf("compiler: optimization level %d out of range 0-%d", c.OptLevel, opt.MaxLevel)
	}
	if c.Workers < 0 {
		return fmt.Errorf("compiler: negative worker count %d", c.Workers)
	}
	return nil
}

// withDefaults fills in the host target and the default logger.
func (c Config) withDefaults() Config {
	arch, format := target.Host()
	if c.Arch == "" {
		c.Arch = arch
	}
	if c.Format == "" {
		c.Format = format
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
