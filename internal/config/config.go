package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/ALEYI17/InfraSight_sanalyzer/internal/ranges"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	EnvToolName       = "YOSEMITE_TOOL_NAME"
	EnvAppName        = "APP_NAME"
	EnvOutputDir      = "YOSEMITE_OUTPUT_DIR"
	EnvProfHome       = "CU_PROF_HOME"
	EnvTorchProfile   = "YOSEMITE_TORCH_PROFILE"
	EnvTorchProfiling = "TORCH_PROFILE_ENABLED"
	EnvLogLevel       = "YOSEMITE_LOG_LEVEL"
)

const DefaultCopySiteCacheSize = 256

type Config struct {
	Tools             []string `yaml:"tools"`
	AppName           string   `yaml:"app_name"`
	OutputDir         string   `yaml:"output_dir"`
	ProfHome          string   `yaml:"prof_home"`
	TorchProfile      bool     `yaml:"torch_profile"`
	RangeGranularity  uint64   `yaml:"range_granularity"`
	MaxRanges         int      `yaml:"max_ranges"`
	CopySiteCacheSize int      `yaml:"copy_site_cache_size"`
	LogLevel          string   `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		OutputDir:         ".",
		RangeGranularity:  ranges.DefaultGranularity,
		MaxRanges:         ranges.DefaultMaxRanges,
		CopySiteCacheSize: DefaultCopySiteCacheSize,
		LogLevel:          "info",
	}
}

// LoadConfig builds the configuration from defaults and the environment.
func LoadConfig() *Config {
	cfg := Default()
	cfg.applyEnv(os.LookupEnv)
	return cfg
}

// LoadFile reads a YAML configuration file, then lets the environment
// override it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Tools = normalizeTools(cfg.Tools)
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvToolName); ok {
		c.Tools = normalizeTools(strings.Split(v, ","))
	}
	if v, ok := lookup(EnvAppName); ok {
		c.AppName = v
	}
	if v, ok := lookup(EnvOutputDir); ok && v != "" {
		c.OutputDir = v
	}
	if v, ok := lookup(EnvProfHome); ok {
		c.ProfHome = v
	}
	for _, k := range []string{EnvTorchProfile, EnvTorchProfiling} {
		if v, ok := lookup(k); ok && v == "1" {
			c.TorchProfile = true
		}
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
}

func normalizeTools(in []string) []string {
	var out []string
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// DiagnosticLibPath is the sanitizer library the diagnostics engine reports
// as its capture backend. Empty when CU_PROF_HOME is unset.
func (c *Config) DiagnosticLibPath() string {
	if c.ProfHome == "" {
		return ""
	}
	return c.ProfHome + "/lib/libcompute_sanitizer.so"
}

func (c *Config) Validate() error {
	var errs []error
	if c.RangeGranularity == 0 {
		errs = append(errs, errors.New("range_granularity must be positive"))
	}
	if c.MaxRanges <= 0 {
		errs = append(errs, errors.New("max_ranges must be positive"))
	}
	if c.CopySiteCacheSize <= 0 {
		errs = append(errs, errors.New("copy_site_cache_size must be positive"))
	}
	for _, t := range c.Tools {
		if !slices.Contains(types.ToolNames, t) {
			errs = append(errs, fmt.Errorf("%w: %q", types.ErrUnknownTool, t))
		}
	}
	return errors.Join(errs...)
}
