package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv(EnvToolName, "app_metric, mem_trace,app_metric")
	t.Setenv(EnvAppName, "resnet")
	t.Setenv(EnvTorchProfiling, "1")
	t.Setenv(EnvProfHome, "/opt/prof")

	cfg := LoadConfig()
	assert.Equal(t, []string{"app_metric", "mem_trace"}, cfg.Tools)
	assert.Equal(t, "resnet", cfg.AppName)
	assert.True(t, cfg.TorchProfile)
	assert.Equal(t, "/opt/prof/lib/libcompute_sanitizer.so", cfg.DiagnosticLibPath())
	assert.Equal(t, ".", cfg.OutputDir)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sanalyzer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools: [hot_analysis]
app_name: bert
range_granularity: 4096
max_ranges: 16
`), 0o644))
	t.Setenv(EnvAppName, "gpt")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"hot_analysis"}, cfg.Tools)
	assert.Equal(t, "gpt", cfg.AppName)
	assert.Equal(t, uint64(4096), cfg.RangeGranularity)
	assert.Equal(t, 16, cfg.MaxRanges)
	assert.Equal(t, DefaultCopySiteCacheSize, cfg.CopySiteCacheSize)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Tools = []string{"nope"}
	cfg.RangeGranularity = 0

	err := cfg.Validate()
	require.ErrorIs(t, err, types.ErrUnknownTool)
	assert.ErrorContains(t, err, "range_granularity")
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse([]byte("tools: [unterminated"))
	require.Error(t, err)
}
