package tools

import (
	"testing"

	"github.com/ALEYI17/InfraSight_sanalyzer/internal/config"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToolResolvesEveryName(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, name := range types.ToolNames {
		tool, err := NewTool(name, config.Default(), fs)
		require.NoError(t, err, name)
		assert.Equal(t, name, tool.Name())
	}
}

func TestNewToolUnknown(t *testing.T) {
	_, err := NewTool("race_check", config.Default(), afero.NewMemMapFs())
	require.ErrorIs(t, err, types.ErrUnknownTool)
	assert.Contains(t, err.Error(), "race_check")
}

func TestPatchFor(t *testing.T) {
	assert.Empty(t, PatchFor(types.ToolCodeCheck))
	assert.Equal(t, "gpu_patch_app_metric.fatbin", PatchFor(types.ToolAppMetric))
	assert.Equal(t, "gpu_patch_mem_trace.fatbin", PatchFor(types.ToolMemTrace))
	assert.Equal(t, "gpu_patch_hot_analysis.fatbin", PatchFor(types.ToolHotAnalysis))
	assert.Empty(t, PatchFor("nope"))
}
