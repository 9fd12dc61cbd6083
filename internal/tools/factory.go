// Package tools resolves tool names to analysis engines.
package tools

import (
	"fmt"

	"github.com/ALEYI17/InfraSight_sanalyzer/internal/backtrace"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/config"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/tools/appmetric"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/tools/codecheck"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/tools/hotanalysis"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/tools/memtrace"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"github.com/spf13/afero"
)

// captureSkip drops the frames between the capturer and the host's call into
// the analyzer, so a copy site starts at the host's caller.
const captureSkip = 7

func NewTool(name string, cfg *config.Config, fs afero.Fs) (types.Tool, error) {
	switch name {
	case types.ToolCodeCheck:
		return codecheck.New(cfg, codecheck.WithCapture(backtrace.Capturer{Skip: captureSkip}, backtrace.Hash))
	case types.ToolAppMetric:
		return appmetric.New(cfg, fs), nil
	case types.ToolMemTrace:
		return memtrace.New(cfg, fs), nil
	case types.ToolHotAnalysis:
		return hotanalysis.New(cfg, fs), nil
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownTool, name)
	}
}

// PatchFor names the device patch a tool needs, or "" when it runs without one.
func PatchFor(name string) string {
	switch name {
	case types.ToolAppMetric, types.ToolMemTrace, types.ToolHotAnalysis:
		return "gpu_patch_" + name + ".fatbin"
	default:
		return ""
	}
}
