package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ALEYI17/InfraSight_sanalyzer/internal/config"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/replay"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/report"
	"github.com/ALEYI17/InfraSight_sanalyzer/internal/tools"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/logutil"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/sanalyzer"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalFlags struct {
	configPath string
	tools      []string
	appName    string
	outputDir  string
}

func (g *globalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		if cfg, err = config.LoadFile(g.configPath); err != nil {
			return nil, err
		}
	} else {
		cfg = config.LoadConfig()
	}

	if cmd.Flags().Changed("tools") {
		cfg.Tools = g.tools
	}
	if cmd.Flags().Changed("app") {
		cfg.AppName = g.appName
	}
	if cmd.Flags().Changed("output") {
		cfg.OutputDir = g.outputDir
	}
	if err := logutil.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	return cfg, nil
}

func newRootCommand(fs afero.Fs) *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:          "sanalyzer",
		Short:        "GPU telemetry analysis engine",
		Long:         `sanalyzer turns a stream of GPU execution events into statistics, access traces, hotness maps and diagnostics.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML configuration file")
	cmd.PersistentFlags().StringSliceVar(&g.tools, "tools", nil, "Tools to enable, overriding "+config.EnvToolName)
	cmd.PersistentFlags().StringVar(&g.appName, "app", "", "Application name used in report names")
	cmd.PersistentFlags().StringVar(&g.outputDir, "output", "", "Directory reports are written to")

	cmd.AddCommand(
		newReplayCommand(g, fs),
		newToolsCommand(),
	)
	return cmd
}

func newReplayCommand(g *globalFlags, fs afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:     "replay <recording>",
		Short:   "Replay a recorded event stream through the enabled tools",
		Example: `YOSEMITE_TOOL_NAME=app_metric sanalyzer replay run.rec`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logutil.GetLogger()

			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			a, err := sanalyzer.New(cfg, fs)
			if err != nil {
				return err
			}

			opts, res := a.Init()
			if res != types.Success {
				return fmt.Errorf("init: %s", res)
			}
			logger.Info("Patch selected",
				zap.String("patch", opts.PatchFile),
				zap.Bool("torch_profiler", opts.TorchProfEnabled))

			stats, runErr := replay.RunFile(cmd.Context(), fs, args[0], a)
			// reports are flushed even when the replay stopped early
			if res := a.Terminate(); res != types.Success {
				runErr = errors.Join(runErr, fmt.Errorf("terminate: %s", res))
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Records replayed: %s\n", report.FormatNumber(stats.Records))
			for _, r := range []types.Result{types.Success, types.Error, types.NotImplemented, types.MemFreeZero} {
				if n := stats.Results[r]; n > 0 {
					fmt.Fprintf(out, "  %-18s %d\n", r.String()+":", n)
				}
			}
			if stats.Queries > 0 {
				fmt.Fprintf(out, "Range queries: %d (%d failed)\n", stats.Queries, stats.QueryErrors)
			}
			return runErr
		},
	}
}

func newToolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the available tools and the patch each one loads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, name := range types.ToolNames {
				patch := tools.PatchFor(name)
				if patch == "" {
					patch = "(no patch)"
				}
				fmt.Fprintf(out, "%-14s %s\n", name, patch)
			}
			fmt.Fprintf(out, "\nSelect with %s=%s\n", config.EnvToolName, strings.Join(types.ToolNames, ","))
			return nil
		},
	}
}
