package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	config "github.com/cochaviz/aibmoe/config"
	"github.com/cochaviz/aibmoe/internal/compile"
	"github.com/cochaviz/aibmoe/internal/logging"
	"github.com/cochaviz/aibmoe/internal/setup"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{logger: logger, levelVar: &levelVar, stderr: os.Stderr}
	root := a.newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		a.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// app carries state that the root command resolves before any subcommand
// runs.
type app struct {
	logger   *slog.Logger
	levelVar *slog.LevelVar
	stderr   io.Writer

	configPath string
	logLevel   string
	logFormat  string
	overrides  setup.Config
	cfg        setup.Config
}

func (a *app) newRootCommand() *cobra.Command {
	setup.SetLogger(a.logger.With("component", "setup"))

	root := &cobra.Command{
		Use:           "aibmoe",
		Short:         "Compile two images into one PNG that shows a different picture depending on the reader",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to a YAML or TOML configuration file")
	flags.StringVar(&a.logLevel, "log-level", setup.DefaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	flags.StringVar(&a.logFormat, "log-format", setup.DefaultLogFormat, "Set log format (cli, json)")
	flags.IntVar(&a.overrides.Workers, "workers", setup.DefaultWorkers, "Maximum number of compiles running at once")
	flags.StringVar(&a.overrides.WorkspaceRoot, "workspace-root", setup.DefaultWorkspaceRoot, "Directory for per-compile scratch workspaces")
	flags.StringVar(&a.overrides.ArtifactDir, "artifact-dir", setup.DefaultArtifactDir, "Directory for retained artifacts")
	flags.StringVar(&a.overrides.ExportDir, "export-dir", setup.DefaultExportDir, "Directory for ephemeral export copies")
	flags.StringVar(&a.overrides.Packer.Kind, "packer", setup.PackerChunk, "Packing primitive (chunk, command)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.resolve(cmd)
	}

	root.AddCommand(
		a.newCompileCommand(),
		a.newInspectCommand(),
		a.newConfigCommand(),
	)
	return root
}

// resolve loads the configuration file, applies explicitly set flags on top
// and rebuilds the logger.
func (a *app) resolve(cmd *cobra.Command) error {
	cfg, err := setup.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Workers = a.overrides.Workers
	}
	if flags.Changed("workspace-root") {
		cfg.WorkspaceRoot = a.overrides.WorkspaceRoot
	}
	if flags.Changed("artifact-dir") {
		cfg.ArtifactDir = a.overrides.ArtifactDir
	}
	if flags.Changed("export-dir") {
		cfg.ExportDir = a.overrides.ExportDir
	}
	if flags.Changed("packer") {
		cfg.Packer.Kind = a.overrides.Packer.Kind
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.logFormat
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = setup.DefaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = setup.DefaultLogFormat
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	a.levelVar.Set(level)
	a.logger = logging.New(format, a.stderr, a.levelVar)
	slog.SetDefault(a.logger)
	setup.SetLogger(a.logger.With("component", "setup"))

	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) newCompileCommand() *cobra.Command {
	var (
		output string
		export bool
	)

	cmd := &cobra.Command{
		Use:   "compile <primary> <secondary>",
		Args:  cobra.ExactArgs(2),
		Short: "Pack a primary and a secondary image into one ambiguous PNG",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "compile")
			cmdLogger.Info("starting compile", "primary", args[0], "secondary", args[1], "output", output, "packer", a.cfg.Packer.Kind)

			result, err := config.Compile(cmd.Context(), a.cfg, config.CompileRequest{
				Primary:   args[0],
				Secondary: args[1],
				Output:    output,
				Export:    export,
			}, cmdLogger)
			if err != nil {
				var compileErr *compile.Error
				if errors.As(err, &compileErr) {
					cmdLogger.Error("compile failed", "kind", compileErr.Kind.String(), "reason", compileErr.Reason)
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sha256 %s  %dx%d  %d bytes\n", result.Checksum, result.Width, result.Height, result.Size)
			if result.SavedTo != "" {
				fmt.Fprintf(out, "saved  %s\n", result.SavedTo)
			}
			if result.ExportPath != "" {
				fmt.Fprintf(out, "export %s\n", result.ExportPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "out", "o", "", "Where to save the compiled PNG")
	cmd.Flags().BoolVar(&export, "export", false, "Also produce an ephemeral copy named magic.png and print its path")
	return cmd
}

func (a *app) newInspectCommand() *cobra.Command {
	var standardOut, alternateOut string

	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Args:  cobra.ExactArgs(1),
		Short: "Show what a standard and an alternate reader see in a PNG",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "inspect")

			result, err := config.Inspect(cmd.Context(), args[0], standardOut, alternateOut, cmdLogger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "standard  %dx%d\n", result.Standard.Dx(), result.Standard.Dy())
			if result.HasAlternate {
				fmt.Fprintf(out, "alternate %dx%d\n", result.Alternate.Dx(), result.Alternate.Dy())
			} else {
				fmt.Fprintln(out, "alternate none")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&standardOut, "standard", "", "Write the standard reader's image to this path")
	cmd.Flags().StringVar(&alternateOut, "alternate", "", "Write the alternate reader's image to this path")
	return cmd
}

func (a *app) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Args:  cobra.NoArgs,
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}
