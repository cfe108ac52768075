package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smeltproject/smelt/internal/config"
	"github.com/smeltproject/smelt/internal/logging"
	"github.com/smeltproject/smelt/internal/manifest"
	"github.com/smeltproject/smelt/internal/pipeline"
	"github.com/smeltproject/smelt/internal/run"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	var (
		logLevel   = defaultLogLevel
		configPath string
	)

	root := &cobra.Command{
		Use:           "smelt",
		Short:         "Build a minimal bootable Linux distribution image from upstream sources",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newBuildCommand(logger, &configPath),
		newVerifyCommand(logger, &configPath),
		newComponentsCommand(&configPath),
		newCleanCommand(logger, &configPath),
	)
	return root
}

func loadSetup(configPath string) (config.Config, manifest.Manifest, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, manifest.Manifest{}, err
	}

	var m manifest.Manifest
	if cfg.ManifestPath != "" {
		m, err = manifest.LoadFile(cfg.ManifestPath)
	} else {
		m, err = manifest.Default()
	}
	if err != nil {
		return config.Config{}, manifest.Manifest{}, err
	}
	return cfg, m, nil
}

func newBuildCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Run the full pipeline and produce a bootable ISO",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, m, err := loadSetup(*configPath)
			if err != nil {
				return err
			}

			cmdLogger := logger.With("command", "build")
			runner := &run.ExecRunner{Echo: os.Stderr}

			result, err := pipeline.New(cfg, m, runner, cmdLogger).Run(cmd.Context())
			if err != nil {
				cmdLogger.Error("pipeline failed", "error", err)
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), result.ISOPath)
			return nil
		},
	}
}

func newVerifyCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check host preconditions without building anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadSetup(*configPath)
			if err != nil {
				return err
			}

			precond := pipeline.Preconditions{
				Tools:        cfg.Tools,
				Libraries:    cfg.Libraries,
				MinFreeBytes: cfg.MinFreeBytes(),
				WorkDir:      cfg.WorkDir,
				Runner:       &run.ExecRunner{},
				Logger:       logger.With("command", "verify"),
			}
			if err := precond.Check(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "all preconditions satisfied")
			return nil
		},
	}
}

func newComponentsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "components",
		Short: "List the components the manifest declares, in build order",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, m, err := loadSetup(*configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, component := range m.Components {
				fmt.Fprintf(out, "%s\t%s\n", component.ID(), component.Recipe.Kind)
			}
			return nil
		},
	}
}

func newCleanCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	var clearCache bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove per-run build state; the source cache is kept unless --cache is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadSetup(*configPath)
			if err != nil {
				return err
			}

			cmdLogger := logger.With("command", "clean")

			if err := os.RemoveAll(cfg.BuildDir()); err != nil {
				return fmt.Errorf("remove build directory: %w", err)
			}
			cmdLogger.Info("build directory removed", "dir", cfg.BuildDir())

			if clearCache {
				if err := os.RemoveAll(cfg.CacheDir()); err != nil {
					return fmt.Errorf("remove source cache: %w", err)
				}
				cmdLogger.Info("source cache removed", "dir", cfg.CacheDir())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&clearCache, "cache", false, "Also remove the persistent source cache")

	return cmd
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
