// Package pipeline sequences the build stages that turn upstream source
// archives into a bootable ISO.
//
// The driver is an explicit state machine: checking-preconditions,
// cleaning-root, fetching-sources, extracting-sources, building,
// generating-initramfs, validating, packaging. Stages run strictly in order,
// every stage failure is terminal for the run, and the persistent source
// cache is the only state that survives across runs.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/smeltproject/smelt/internal/builder"
	"github.com/smeltproject/smelt/internal/cache"
	"github.com/smeltproject/smelt/internal/config"
	"github.com/smeltproject/smelt/internal/image"
	"github.com/smeltproject/smelt/internal/logging"
	"github.com/smeltproject/smelt/internal/manifest"
	"github.com/smeltproject/smelt/internal/run"
	"github.com/smeltproject/smelt/internal/stage"
	"github.com/smeltproject/smelt/internal/sysroot"
)

// Result is returned after a fully successful run.
type Result struct {
	RunID   string
	ISOPath string
}

// Pipeline drives one run end-to-end. Construct with New; the zero value is
// not usable.
type Pipeline struct {
	cfg      config.Config
	manifest manifest.Manifest
	runner   run.Runner

	cache    *cache.Cache
	stage    *stage.Stage
	root     *sysroot.Root
	builder  *builder.Builder
	packager *image.Packager
	precond  *Preconditions

	logger *slog.Logger
	state  State
}

// New wires a pipeline from the configuration and component manifest. The
// runner executes every external tool; tests substitute a scripted one.
func New(cfg config.Config, m manifest.Manifest, runner run.Runner, logger *slog.Logger) *Pipeline {
	logger = logging.Ensure(logger)
	root := sysroot.New(cfg.SysrootDir(), logger.With("component", "sysroot"))

	return &Pipeline{
		cfg:      cfg,
		manifest: m,
		runner:   runner,
		cache:    cache.New(cfg.CacheDir(), logger.With("component", "cache")),
		stage:    stage.New(cfg.SourcesDir(), logger.With("component", "stage")),
		root:     root,
		builder: &builder.Builder{
			Runner:       runner,
			Root:         root,
			Jobs:         cfg.Jobs,
			KernelConfig: cfg.KernelConfig,
			Logger:       logger.With("component", "builder"),
		},
		packager: &image.Packager{
			StagingDir: cfg.ISODir(),
			OutputDir:  cfg.OutputDir,
			Label:      cfg.ISOLabel,
			Backend:    cfg.ISOBackend,
			Runner:     runner,
			Logger:     logger.With("component", "packager"),
		},
		precond: &Preconditions{
			Tools:        cfg.Tools,
			Libraries:    cfg.Libraries,
			MinFreeBytes: cfg.MinFreeBytes(),
			WorkDir:      cfg.WorkDir,
			Runner:       runner,
			Logger:       logger.With("component", "preconditions"),
		},
		logger: logger,
		state:  StateCheckingPreconditions,
	}
}

// State reports the driver's current pipeline state.
func (p *Pipeline) State() State {
	return p.state
}

// Run executes the full pipeline. On failure the returned error is a
// *StageError naming the stage (and component, when one was involved) the
// run died in; no later stage executes.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	runID := uuid.New().String()
	logger := p.logger.With("run", runID)
	logger.Info("starting pipeline",
		"components", len(p.manifest.Components),
		"jobs", p.cfg.Jobs,
	)

	// Preconditions run before any filesystem mutation so a refused run
	// leaves the host exactly as it found it.
	p.enter(StateCheckingPreconditions, logger)
	if err := p.precond.Check(ctx); err != nil {
		return Result{}, p.fail(StateCheckingPreconditions, "", err)
	}

	p.enter(StateCleaningRoot, logger)
	if err := p.cleanRoot(); err != nil {
		return Result{}, p.fail(StateCleaningRoot, "", err)
	}

	p.enter(StateFetchingSources, logger)
	entries, err := p.fetchSources(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := p.cache.CopyInto(p.cfg.SourcesDir(), entries); err != nil {
		return Result{}, p.fail(StateFetchingSources, "", err)
	}

	p.enter(StateExtractingSources, logger)
	sources, err := p.extractSources(ctx)
	if err != nil {
		return Result{}, err
	}

	p.enter(StateBuilding, logger)
	for _, component := range p.manifest.Components {
		if err := p.builder.Build(ctx, component, sources[component.ID()]); err != nil {
			return Result{}, p.fail(StateBuilding, component.ID(), err)
		}
	}

	p.enter(StateGeneratingInitramfs, logger)
	if err := p.generateInitramfs(ctx); err != nil {
		return Result{}, p.fail(StateGeneratingInitramfs, "", err)
	}

	p.enter(StateValidating, logger)
	if err := p.root.ValidateCriticalPaths(p.manifest.CriticalPaths); err != nil {
		return Result{}, p.fail(StateValidating, "", err)
	}

	p.enter(StatePackaging, logger)
	isoPath, err := p.packager.Package(ctx, p.root, image.BootConfig{
		Title:       p.cfg.BootTitle,
		KernelPath:  p.cfg.KernelImage,
		InitrdPath:  p.cfg.InitrdImage,
		CommandLine: p.cfg.KernelCommandLine,
	})
	if err != nil {
		return Result{}, p.fail(StatePackaging, "", err)
	}

	p.state = StateDone
	logger.Info("pipeline complete", "iso", isoPath)
	return Result{RunID: runID, ISOPath: isoPath}, nil
}

// cleanRoot destroys and recreates all per-run state. The source cache is
// never touched, so archives survive across runs.
func (p *Pipeline) cleanRoot() error {
	if err := p.root.Recreate(); err != nil {
		return err
	}
	for _, dir := range []string{p.cfg.SourcesDir(), p.cfg.ISODir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create run directory %s: %w", dir, err)
		}
	}
	return nil
}

// fetchSources ensures every sourced component's archive is cached and
// returns the entries the stage still needs. Archives whose extraction
// directory already exists are never re-copied into the stage.
func (p *Pipeline) fetchSources(ctx context.Context) ([]cache.Entry, error) {
	var entries []cache.Entry
	for _, component := range p.manifest.Components {
		if !component.HasSource() {
			continue
		}
		entry, err := p.cache.Fetch(ctx, component)
		if err != nil {
			return nil, p.fail(StateFetchingSources, component.ID(), err)
		}
		if p.stage.Extracted(component) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (p *Pipeline) extractSources(ctx context.Context) (map[string]stage.ExtractedSource, error) {
	sources := make(map[string]stage.ExtractedSource)
	for _, component := range p.manifest.Components {
		if !component.HasSource() {
			continue
		}
		src, err := p.stage.Extract(ctx, component)
		if err != nil {
			return nil, p.fail(StateExtractingSources, component.ID(), err)
		}
		sources[component.ID()] = src
	}
	return sources, nil
}

// generateInitramfs invokes the configured external generator with the
// {sysroot} placeholder expanded in its arguments.
func (p *Pipeline) generateInitramfs(ctx context.Context) error {
	args := make([]string, len(p.cfg.InitramfsArgs))
	for i, arg := range p.cfg.InitramfsArgs {
		args[i] = strings.ReplaceAll(arg, "{sysroot}", p.root.Dir)
	}

	cmd := run.Command{Name: p.cfg.InitramfsTool, Args: args}
	if _, err := p.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("generate initramfs: %w", err)
	}
	return nil
}

func (p *Pipeline) enter(state State, logger *slog.Logger) {
	p.state = state
	logger.Info("entering stage", "stage", state.String())
}

func (p *Pipeline) fail(state State, component string, err error) error {
	p.state = StateFailed
	return &StageError{State: state, Component: component, Err: err}
}
