// Package pipeline defines the project's build tasks on top of buildsys
package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
	"github.com/DevianKeno/be-ts-template/pkg/config"
	"github.com/DevianKeno/be-ts-template/pkg/mirror"
	"github.com/DevianKeno/be-ts-template/pkg/watch"
)

// WatchPatterns are the files local-deploy watches, relative to the project root
var WatchPatterns = []string{
	"scripts/**/*.ts",
	"behavior_packs/**/*.{json,lang,png}",
	"resource_packs/**/*.{json,lang,png}",
}

// LocalCleanDirs are removed by clean-local (in addition to the dist directory)
var LocalCleanDirs = []string{"temp", "lib"}

// DeployCycle is the hidden task local-deploy runs on every change
const DeployCycle = "deploy-cycle"

// Options holds command line switches that influence the task definitions
type Options struct {
	LintFix bool
}

type definitions struct {
	cfg    *config.Config
	engine *buildsys.Engine
	opts   Options
}

// Register adds all pipeline tasks to the engine's registry
func Register(ctx context.Context, engine *buildsys.Engine, cfg *config.Config, opts Options) error {
	d := &definitions{cfg: cfg, engine: engine, opts: opts}
	registry := engine.Registry()

	tasks, err := d.collaborators()
	if err != nil {
		return err
	}

	addon, err := d.mcaddonPackage().Task("createMcaddonFile", "Stages both packs and writes the .mcaddon file")
	if err != nil {
		return err
	}
	world, err := d.mcworldPackage().Task("createMcworldFile", "Stages the world template and both packs and writes the .mcworld file")
	if err != nil {
		return err
	}
	addon.Hidden = true
	world.Hidden = true
	tasks = append(tasks, addon, world)

	tasks = append(tasks,
		buildsys.NewSeries("build", "Type checks and bundles the scripts", "typescript", "bundle"),

		buildsys.NewLeaf("clean-local", "Removes local build output", d.cleanLocal),
		buildsys.NewLeaf("clean-collateral", "Removes the deployed development packs", d.cleanCollateral),
		buildsys.NewParallel("clean", "Runs clean-local and clean-collateral", "clean-local", "clean-collateral"),

		hidden(buildsys.NewLeaf("copy-bp", "", d.deployStep("behavior pack", d.cfg.Path("behavior_packs", cfg.ProjectName), "development_behavior_packs", cfg.ProjectName))),
		hidden(buildsys.NewLeaf("copy-scripts", "", d.deployStep("scripts", d.cfg.DistPath("scripts"), "development_behavior_packs", cfg.ProjectName, "scripts"))),
		hidden(buildsys.NewLeaf("copy-rp", "", d.deployStep("resource pack", d.cfg.Path("resource_packs", cfg.ProjectName), "development_resource_packs", cfg.ProjectName))),
		// the scripts end up inside the behavior pack, so they have to be copied after it
		hidden(buildsys.NewSeries("copy-behavior", "", "copy-bp", "copy-scripts")),
		buildsys.NewParallel("copyArtifacts", "Copies both packs into the game's development pack directories", "copy-behavior", "copy-rp"),
		buildsys.NewSeries("package", "Replaces the deployed packs with the current build", "clean-collateral", "copyArtifacts"),

		hidden(buildsys.NewSeries(DeployCycle, "", "clean-local", "build", "package")),
		buildsys.NewLeaf("local-deploy", "Builds and deploys, then redeploys whenever a source file changes", d.localDeploy),

		buildsys.NewSeries("mcaddon", "Builds the .mcaddon package", "clean-local", "build", "createMcaddonFile"),
		buildsys.NewSeries("mcworld", "Builds the .mcworld package", "clean-local", "build", "createMcworldFile"),
	)

	for _, task := range tasks {
		if err := registry.Register(ctx, task); err != nil {
			return eris.Wrapf(err, "failed to register %s", task.Short)
		}
	}
	return nil
}

func hidden(task *buildsys.Task) *buildsys.Task {
	task.Hidden = true
	return task
}

func (d *definitions) collaborators() ([]*buildsys.Task, error) {
	lint, err := LintOptions{
		Patterns: d.cfg.LintFiles,
		Fix:      d.opts.LintFix,
	}.Task("lint", "Lints the scripts (--fix applies fixes)", d.cfg.Root)
	if err != nil {
		return nil, err
	}

	tsc, err := buildsys.Shell(buildsys.ShellCmd{
		Tool: "tsc",
		Dir:  d.cfg.Root,
		Cmds: []string{npx + " tsc"},
	})
	if err != nil {
		return nil, err
	}

	bundle := BundleOptions{
		EntryPoint: d.cfg.Path(d.cfg.EntryPoint),
		Outfile:    d.cfg.DistPath("scripts", d.cfg.Entry+".js"),
		External:   d.cfg.External,
		Minify:     d.cfg.Minify,
		Sourcemap:  d.cfg.Sourcemap,
	}
	if d.cfg.Sourcemap {
		bundle.SourcemapDir = d.cfg.DistPath("debug")
	}
	bundleTask, err := bundle.Task("bundle", "Bundles the scripts into "+filepath.ToSlash(filepath.Join(d.cfg.Dist, "scripts", d.cfg.Entry+".js")), d.cfg.Root)
	if err != nil {
		return nil, err
	}

	return []*buildsys.Task{
		lint,
		buildsys.NewLeaf("typescript", "Type checks the scripts", tsc),
		bundleTask,
	}, nil
}

func (d *definitions) mcaddonPackage() Package {
	name := d.cfg.ProjectName
	return Package{
		StageRoot: d.cfg.DistPath("stage", "mcaddon"),
		Output:    d.cfg.DistPath("packages", name+".mcaddon"),
		Entries: []StageEntry{
			{Source: d.cfg.Path("behavior_packs", name), Target: name + "_bp"},
			{Source: d.cfg.DistPath("scripts"), Target: filepath.Join(name+"_bp", "scripts")},
			{Source: d.cfg.Path("resource_packs", name), Target: name + "_rp"},
		},
	}
}

func (d *definitions) mcworldPackage() Package {
	name := d.cfg.ProjectName
	script := d.cfg.Entry + ".js"
	return Package{
		StageRoot: d.cfg.DistPath("packages"),
		Output:    d.cfg.DistPath("packages", d.cfg.WorldName+".mcworld"),
		// the stage root also holds the other packages
		Exclude: []string{"*.mcaddon", "*.mcworld"},
		Entries: []StageEntry{
			{Source: d.cfg.Path(d.cfg.World), Target: "."},
			{Source: d.cfg.Path("behavior_packs", name), Target: filepath.Join("behavior_packs", name)},
			{Source: d.cfg.DistPath("scripts", script), Target: filepath.Join("behavior_packs", name, "scripts", script)},
			{Source: d.cfg.Path("resource_packs", name), Target: filepath.Join("resource_packs", name)},
		},
	}
}

func (d *definitions) cleanLocal(ctx context.Context) error {
	dirs := append([]string{d.cfg.Dist}, LocalCleanDirs...)
	for _, dir := range dirs {
		path := d.cfg.Path(dir)
		if err := os.RemoveAll(path); err != nil {
			return &buildsys.IOError{Op: "remove", Path: path, Err: err}
		}
		buildsys.Log(ctx).Debug().Str("path", path).Msg("removed")
	}
	return nil
}

func (d *definitions) cleanCollateral(ctx context.Context) error {
	deployRoot, err := d.cfg.DeployRoot()
	if err != nil {
		buildsys.Log(ctx).Warn().Err(err).Msg("no deployment directory, nothing to clean")
		return nil
	}

	for _, dir := range []string{"development_behavior_packs", "development_resource_packs"} {
		path := filepath.Join(deployRoot, dir, d.cfg.ProjectName)
		if err := os.RemoveAll(path); err != nil {
			return &buildsys.IOError{Op: "remove", Path: path, Err: err}
		}
		buildsys.Log(ctx).Info().Str("path", path).Msg("removed deployed pack")
	}
	return nil
}

// deployStep mirrors src into a directory below the deployment root
func (d *definitions) deployStep(label, src string, target ...string) buildsys.Action {
	return func(ctx context.Context) error {
		deployRoot, err := d.cfg.DeployRoot()
		if err != nil {
			return err
		}

		dst := filepath.Join(append([]string{deployRoot}, target...)...)
		stats, err := mirror.Mirror(ctx, src, dst)
		if err != nil {
			return err
		}
		if !stats.Missing {
			buildsys.Log(ctx).Info().Str("path", dst).Int("files", stats.Files).Msgf("copied %s", label)
		}
		return nil
	}
}

func (d *definitions) localDeploy(ctx context.Context) error {
	excludes := []string{filepath.ToSlash(d.cfg.Dist) + "/**", "node_modules/**"}
	source, err := watch.NewModdSource(d.cfg.Root, WatchPatterns, excludes, d.cfg.WatchLull)
	if err != nil {
		return err
	}

	opts := []watch.Option{watch.WithRunOnStart(true)}
	if d.cfg.StopTimeout > 0 {
		opts = append(opts, watch.WithHardTimeout(d.cfg.StopTimeout))
	}

	controller := watch.New(source, func(ctx context.Context) error {
		return d.engine.Run(ctx, DeployCycle)
	}, opts...)
	return controller.Run(ctx)
}
