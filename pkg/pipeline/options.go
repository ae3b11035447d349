package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
)

// npx refuses to install missing tools with --no-install, the project's lockfile decides the versions
const npx = "npx --no-install"

// BundleOptions configures the bundler (esbuild)
type BundleOptions struct {
	EntryPoint string
	Outfile    string
	// External lists modules provided by the runtime which must not be bundled
	External []string
	Minify   bool
	// Sourcemap emits a source map. It's moved into SourcemapDir if that is set.
	Sourcemap    bool
	SourcemapDir string
}

// Validate checks that all required fields are set
func (o BundleOptions) Validate() error {
	if o.EntryPoint == "" {
		return eris.New("bundle: entry point is required")
	}
	if o.Outfile == "" {
		return eris.New("bundle: outfile is required")
	}
	if o.SourcemapDir != "" && !o.Sourcemap {
		return eris.New("bundle: a sourcemap directory was set but source maps are disabled")
	}
	for _, name := range o.External {
		if strings.TrimSpace(name) == "" {
			return eris.New("bundle: external module names must not be empty")
		}
	}
	return nil
}

// Command returns the shell command running the bundler
func (o BundleOptions) Command() string {
	args := []string{
		npx, "esbuild", quote(o.EntryPoint),
		"--bundle",
		"--format=esm",
		"--target=es2020",
		"--outfile=" + quote(o.Outfile),
	}
	for _, name := range o.External {
		args = append(args, "--external:"+quote(name))
	}
	if o.Minify {
		args = append(args, "--minify-whitespace")
	}
	if o.Sourcemap {
		args = append(args, "--sourcemap=external")
	}

	return strings.Join(args, " ")
}

// Task builds the bundle leaf
func (o BundleOptions) Task(name, desc, dir string) (*buildsys.Task, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	run, err := buildsys.Shell(buildsys.ShellCmd{
		Tool: "esbuild",
		Dir:  dir,
		Cmds: []string{o.Command()},
	})
	if err != nil {
		return nil, err
	}

	return buildsys.NewLeaf(name, desc, func(ctx context.Context) error {
		if err := run(ctx); err != nil {
			return err
		}

		if o.Sourcemap && o.SourcemapDir != "" {
			return moveSourcemap(ctx, o.Outfile, o.SourcemapDir)
		}
		return nil
	}), nil
}

// moveSourcemap moves <outfile>.map into dir
func moveSourcemap(ctx context.Context, outfile, dir string) error {
	src := outfile + ".map"
	dst := filepath.Join(dir, filepath.Base(src))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &buildsys.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return &buildsys.MissingInputError{Path: src}
		}
		return &buildsys.IOError{Op: "rename", Path: dst, Err: err}
	}

	buildsys.Log(ctx).Debug().Str("path", dst).Msg("moved source map")
	return nil
}

// LintOptions configures the linter (eslint)
type LintOptions struct {
	Patterns []string
	Fix      bool
}

// Validate checks that at least one pattern was given
func (o LintOptions) Validate() error {
	if len(o.Patterns) == 0 {
		return eris.New("lint: at least one file pattern is required")
	}
	return nil
}

// Command returns the shell command running the linter. Patterns are quoted so the linter expands them.
func (o LintOptions) Command() string {
	args := []string{npx, "eslint"}
	for _, pattern := range o.Patterns {
		args = append(args, quote(pattern))
	}
	if o.Fix {
		args = append(args, "--fix")
	}
	return strings.Join(args, " ")
}

// Task builds the lint leaf
func (o LintOptions) Task(name, desc, dir string) (*buildsys.Task, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	run, err := buildsys.Shell(buildsys.ShellCmd{
		Tool: "eslint",
		Dir:  dir,
		Cmds: []string{o.Command()},
	})
	if err != nil {
		return nil, err
	}
	return buildsys.NewLeaf(name, desc, run), nil
}

func quote(value string) string {
	if value != "" && strings.IndexFunc(value, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./-_", r))
	}) == -1 {
		return value
	}

	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
