package pipeline

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/DevianKeno/be-ts-template/pkg/archives"
	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
	"github.com/DevianKeno/be-ts-template/pkg/mirror"
)

// StageEntry copies Source to Target (relative to the stage root)
type StageEntry struct {
	Source string
	Target string
	// Required entries fail the build if Source is missing, others only log a warning
	Required bool
}

// Package describes one archive: what gets staged where and which file is produced from the staged tree
type Package struct {
	Entries   []StageEntry
	StageRoot string
	Output    string
	Exclude   []string
}

// Validate checks the descriptor before it's turned into a task
func (p Package) Validate() error {
	if p.StageRoot == "" || p.Output == "" {
		return eris.New("package: stage root and output are required")
	}

	for _, entry := range p.Entries {
		if entry.Source == "" {
			return eris.New("package: stage entries need a source")
		}

		target := filepath.Clean(entry.Target)
		if filepath.IsAbs(target) || target == ".." || strings.HasPrefix(target, ".."+string(filepath.Separator)) {
			return eris.Errorf("package: stage target %s is outside of the stage root", entry.Target)
		}
	}

	for _, pattern := range p.Exclude {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return eris.Wrapf(err, "package: invalid exclude pattern %s", pattern)
		}
	}
	return nil
}

// Stage copies all entries into the stage root
func (p Package) Stage(ctx context.Context) error {
	for _, entry := range p.Entries {
		dst := filepath.Join(p.StageRoot, entry.Target)

		var err error
		if entry.Required {
			_, err = mirror.Require(ctx, entry.Source, dst)
		} else {
			_, err = mirror.Mirror(ctx, entry.Source, dst)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Build stages the entries and archives the stage root into Output
func (p Package) Build(ctx context.Context, opts ...archives.BuildOption) error {
	if err := p.Stage(ctx); err != nil {
		return err
	}

	opts = append([]archives.BuildOption{archives.WithExclude(p.Exclude...)}, opts...)
	return archives.BuildArchive(ctx, p.StageRoot, p.Output, opts...)
}

// Task turns the descriptor into a leaf task
func (p Package) Task(name, desc string) (*buildsys.Task, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	return buildsys.NewLeaf(name, desc, func(ctx context.Context) error {
		return p.Build(ctx)
	}), nil
}
