package archives

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
)

type buildOptions struct {
	exclude  []string
	progress func(total int64) io.Writer
}

// BuildOption configures BuildArchive
type BuildOption func(*buildOptions)

// WithExclude skips every file or directory whose base name matches one of the given glob patterns
func WithExclude(patterns ...string) BuildOption {
	return func(o *buildOptions) {
		o.exclude = append(o.exclude, patterns...)
	}
}

// WithProgress is called with the total number of bytes that will be archived. The returned writer receives
// the content of each file as it's archived.
func WithProgress(fn func(total int64) io.Writer) BuildOption {
	return func(o *buildOptions) {
		o.progress = fn
	}
}

type archiveWalker struct {
	ctx      context.Context
	opts     buildOptions
	skip     map[string]bool
	visited  map[string]bool
	writer   *ZipWriter
	progress io.Writer
	files    int
}

func (a *archiveWalker) excluded(path string, name string) bool {
	if a.skip[path] {
		return true
	}

	for _, pattern := range a.opts.exclude {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// entries returns the sorted, non-excluded entries of dir. Symlinks are resolved.
func (a *archiveWalker) entries(dir string) ([]os.FileInfo, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	result := make([]os.FileInfo, 0, len(items))
	for _, item := range items {
		itemPath := filepath.Join(dir, item.Name())
		if a.excluded(itemPath, item.Name()) {
			continue
		}

		info, err := os.Stat(itemPath)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			buildsys.Log(a.ctx).Debug().Str("path", itemPath).Msg("skipping special file")
			continue
		}
		result = append(result, info)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result, nil
}

// walkItem is either a directory to descend into or, with closeDir set, the marker that closes it again
type walkItem struct {
	path     string
	info     os.FileInfo
	closeDir bool
}

// push adds the entries of dir to the stack in reverse order so they're popped alphabetically
func (a *archiveWalker) push(stack []walkItem, dir string) ([]walkItem, error) {
	infos, err := a.entries(dir)
	if err != nil {
		return stack, eris.Wrapf(err, "failed to read dir %s", dir)
	}

	for idx := len(infos) - 1; idx >= 0; idx-- {
		stack = append(stack, walkItem{path: filepath.Join(dir, infos[idx].Name()), info: infos[idx]})
	}
	return stack, nil
}

// enter reports whether dir hasn't been visited yet. Directories are tracked by their real path.
func (a *archiveWalker) enter(dir string) (bool, error) {
	realPath, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return false, eris.Wrapf(err, "failed to resolve %s", dir)
	}
	if a.visited[realPath] {
		buildsys.Log(a.ctx).Warn().Str("path", dir).Msg("skipping directory that was already archived (symlink loop?)")
		return false, nil
	}
	a.visited[realPath] = true
	return true, nil
}

// walk calls visit for every file below root in archive order. Directories are passed to enterDir and leaveDir
// around their content.
func (a *archiveWalker) walk(root string, enterDir func(walkItem) error, visit func(walkItem) error, leaveDir func() error) error {
	a.visited = make(map[string]bool)
	if _, err := a.enter(root); err != nil {
		return err
	}

	stack, err := a.push(nil, root)
	if err != nil {
		return err
	}

	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch {
		case item.closeDir:
			if err := leaveDir(); err != nil {
				return err
			}
		case item.info.IsDir():
			ok, err := a.enter(item.path)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}

			if err := enterDir(item); err != nil {
				return err
			}
			stack = append(stack, walkItem{path: item.path, closeDir: true})
			if stack, err = a.push(stack, item.path); err != nil {
				return err
			}
		default:
			if err := visit(item); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *archiveWalker) size(root string) (int64, error) {
	total := int64(0)
	noop := func() error { return nil }
	err := a.walk(root, func(walkItem) error { return nil }, func(item walkItem) error {
		total += item.info.Size()
		return nil
	}, noop)
	return total, err
}

func (a *archiveWalker) pack(root string) error {
	return a.walk(root, func(item walkItem) error {
		return a.writer.OpenDirectory(item.info.Name())
	}, a.packFile, a.writer.CloseDirectory)
}

func (a *archiveWalker) packFile(item walkItem) error {
	f, err := os.Open(item.path)
	if err != nil {
		return eris.Wrapf(err, "failed to open file %s", item.path)
	}
	defer f.Close()

	var reader io.Reader = f
	if a.progress != nil {
		reader = io.TeeReader(f, a.progress)
	}

	if err := a.writer.WriteFile(item.info.Name(), reader); err != nil {
		return eris.Wrapf(err, "failed to pack file %s", item.path)
	}
	a.files++
	return nil
}

// BuildArchive packs every file below root into a zip archive at output. Entry names are relative to root.
// The archive is written to a temporary file first and then renamed over output, an existing archive is replaced.
func BuildArchive(ctx context.Context, root, output string, opts ...BuildOption) error {
	walker := archiveWalker{ctx: ctx, skip: make(map[string]bool)}
	for _, opt := range opts {
		opt(&walker.opts)
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return &buildsys.IOError{Op: "archive", Path: output, Err: err}
	}
	output, err = filepath.Abs(output)
	if err != nil {
		return &buildsys.IOError{Op: "archive", Path: output, Err: err}
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return &buildsys.MissingInputError{Path: root}
		}
		return &buildsys.IOError{Op: "stat", Path: root, Err: err}
	}
	if !info.IsDir() {
		return &buildsys.IOError{Op: "archive", Path: root, Err: eris.New("not a directory")}
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return &buildsys.IOError{Op: "mkdir", Path: filepath.Dir(output), Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(output), "."+filepath.Base(output)+".*.tmp")
	if err != nil {
		return &buildsys.IOError{Op: "create", Path: output, Err: err}
	}
	tmpName := tmp.Name()
	walker.skip[output] = true
	walker.skip[tmpName] = true

	if walker.opts.progress != nil {
		total, err := walker.size(root)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return &buildsys.IOError{Op: "archive", Path: output, Err: err}
		}
		walker.progress = walker.opts.progress(total)
	}

	walker.writer = NewZipWriter(tmp)
	err = walker.pack(root)
	if err == nil {
		err = walker.writer.Close()
	}
	if cErr := tmp.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		os.Remove(tmpName)
		return &buildsys.IOError{Op: "archive", Path: output, Err: err}
	}

	if err := os.Rename(tmpName, output); err != nil {
		os.Remove(tmpName)
		return &buildsys.IOError{Op: "rename", Path: output, Err: err}
	}

	buildsys.Log(ctx).Info().
		Str("path", output).
		Int("files", walker.files).
		Msg("created archive")
	return nil
}
