// Package mirror merges directory trees. Entries that only exist in the destination are never removed.
package mirror

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
)

const (
	filePerm = 0o644
	dirPerm  = 0o755
)

// Stats summarizes a mirror run
type Stats struct {
	Files   int
	Dirs    int
	Bytes   int64
	Skipped int
	// Missing is set if the source didn't exist and nothing was copied
	Missing bool
}

type workItem struct {
	src string
	dst string
}

// Mirror copies src into dst. Directories are merged recursively, files overwrite whatever exists at dst.
// A missing src is logged as a warning and reported through Stats.Missing.
func Mirror(ctx context.Context, src, dst string) (Stats, error) {
	stats, err := mirror(ctx, src, dst)
	if err == nil && stats.Missing {
		buildsys.Log(ctx).Warn().Str("path", src).Msg("mirror source does not exist, nothing copied")
	}
	return stats, err
}

// Require is like Mirror but fails with a *buildsys.MissingInputError if src doesn't exist
func Require(ctx context.Context, src, dst string) (Stats, error) {
	stats, err := mirror(ctx, src, dst)
	if err == nil && stats.Missing {
		return stats, &buildsys.MissingInputError{Path: src}
	}
	return stats, err
}

func mirror(ctx context.Context, src, dst string) (Stats, error) {
	var stats Stats

	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			stats.Missing = true
			return stats, nil
		}
		return stats, &buildsys.IOError{Op: "stat", Path: src, Err: err}
	}

	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
			return stats, &buildsys.IOError{Op: "mkdir", Path: filepath.Dir(dst), Err: err}
		}

		size, err := copyFile(src, dst)
		if err != nil {
			return stats, err
		}
		stats.Files++
		stats.Bytes += size
		return stats, nil
	}

	if err := checkNesting(src, dst); err != nil {
		return stats, err
	}

	// real paths of every directory we entered, protects against symlink loops
	visited := make(map[string]bool)
	queue := []workItem{{src: src, dst: dst}}

	for len(queue) > 0 {
		item := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		realPath, err := filepath.EvalSymlinks(item.src)
		if err != nil {
			return stats, &buildsys.IOError{Op: "resolve", Path: item.src, Err: err}
		}
		if visited[realPath] {
			buildsys.Log(ctx).Warn().Str("path", item.src).Msg("skipping directory that was already copied (symlink loop?)")
			stats.Skipped++
			continue
		}
		visited[realPath] = true

		if err := ensureDir(item.dst); err != nil {
			return stats, err
		}
		stats.Dirs++

		entries, err := os.ReadDir(item.src)
		if err != nil {
			return stats, &buildsys.IOError{Op: "readdir", Path: item.src, Err: err}
		}

		// push in reverse so that entries are processed in lexical order
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() > entries[j].Name() })
		for _, entry := range entries {
			srcPath := filepath.Join(item.src, entry.Name())
			dstPath := filepath.Join(item.dst, entry.Name())

			// follow symlinks, the loop check above catches cycles
			info, err := os.Stat(srcPath)
			if err != nil {
				if os.IsNotExist(err) {
					buildsys.Log(ctx).Warn().Str("path", srcPath).Msg("skipping dangling symlink")
					stats.Skipped++
					continue
				}
				return stats, &buildsys.IOError{Op: "stat", Path: srcPath, Err: err}
			}

			switch {
			case info.IsDir():
				queue = append(queue, workItem{src: srcPath, dst: dstPath})
			case info.Mode().IsRegular():
				size, err := copyFile(srcPath, dstPath)
				if err != nil {
					return stats, err
				}
				stats.Files++
				stats.Bytes += size
			default:
				buildsys.Log(ctx).Debug().Str("path", srcPath).Msg("skipping special file")
				stats.Skipped++
			}
		}
	}

	buildsys.Log(ctx).Debug().
		Str("src", src).
		Str("dst", dst).
		Int("files", stats.Files).
		Int64("bytes", stats.Bytes).
		Msg("mirrored")
	return stats, nil
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return &buildsys.IOError{Op: "mkdir", Path: path, Err: os.ErrExist}
		}
		return nil
	}

	if err := os.MkdirAll(path, dirPerm); err != nil {
		return &buildsys.IOError{Op: "mkdir", Path: path, Err: err}
	}
	return nil
}

// copyFile writes src into a temporary file next to dst and renames it over dst once complete
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, &buildsys.IOError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return 0, &buildsys.IOError{Op: "create", Path: dst, Err: err}
	}
	tmpName := tmp.Name()

	size, err := io.Copy(tmp, in)
	if err == nil {
		err = tmp.Chmod(filePerm)
	}
	if cErr := tmp.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, &buildsys.IOError{Op: "write", Path: dst, Err: err}
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return 0, &buildsys.IOError{Op: "rename", Path: dst, Err: err}
	}

	return size, nil
}

// resolvePath returns the absolute real path of path. Parts that don't exist yet are appended unresolved.
func resolvePath(path string) (string, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	missing := ""
	for {
		realPath, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(realPath, missing), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(path)
		if parent == path {
			return filepath.Join(path, missing), nil
		}
		missing = filepath.Join(filepath.Base(path), missing)
		path = parent
	}
}

// checkNesting refuses to copy a directory into itself, every new level would be picked up as a source again
func checkNesting(src, dst string) error {
	realSrc, err := resolvePath(src)
	if err != nil {
		return &buildsys.IOError{Op: "resolve", Path: src, Err: err}
	}
	realDst, err := resolvePath(dst)
	if err != nil {
		return &buildsys.IOError{Op: "resolve", Path: dst, Err: err}
	}

	rel, err := filepath.Rel(realSrc, realDst)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &buildsys.IOError{Op: "mirror", Path: dst, Err: eris.Errorf("destination is inside the source directory %s", src)}
	}
	return nil
}
