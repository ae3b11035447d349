package archives

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
)

// Extract unpacks the zip archive at archivePath into dest. WithExclude skips entries by base name and
// WithProgress receives the uncompressed content.
func Extract(ctx context.Context, archivePath, dest string, opts ...BuildOption) error {
	var options buildOptions
	for _, opt := range opts {
		opt(&options)
	}

	archive, err := zip.OpenReader(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &buildsys.MissingInputError{Path: archivePath}
		}
		return &buildsys.IOError{Op: "open", Path: archivePath, Err: err}
	}
	defer archive.Close()

	var progress io.Writer
	if options.progress != nil {
		total := int64(0)
		for _, item := range archive.File {
			total += int64(item.UncompressedSize64)
		}
		progress = options.progress(total)
	}

	buf := make([]byte, 32*1024)
	count := 0
	for _, item := range archive.File {
		name := strings.TrimSuffix(item.Name, "/")
		if !filepath.IsLocal(name) {
			return &buildsys.IOError{Op: "extract", Path: archivePath, Err: eris.Errorf("entry %s points outside of the destination", item.Name)}
		}

		skip := false
		for _, pattern := range options.exclude {
			if ok, _ := filepath.Match(pattern, path.Base(name)); ok {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		destPath := filepath.Join(dest, filepath.FromSlash(name))
		if item.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return &buildsys.IOError{Op: "mkdir", Path: destPath, Err: err}
			}
			continue
		}

		if err := extractFile(item, destPath, buf, progress); err != nil {
			return err
		}
		count++
	}

	buildsys.Log(ctx).Info().
		Str("path", archivePath).
		Int("files", count).
		Msg("extracted archive")
	return nil
}

func extractFile(item *zip.File, destPath string, buf []byte, progress io.Writer) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return &buildsys.IOError{Op: "mkdir", Path: filepath.Dir(destPath), Err: err}
	}

	itemHandle, err := item.Open()
	if err != nil {
		return &buildsys.IOError{Op: "extract", Path: destPath, Err: eris.Wrapf(err, "failed to open archive entry %s", item.Name)}
	}
	defer itemHandle.Close()

	destHandle, err := os.Create(destPath)
	if err != nil {
		return &buildsys.IOError{Op: "create", Path: destPath, Err: err}
	}

	var reader io.Reader = itemHandle
	if progress != nil {
		reader = io.TeeReader(itemHandle, progress)
	}

	_, err = io.CopyBuffer(destHandle, reader, buf)
	if cErr := destHandle.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		return &buildsys.IOError{Op: "write", Path: destPath, Err: err}
	}
	return nil
}
