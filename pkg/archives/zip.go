// Package archives writes and reads the zip based package formats (.mcaddon, .mcworld)
package archives

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ArchiveTime is the modification time stored for every entry. Using a fixed value makes the output
// depend only on the archived content.
var ArchiveTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// ZipWriter writes zip archives with a directory stack similar to a file system walk
type ZipWriter struct {
	zw       *zip.Writer
	dirStack []string
	buffer   []byte
}

// NewZipWriter wraps w. Closing the ZipWriter doesn't close w.
func NewZipWriter(w io.Writer) *ZipWriter {
	return &ZipWriter{
		zw:       zip.NewWriter(w),
		dirStack: []string{""},
		buffer:   make([]byte, 32*1024),
	}
}

func (w *ZipWriter) current() string {
	return w.dirStack[len(w.dirStack)-1]
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return eris.Errorf("invalid entry name %q", name)
	}
	return nil
}

// OpenDirectory creates a new directory entry. Anything created until the next CloseDirectory() call will be created
// inside this directory.
func (w *ZipWriter) OpenDirectory(dirname string) error {
	if err := checkName(dirname); err != nil {
		return err
	}

	prefix := path.Join(w.current(), dirname) + "/"
	header := &zip.FileHeader{
		Name:     prefix,
		Method:   zip.Store,
		Modified: ArchiveTime,
	}
	header.SetMode(os.ModeDir | 0o755)

	if _, err := w.zw.CreateHeader(header); err != nil {
		return eris.Wrapf(err, "failed to write directory entry %s", prefix)
	}

	w.dirStack = append(w.dirStack, prefix)
	return nil
}

// CloseDirectory closes the directory that was last opened
func (w *ZipWriter) CloseDirectory() error {
	if len(w.dirStack) < 2 {
		return eris.New("no directory left on stack")
	}

	w.dirStack = w.dirStack[:len(w.dirStack)-1]
	return nil
}

// WriteFile creates a new file in the current archive directory
func (w *ZipWriter) WriteFile(filename string, reader io.Reader) error {
	if err := checkName(filename); err != nil {
		return err
	}

	header := &zip.FileHeader{
		Name:     w.current() + filename,
		Method:   zip.Deflate,
		Modified: ArchiveTime,
	}
	header.SetMode(0o644)

	writer, err := w.zw.CreateHeader(header)
	if err != nil {
		return eris.Wrapf(err, "failed to write entry %s", header.Name)
	}

	if _, err := io.CopyBuffer(writer, reader, w.buffer); err != nil {
		return eris.Wrapf(err, "failed to write entry %s", header.Name)
	}
	return nil
}

// Close writes the central directory. All opened directories have to be closed first.
func (w *ZipWriter) Close() error {
	if len(w.dirStack) != 1 {
		return eris.New("open directories left over")
	}

	return w.zw.Close()
}
