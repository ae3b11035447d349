package archives

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
)

func TestMain(m *testing.M) {
	log.Logger = zerolog.Nop()
	os.Exit(m.Run())
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()

	result := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		result[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func compareTrees(t *testing.T, expected, actual map[string]string) {
	t.Helper()

	if len(expected) != len(actual) {
		t.Errorf("expected %d files, got %d: %v", len(expected), len(actual), actual)
	}
	for name, content := range expected {
		if actual[name] != content {
			t.Errorf("%s: expected %q, got %q", name, content, actual[name])
		}
	}
}

var sampleTree = map[string]string{
	"manifest.json":    `{"format_version": 2}`,
	"scripts/main.js":  "console.log('hello')",
	"texts/en_US.lang": strings.Repeat("pack.name=Sample\n", 100),
}

func TestBuildArchive_RoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, sampleTree)

	output := filepath.Join(t.TempDir(), "nested", "out", "sample.mcaddon")
	if err := BuildArchive(context.Background(), src, output); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dest := t.TempDir()
	if err := Extract(context.Background(), output, dest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	compareTrees(t, sampleTree, readTree(t, dest))
}

func TestBuildArchive_DeepTree(t *testing.T) {
	src := t.TempDir()
	name := strings.Repeat("d/", 70) + "f.txt"
	writeTree(t, src, map[string]string{name: "deep"})

	output := filepath.Join(t.TempDir(), "deep.zip")
	if err := BuildArchive(context.Background(), src, output); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dest := t.TempDir()
	if err := Extract(context.Background(), output, dest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	compareTrees(t, map[string]string{name: "deep"}, readTree(t, dest))
}

func TestBuildArchive_SymlinkLoop(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a/file.txt": "content"})
	if err := os.Symlink(src, filepath.Join(src, "a", "loop")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	output := filepath.Join(t.TempDir(), "loop.zip")
	if err := BuildArchive(context.Background(), src, output); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reader, err := zip.OpenReader(output)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	names := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	if strings.Join(names, ",") != "a/,a/file.txt" {
		t.Fatalf("unexpected entries %v", names)
	}
}

func TestBuildArchive_Deterministic(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, sampleTree)
	output := filepath.Join(t.TempDir(), "sample.mcworld")

	if err := BuildArchive(context.Background(), src, output); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}

	// touch a file to change its modification time
	writeTree(t, src, map[string]string{"manifest.json": sampleTree["manifest.json"]})

	if err := BuildArchive(context.Background(), src, output); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first, second) {
		t.Error("expected both archives to be identical")
	}
}

func TestBuildArchive_Overwrites(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, sampleTree)
	output := filepath.Join(t.TempDir(), "sample.mcaddon")

	if err := os.WriteFile(output, []byte("not a zip file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := BuildArchive(context.Background(), src, output); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := os.Remove(filepath.Join(src, "scripts", "main.js")); err != nil {
		t.Fatal(err)
	}
	if err := BuildArchive(context.Background(), src, output); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dest := t.TempDir()
	if err := Extract(context.Background(), output, dest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tree := readTree(t, dest)
	if _, found := tree["scripts/main.js"]; found {
		t.Error("the archive still contains a removed file")
	}
	if len(tree) != 2 {
		t.Errorf("expected 2 files, got %v", tree)
	}
}

func TestBuildArchive_MissingRoot(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "out", "sample.mcaddon")

	err := BuildArchive(context.Background(), filepath.Join(dir, "missing"), output)
	var missing *buildsys.MissingInputError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingInputError, got %v", err)
	}

	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Error("no output should have been created")
	}
}

func TestBuildArchive_OutputInsideRoot(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"behavior_packs/demo/manifest.json": "{}",
		"old.mcaddon":                       "previous package",
	})
	output := filepath.Join(root, "demo.mcworld")

	for i := 0; i < 2; i++ {
		if err := BuildArchive(context.Background(), root, output, WithExclude("*.mcaddon", "*.mcworld")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	dest := t.TempDir()
	if err := Extract(context.Background(), output, dest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	compareTrees(t, map[string]string{"behavior_packs/demo/manifest.json": "{}"}, readTree(t, dest))
}

func TestBuildArchive_Progress(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, sampleTree)

	expected := int64(0)
	for _, content := range sampleTree {
		expected += int64(len(content))
	}

	var reported int64
	var buffer bytes.Buffer
	err := BuildArchive(context.Background(), src, filepath.Join(t.TempDir(), "out.zip"), WithProgress(func(total int64) io.Writer {
		reported = total
		return &buffer
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reported != expected {
		t.Errorf("expected total %d, got %d", expected, reported)
	}
	if int64(buffer.Len()) != expected {
		t.Errorf("expected %d bytes of progress, got %d", expected, buffer.Len())
	}
}

func TestZipWriter_Entries(t *testing.T) {
	var buffer bytes.Buffer
	writer := NewZipWriter(&buffer)

	if err := writer.OpenDirectory("scripts"); err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteFile("main.js", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err == nil {
		t.Fatal("expected Close to fail with an open directory")
	}
	if err := writer.CloseDirectory(); err != nil {
		t.Fatal(err)
	}
	if err := writer.CloseDirectory(); err == nil {
		t.Fatal("expected CloseDirectory to fail on the root")
	}
	if err := writer.WriteFile("../escape", strings.NewReader("x")); err == nil {
		t.Fatal("expected invalid names to be rejected")
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}

	reader, err := zip.NewReader(bytes.NewReader(buffer.Bytes()), int64(buffer.Len()))
	if err != nil {
		t.Fatal(err)
	}

	names := make([]string, 0)
	for _, item := range reader.File {
		names = append(names, item.Name)
		if !item.Modified.Equal(ArchiveTime) {
			t.Errorf("%s: unexpected modification time %v", item.Name, item.Modified)
		}
	}
	sort.Strings(names)

	if strings.Join(names, ",") != "scripts/,scripts/main.js" {
		t.Errorf("unexpected entries %v", names)
	}
}
