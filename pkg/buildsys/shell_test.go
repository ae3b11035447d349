package buildsys

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestShell_RunsCommands(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer

	action, err := Shell(ShellCmd{
		Tool:   "echo",
		Dir:    dir,
		Env:    map[string]string{"GREETING": "hello"},
		Cmds:   []string{`echo "$GREETING" > out.txt`, `echo done`},
		Stdout: &stdout,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := action(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if strings.TrimSpace(string(content)) != "hello" {
		t.Errorf("expected hello, got %q", content)
	}
	if strings.TrimSpace(stdout.String()) != "done" {
		t.Errorf("expected done on stdout, got %q", stdout.String())
	}
}

func TestShell_FailureIsCollaboratorFailure(t *testing.T) {
	dir := t.TempDir()

	action, err := Shell(ShellCmd{
		Tool: "tsc",
		Dir:  dir,
		Cmds: []string{"exit 2", "echo never > never.txt"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = action(context.Background())
	var failure *CollaboratorFailure
	if !errors.As(err, &failure) || failure.Tool != "tsc" {
		t.Fatalf("expected CollaboratorFailure from tsc, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "never.txt")); !os.IsNotExist(err) {
		t.Error("commands after the failure must not run")
	}
}

func TestShell_SyntaxErrorsFailEarly(t *testing.T) {
	_, err := Shell(ShellCmd{Tool: "sh", Cmds: []string{"if then fi ("}})
	if err == nil {
		t.Fatal("expected a parse error")
	}
}
