package buildsys

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ShellCmd describes an external tool invocation
type ShellCmd struct {
	// Tool names the collaborator in error messages (i.e. "tsc" or "esbuild")
	Tool string
	Dir  string
	Env  map[string]string
	Cmds []string
	// Stdout and Stderr default to os.Stdout and os.Stderr
	Stdout io.Writer
	Stderr io.Writer
}

func getEnvVars(overrides map[string]string) []string {
	osEnv := os.Environ()
	shellEnv := make([]string, 0, len(osEnv)+len(overrides))
	for _, item := range osEnv {
		parts := strings.SplitN(item, "=", 2)
		if runtime.GOOS == "windows" {
			parts[0] = strings.ToUpper(parts[0])
		}

		// skip overriden entries to avoid conflicts
		if _, present := overrides[parts[0]]; !present {
			shellEnv = append(shellEnv, item)
		}
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		shellEnv = append(shellEnv, fmt.Sprintf("%s=%s", k, overrides[k]))
	}

	return shellEnv
}

var defaultExecHandler = interp.DefaultExecHandler(2)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "mv", "rm", "mkdir":
			// always use our cross-platform implementation for these operations to make sure
			// they behave consistently
			self, err := os.Executable()
			if err == nil {
				args = append([]string{self}, args...)
			}
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// Shell returns an action that runs the given commands through the embedded POSIX shell.
// The commands are parsed up front so syntax errors surface at registration time.
func Shell(cmd ShellCmd) (Action, error) {
	parser := syntax.NewParser()
	stmts := make([]*syntax.Stmt, 0, len(cmd.Cmds))
	for idx, content := range cmd.Cmds {
		file, err := parser.Parse(strings.NewReader(content), fmt.Sprintf("%s:%d", cmd.Tool, idx))
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command %s", content)
		}
		stmts = append(stmts, file.Stmts...)
	}

	if cmd.Dir == "" {
		cmd.Dir = "."
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	return func(ctx context.Context) error {
		runner, err := interp.New(
			interp.Dir(cmd.Dir),
			interp.Env(expand.ListEnviron(getEnvVars(cmd.Env)...)),
			interp.ExecHandler(execHandler),
			interp.OpenHandler(openHandler),
			interp.StdIO(nil, cmd.Stdout, cmd.Stderr),
			interp.Params("-e"),
		)
		if err != nil {
			return eris.Wrap(err, "failed to initialize runner")
		}

		printer := syntax.NewPrinter(syntax.Minify(true))
		strBuffer := strings.Builder{}

		for _, stmt := range stmts {
			strBuffer.Reset()
			if err := printer.Print(&strBuffer, stmt); err == nil {
				Log(ctx).Info().
					Str("tool", cmd.Tool).
					Bool("command", true).
					Msg(strBuffer.String())
			}

			err = runner.Run(ctx, stmt)
			if err != nil {
				return &CollaboratorFailure{Tool: cmd.Tool, Err: err}
			}

			if runner.Exited() {
				return nil
			}
		}

		return nil
	}, nil
}
