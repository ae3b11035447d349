package buildsys

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
)

type builtinFunc func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// pathString accepts both plain strings and values returned by resolve_path()
func pathString(value starlark.Value) (string, bool) {
	switch v := value.(type) {
	case starlark.String:
		return v.GoString(), true
	case StarlarkPath:
		return string(v), true
	}
	return "", false
}

func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ctx := getCtx(thread)
	if len(args) == 0 {
		return nil, eris.Errorf("%s: expects at least one argument", fn.Name())
	}

	var baseValue starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), nil, kwargs, "base?", &baseValue); err != nil {
		return nil, err
	}

	parts := make([]string, len(args))
	for idx, arg := range args {
		part, ok := pathString(arg)
		if !ok {
			return nil, eris.Errorf("%s: argument %d is a %s, expected string or path", fn.Name(), idx, arg.Type())
		}
		parts[idx] = part
	}

	result := normalizePath(ctx, parts...)
	if baseValue == nil {
		return StarlarkPath(result), nil
	}

	base, ok := pathString(baseValue)
	if !ok {
		return nil, eris.Errorf("%s: base is a %s, expected string or path", fn.Name(), baseValue.Type())
	}

	rel, err := filepath.Rel(normalizePath(ctx, base), result)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: can't make %s relative", fn.Name(), result)
	}
	return StarlarkPath(rel), nil
}

// logBuiltin creates info() and warn(). Messages are prefixed with the calling script position.
func logBuiltin(level zerolog.Level) builtinFunc {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var message string
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message); err != nil {
			return nil, err
		}

		ctx := getCtx(thread)
		pos := thread.CallFrame(1).Pos
		Log(ctx.ctx).WithLevel(level).
			Msgf("%s:%d:%d: %s", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col, message)

		return starlark.None, nil
	}
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message); err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, fallback string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "key", &key, "default?", &fallback); err != nil {
		return nil, err
	}

	if value, ok := os.LookupEnv(key); ok {
		return starlark.String(value), nil
	}
	return starlark.String(fallback), nil
}

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, help string
	var fallback starlark.String

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &fallback, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.Errorf("%s: only allowed at the top level of the script, not in configure()", fn.Name())
	}

	ctx.options[name] = ScriptOption{DefaultValue: fallback, Help: help}
	if value, ok := ctx.optionValues[name]; ok {
		return starlark.String(value), nil
	}
	return fallback, nil
}

// lookupYaml follows a dotted key through maps and lists. List items are addressed by their index.
func lookupYaml(doc interface{}, key string) (interface{}, bool) {
	current := doc
	for _, part := range strings.Split(key, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			value, ok := node[part]
			if !ok {
				return nil, false
			}
			current = value
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, current != nil
}

func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var file, key string
	var fallback starlark.Value = starlark.None

	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &file, &key, &fallback); err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	file = normalizePath(ctx, file)

	doc, cached := ctx.yamlCache[file]
	if !cached {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: failed to read %s", fn.Name(), file)
		}

		if err = yaml.Unmarshal(content, &doc); err != nil {
			return nil, eris.Wrapf(err, "%s: failed to parse %s", fn.Name(), file)
		}
		ctx.yamlCache[file] = doc
	}

	value, found := lookupYaml(doc, key)
	if !found {
		return fallback, nil
	}

	switch v := value.(type) {
	case string:
		return starlark.String(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case bool:
		return starlark.Bool(v), nil
	case float64:
		return starlark.Float(v), nil
	default:
		return nil, eris.Errorf("%s: %s in %s is a %T, only scalars can be read", fn.Name(), key, file, value)
	}
}

// statBuiltin creates isdir() and isfile()
func statBuiltin(check func(os.FileMode) bool) builtinFunc {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &path); err != nil {
			return nil, err
		}

		info, err := os.Stat(normalizePath(getCtx(thread), path))
		return starlark.Bool(err == nil && check(info.Mode())), nil
	}
}

func isDirMode(mode os.FileMode) bool  { return mode.IsDir() }
func isFileMode(mode os.FileMode) bool { return mode.IsRegular() }

func starShell(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cmds starlark.Value
	var env *starlark.Dict
	task := new(Task)
	dir := ""
	tool := "sh"

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "cmds", &cmds, "name?", &task.Short, "desc?", &task.Desc,
		"dir?", &dir, "env?", &env, "tool?", &tool, "hidden?", &task.Hidden)
	if err != nil {
		return nil, err
	}

	shell := ShellCmd{
		Tool: tool,
		Dir:  normalizePath(getCtx(thread), dir),
	}

	switch value := cmds.(type) {
	case starlark.String:
		shell.Cmds = []string{value.GoString()}
	case starlarkIterable:
		shell.Cmds, err = stringList(value, "cmds")
	default:
		err = eris.Errorf("%s: cmds is a %s, expected a string or a list of strings", fn.Name(), cmds.Type())
	}
	if err != nil {
		return nil, err
	}

	if shell.Env, err = stringDict(env, "env"); err != nil {
		return nil, err
	}

	action, err := Shell(shell)
	if err != nil {
		return nil, err
	}
	task.Runner = Leaf{Action: action}

	return DeclareTask(thread, task)
}

// compositeBuiltin creates series() and parallel()
func compositeBuiltin(build func(children []string) Runner) builtinFunc {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		task := new(Task)

		err := starlark.UnpackArgs(fn.Name(), nil, kwargs, "name?", &task.Short, "desc?", &task.Desc, "hidden?", &task.Hidden)
		if err != nil {
			return nil, err
		}

		children, err := childNames(fn.Name(), args)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, eris.Errorf("%s: expects at least one task", fn.Name())
		}

		task.Runner = build(children)
		return DeclareTask(thread, task)
	}
}

func newSequence(children []string) Runner { return Sequence{Children: children} }
func newParallel(children []string) Runner { return Parallel{Children: children} }

func coreBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"info":         starlark.NewBuiltin("info", logBuiltin(zerolog.InfoLevel)),
		"warn":         starlark.NewBuiltin("warn", logBuiltin(zerolog.WarnLevel)),
		"error":        starlark.NewBuiltin("error", starError),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", statBuiltin(isDirMode)),
		"isfile":       starlark.NewBuiltin("isfile", statBuiltin(isFileMode)),
		"sh":           starlark.NewBuiltin("sh", starShell),
		"series":       starlark.NewBuiltin("series", compositeBuiltin(newSequence)),
		"parallel":     starlark.NewBuiltin("parallel", compositeBuiltin(newParallel)),
	}
}
