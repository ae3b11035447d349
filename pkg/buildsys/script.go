package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	tasks        []*Task
	initPhase    bool
}

// ScriptOption is an option declared with option() in a task script
type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

// ScriptPath resolves a path passed to a script builtin. Paths starting with // are relative to the project root,
// anything else is relative to the script.
func ScriptPath(thread *starlark.Thread, parts ...string) string {
	return normalizePath(getCtx(thread), parts...)
}

// ScriptContext returns the context the script is executed with
func ScriptContext(thread *starlark.Thread) context.Context {
	return getCtx(thread).ctx
}

// DeclareTask adds a task created by a script builtin. Tasks without a name get a generated one and are hidden.
func DeclareTask(thread *starlark.Thread, task *Task) (*Task, error) {
	if task.Short == "" {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	}

	if err := task.validate(); err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	ctx.tasks = append(ctx.tasks, task)
	return task, nil
}

// RunScript executes a Starlark task script and registers the tasks it declares. Tasks declared by the script
// replace built-in tasks with the same name. extra can add further builtins (i.e. filesystem steps).
// If the script defines a configure() function, it's called once the top level has been executed; option()
// may only be called before that.
func RunScript(ctx context.Context, registry *Registry, filename, projectRoot string, options map[string]string, extra starlark.StringDict) (map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, err
	}

	builtins := coreBuiltins()
	builtins["OS"] = starlark.String(runtime.GOOS)
	builtins["ARCH"] = starlark.String(runtime.GOARCH)
	for name, value := range extra {
		builtins[name] = value
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			Log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	if options == nil {
		options = map[string]string{}
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		tasks:        make([]*Task, 0),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read file %s", filename)
	}

	displayName := simplifyPath(&threadCtx, filename)
	globals, err := starlark.ExecFile(thread, displayName, script, builtins)
	if err != nil {
		return nil, scriptError(err, displayName)
	}

	if configure, ok := globals["configure"]; ok {
		configureFunc, ok := configure.(starlark.Callable)
		if !ok {
			return nil, eris.Errorf("%s: configure has to be a function, not a %s", displayName, configure.Type())
		}

		threadCtx.initPhase = false
		if _, err = starlark.Call(thread, configureFunc, nil, nil); err != nil {
			return nil, scriptError(err, displayName+": configure()")
		}
	}

	// only register once the whole script succeeded
	for _, task := range threadCtx.tasks {
		if err := registry.Register(ctx, task); err != nil {
			return nil, err
		}
	}

	Log(ctx).Debug().
		Str("path", filename).
		Int("tasks", len(threadCtx.tasks)).
		Msg("loaded task script")

	return threadCtx.options, nil
}

func scriptError(err error, location string) error {
	if evalError, ok := err.(*starlark.EvalError); ok {
		return eris.Errorf("failed to execute %s:\n%s", location, evalError.Backtrace())
	}
	return eris.Wrapf(err, "failed to execute %s", location)
}
