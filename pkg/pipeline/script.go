package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
	"github.com/DevianKeno/be-ts-template/pkg/mirror"
)

// ScriptName is the optional task script in the project root
const ScriptName = "tasks.star"

// ScriptBuiltins returns the filesystem builtins available to task scripts in addition to the ones
// buildsys provides
func ScriptBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"mirror":  starlark.NewBuiltin("mirror", starMirror),
		"archive": starlark.NewBuiltin("archive", starArchive),
	}
}

// LoadScript runs <root>/tasks.star if it exists. Tasks declared there replace the built-in ones.
func LoadScript(ctx context.Context, registry *buildsys.Registry, root string, options map[string]string) (map[string]buildsys.ScriptOption, error) {
	path := filepath.Join(root, ScriptName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return map[string]buildsys.ScriptOption{}, nil
		}
		return nil, eris.Wrapf(err, "failed to access %s", path)
	}

	return buildsys.RunScript(ctx, registry, path, root, options, ScriptBuiltins())
}

func pathArg(value starlark.Value, field string) (string, error) {
	switch v := value.(type) {
	case starlark.String:
		return v.GoString(), nil
	case buildsys.StarlarkPath:
		return string(v), nil
	default:
		return "", eris.Errorf("%s must be a string or path but is a %s", field, value.Type())
	}
}

func starMirror(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, dst starlark.Value
	task := new(buildsys.Task)
	required := false

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "dst", &dst, "name?", &task.Short,
		"desc?", &task.Desc, "hidden?", &task.Hidden, "required?", &required)
	if err != nil {
		return nil, err
	}

	srcPath, err := pathArg(src, "src")
	if err != nil {
		return nil, err
	}
	dstPath, err := pathArg(dst, "dst")
	if err != nil {
		return nil, err
	}
	srcPath = buildsys.ScriptPath(thread, srcPath)
	dstPath = buildsys.ScriptPath(thread, dstPath)

	task.Runner = buildsys.Leaf{Action: func(ctx context.Context) error {
		var err error
		if required {
			_, err = mirror.Require(ctx, srcPath, dstPath)
		} else {
			_, err = mirror.Mirror(ctx, srcPath, dstPath)
		}
		return err
	}}
	return buildsys.DeclareTask(thread, task)
}

func starArchive(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var root, output starlark.Value
	var exclude *starlark.List
	task := new(buildsys.Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "root", &root, "output", &output, "exclude?", &exclude,
		"name?", &task.Short, "desc?", &task.Desc, "hidden?", &task.Hidden)
	if err != nil {
		return nil, err
	}

	rootPath, err := pathArg(root, "root")
	if err != nil {
		return nil, err
	}
	outputPath, err := pathArg(output, "output")
	if err != nil {
		return nil, err
	}

	pkg := Package{
		StageRoot: buildsys.ScriptPath(thread, rootPath),
		Output:    buildsys.ScriptPath(thread, outputPath),
	}
	if exclude != nil {
		for idx := 0; idx < exclude.Len(); idx++ {
			pattern, ok := starlark.AsString(exclude.Index(idx))
			if !ok {
				return nil, eris.Errorf("%s: exclude patterns must be strings", fn.Name())
			}
			pkg.Exclude = append(pkg.Exclude, pattern)
		}
	}
	if err := pkg.Validate(); err != nil {
		return nil, err
	}

	task.Runner = buildsys.Leaf{Action: func(ctx context.Context) error {
		return pkg.Build(ctx)
	}}
	return buildsys.DeclareTask(thread, task)
}
