package buildsys

import (
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

// normalizePath resolves script paths. Each part is applied like a cd: "//" starts at the project root,
// "/" at the volume root and relative parts continue from the previous result (initially the script's directory).
func normalizePath(ctx *parserCtx, parts ...string) string {
	result := filepath.Dir(ctx.filepath)

	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "//"):
			result = filepath.Join(ctx.projectRoot, part[2:])
		case strings.HasPrefix(part, "/"):
			result = filepath.Join(filepath.VolumeName(result), part)
		case filepath.IsAbs(part):
			result = part
		default:
			result = filepath.Join(result, part)
		}
	}

	return filepath.Clean(result)
}

// simplifyPath turns paths inside the project into "//" paths for messages
func simplifyPath(ctx *parserCtx, path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	rel, err := filepath.Rel(ctx.projectRoot, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return path
	}
	return "//" + filepath.ToSlash(rel)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func stringList(input starlarkIterable, field string) ([]string, error) {
	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		value, ok := pathString(item)
		if !ok {
			return nil, eris.Errorf("%s may only contain strings but contains a %s", field, item.Type())
		}
		result = append(result, value)
	}
	return result, nil
}

func stringDict(input *starlark.Dict, field string) (map[string]string, error) {
	result := map[string]string{}
	if input == nil {
		return result, nil
	}

	for _, item := range input.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, eris.Errorf("%s keys have to be strings but found a %s", field, item[0].Type())
		}

		value, ok := item[1].(starlark.String)
		if !ok {
			return nil, eris.Errorf("%s[%s] has to be a string but is a %s", field, key.GoString(), item[1].Type())
		}
		result[key.GoString()] = value.GoString()
	}
	return result, nil
}

// childNames converts positional task references (names or task values) into names
func childNames(fnName string, args starlark.Tuple) ([]string, error) {
	result := make([]string, len(args))
	for idx, arg := range args {
		switch value := arg.(type) {
		case starlark.String:
			result[idx] = value.GoString()
		case *Task:
			result[idx] = value.Short
		default:
			return nil, eris.Errorf("%s: argument %d is a %s but only task names and tasks are valid", fnName, idx, arg.Type())
		}
	}
	return result, nil
}
