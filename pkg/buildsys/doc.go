// Package buildsys implements a small task runner for the add-on build.
// Tasks are registered by name and composed into sequences and parallel groups; leaf tasks
// run Go actions or shell commands (through mvdan.cc/sh) and additional tasks can be declared
// in a Starlark script.
package buildsys
