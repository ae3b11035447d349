package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// ConsoleWriter renders zerolog's JSON events as colored, human readable lines
type ConsoleWriter struct {
	out      io.Writer
	colorize colorstring.Colorize
	debug    bool
	wd       string

	buffer strings.Builder
	lock   sync.Mutex
}

// NewConsoleWriter writes to out. Colors are disabled if NO_COLOR is set.
func NewConsoleWriter(out io.Writer) *ConsoleWriter {
	wd, _ := os.Getwd()
	return &ConsoleWriter{
		out: out,
		colorize: colorstring.Colorize{
			Colors:  colorstring.DefaultColors,
			Disable: os.Getenv("NO_COLOR") != "",
		},
		debug: os.Getenv("BUILDSYS_DEBUG") != "",
		wd:    wd,
	}
}

func (w *ConsoleWriter) Write(p []byte) (n int, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	var evt map[string]interface{}
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	err = d.Decode(&evt)
	if err != nil {
		return n, eris.Wrapf(err, "cannot decode event: %s", p)
	}

	w.buffer.Reset()
	// only the color codes go through colorstring, messages may contain brackets
	switch evt[zerolog.LevelFieldName] {
	case "fatal", "error":
		w.buffer.WriteString(w.colorize.Color("[red]"))
	case "warn":
		w.buffer.WriteString(w.colorize.Color("[yellow]"))
	case "debug", "trace":
		w.buffer.WriteString(w.colorize.Color("[blue]"))
	default:
		w.buffer.WriteString(w.colorize.Color("[green]"))
	}

	if task, ok := evt["task"].(string); ok && task != "" {
		w.buffer.WriteString(task + ": ")
	}

	if evt[zerolog.LevelFieldName] == "error" {
		w.buffer.WriteString("Error: ")
	}

	if _, ok := evt["command"]; ok {
		w.buffer.WriteString("$ ")
	}

	msg, _ := evt[zerolog.MessageFieldName].(string)
	if path, ok := evt["path"].(string); ok {
		// show paths relative to the working directory
		if relPath, err := filepath.Rel(w.wd, path); err == nil && filepath.IsAbs(path) && !strings.HasPrefix(relPath, "..") {
			path = relPath
		}
		msg += " (" + path + ")"
	}
	w.buffer.WriteString(msg)

	if errorDetails, ok := evt[zerolog.ErrorFieldName].(string); ok {
		w.buffer.WriteString("\n")
		w.buffer.WriteString(errorDetails)
	}

	if w.debug {
		w.buffer.WriteString("\n")
		names := make([]string, 0, len(evt))
		for name := range evt {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			w.buffer.WriteString(fmt.Sprintf("  %s: %+v\n", name, evt[name]))
		}
	}

	w.buffer.WriteString(w.colorize.Color("[reset]"))
	w.buffer.WriteString("\n")
	if _, err := io.WriteString(w.out, w.buffer.String()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func init() {
	zerolog.ErrorMarshalFunc = func(err error) interface{} {
		return eris.ToString(err, os.Getenv("BUILDSYS_DEBUG") != "")
	}
}
