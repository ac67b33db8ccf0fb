package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

type hasPC interface {
	PC() uintptr
}

type hasStack interface {
	StackPCs() []uintptr
}

// logging and error plumbing frames, skipped when rendering stacks
var internalFrames = []string{
	"/internal/log.(*slogLogger).",
	"/internal/log.stackHandler.",
	"/internal/log.traceHandler.",
	"/internal/log.currentStack",
	"/internal/xerrors.",
}

func internalFrame(fn string) bool {
	if strings.HasPrefix(fn, "log/slog.") {
		return true
	}
	for _, s := range internalFrames {
		if strings.Contains(fn, s) {
			return true
		}
	}
	return false
}

func currentStack() []uintptr {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	return pcs[:n]
}

// formatStack renders func and file:line pairs, starting at the first
// frame outside the logging packages and stopping at the runtime
func formatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	var b strings.Builder
	started := false
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if !started && !internalFrame(fr.Function) {
			started = true
		}
		if started {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

// errorMessages lists each distinct message down the Unwrap chain, plus the
// members of a top-level errors.Join
func errorMessages(err error) []string {
	var out []string
	last := ""
	add := func(s string) {
		if s != last {
			out = append(out, s)
			last = s
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// errorLinks describes each link of the chain with the frame that created or wrapped it.
// Links without position info are dropped except the outermost.
func errorLinks(err error, limit int) []map[string]any {
	var links []map[string]any
	for depth, e := 0, err; e != nil && (limit <= 0 || depth < limit); depth, e = depth+1, errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}

		fr, ok := runtime.Frame{}, false
		switch v := e.(type) {
		case hasPC:
			fr, ok = frameAt(v.PC())
		case hasStack:
			fr, ok = firstOwnFrame(v.StackPCs())
		}
		if ok {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		if depth == 0 || ok {
			links = append(links, link)
		}
	}
	return links
}

func frameAt(pc uintptr) (runtime.Frame, bool) {
	if pc == 0 {
		return runtime.Frame{}, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr, true
}

func firstOwnFrame(pcs []uintptr) (runtime.Frame, bool) {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if fr.Function != "" && !strings.HasPrefix(fr.Function, "runtime.") && !internalFrame(fr.Function) {
			return fr, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

// errorTypes returns the first type in the chain that is not a wrapper, and the innermost type
func errorTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	var last error
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
		if surface != "" {
			continue
		}
		t := reflect.TypeOf(e)
		base := t
		for base.Kind() == reflect.Pointer {
			base = base.Elem()
		}
		if strings.Contains(base.PkgPath(), "/internal/xerrors") {
			continue
		}
		if base.PkgPath() == "fmt" && base.Name() == "wrapError" {
			continue
		}
		surface = t.String()
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", last)
}
