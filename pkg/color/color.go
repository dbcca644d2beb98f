// Package color styles auditkit CLI output with ANSI escapes. Output stays
// plain when NO_COLOR is set (https://no-color.org/), TERM is dumb or
// --no-color is given.
package color

import (
	"os"
	"sync"
	"sync/atomic"
)

type style string

const reset = "\033[0m"

const (
	bold   style = "\033[1m"
	dim    style = "\033[2m"
	red    style = "\033[31m"
	green  style = "\033[32m"
	yellow style = "\033[33m"
	blue   style = "\033[34m"
	cyan   style = "\033[36m"
)

var (
	initOnce sync.Once
	enabled  atomic.Bool
)

// Init decides once, from the environment and the --no-color flag, whether
// output is colored.
func Init(noColor bool) {
	initOnce.Do(func() {
		_, noColorEnv := os.LookupEnv("NO_COLOR")
		enabled.Store(!noColor && !noColorEnv && os.Getenv("TERM") != "dumb")
	})
}

// Enabled reports whether output is colored.
func Enabled() bool {
	Init(false)
	return enabled.Load()
}

// Disable turns coloring off for the rest of the process.
func Disable() {
	Init(true)
	enabled.Store(false)
}

func (st style) apply(s string) string {
	if s == "" || !Enabled() {
		return s
	}
	return string(st) + s + reset
}

// operationStyles colors an operation by what it did to the entity.
var operationStyles = map[string]style{
	"create": green,
	"update": yellow,
	"delete": red,
	"read":   dim,
}

// Operation colors an audit operation. Unknown operations stay plain.
func Operation(op string) string {
	if st, ok := operationStyles[op]; ok {
		return st.apply(op)
	}
	return op
}

func Success(s string) string { return green.apply(s) }
func Error(s string) string   { return red.apply(s) }
func Warning(s string) string { return yellow.apply(s) }
func Info(s string) string    { return cyan.apply(s) }

// EventID styles event and trace ids.
func EventID(s string) string { return cyan.apply(s) }

// Entity styles an entityType/entityId reference.
func Entity(s string) string { return blue.apply(s) }

func Header(s string) string { return bold.apply(s) }
func Dim(s string) string    { return dim.apply(s) }

// Code styles a command the user can run.
func Code(s string) string { return (bold + dim).apply(s) }
