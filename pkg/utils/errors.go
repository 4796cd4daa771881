// Package utils holds small helpers shared across the engine.
package utils

import (
	"strconv"
	"strings"
)

// ErrArray bundles multiple errors into one.
type ErrArray struct {
	Errors []error
}

func (e ErrArray) Error() string {
	if len(e.Errors) == 0 {
		return "nil"
	}
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(e.Errors)))
	b.WriteString(" errors occurred:")
	for _, err := range e.Errors {
		b.WriteString("\n\t")
		b.WriteString(err.Error())
	}
	return b.String()
}

// ErrorList returns the bundled errors.
func (e ErrArray) ErrorList() []string {
	out := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		out = append(out, err.Error())
	}
	return out
}
