// Package helpers is small utilities shared by config, events and daemon code.
package helpers

import (
	"strings"
	"time"

	"github.com/juju/errors"
)

// FoldErrors skips nil items. Single error is returned unchanged so Cause still works,
// several are joined one per line.
func FoldErrors(errs []error) error {
	var first error
	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		if e == nil {
			continue
		}
		if first == nil {
			first = e
		}
		lines = append(lines, e.Error())
	}
	switch len(lines) {
	case 0:
		return nil
	case 1:
		return first
	}
	return errors.New(strings.Join(lines, "\n"))
}

// IntSecondDefault converts config seconds, zero or negative selects def.
func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Second
}
