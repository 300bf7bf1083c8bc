// Package iox holds small cleanup helpers shared by the world transports,
// the session manager and tests.
package iox

import (
	"errors"
	"io"
)

// DiscardClose closes c and drops the error. For defers on connections
// that are already being torn down:
//
//	defer iox.DiscardClose(nc)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc adapts c for t.Cleanup.
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// CloseAll closes every non-nil closer in order, even after a failure,
// and joins the errors.
func CloseAll(closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
