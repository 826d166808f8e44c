package pack

import (
	"errors"
	"fmt"
)

var (
	ErrNotACapsule    = errors.New("not a capsule archive")
	ErrObjectNotFound = errors.New("object not found in archive")
)

// PackagingError reports a failed freeze of a sandbox into an archive. The
// final output path is never left with a partial file.
type PackagingError struct {
	Reason string
	Err    error
}

func (e *PackagingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("packaging failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("packaging failed: %s", e.Reason)
}

func (e *PackagingError) Unwrap() error { return e.Err }
