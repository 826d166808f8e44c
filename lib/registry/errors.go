package registry

import (
	"errors"
	"fmt"
)

var ErrRemoteNotFound = errors.New("remote not configured")

// PublishError reports a failed upload: network, auth, or registry errors.
type PublishError struct {
	Reason string
	Err    error
}

func (e *PublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("publish failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("publish failed: %s", e.Reason)
}

func (e *PublishError) Unwrap() error { return e.Err }

// TagConflictError is returned under the immutable tag policy when the tag
// already names different content.
type TagConflictError struct {
	Ref            string
	ExistingDigest string
	NewDigest      string
}

func (e *TagConflictError) Error() string {
	return fmt.Sprintf("tag %s already exists with digest %s (refusing to overwrite with %s)",
		e.Ref, e.ExistingDigest, e.NewDigest)
}
