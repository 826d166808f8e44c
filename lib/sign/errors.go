package sign

import (
	"fmt"
	"strings"
)

// SigningError reports a failed signing operation: missing private key,
// passphrase mismatch, or a failure to embed the signature.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("signing failed: %s", e.Reason)
}

func (e *SigningError) Unwrap() error { return e.Err }

// VerificationError summarizes the objects that failed verification. The
// full per-object report is returned alongside it; verification never stops
// at the first failure.
type VerificationError struct {
	ObjectIDs []string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for objects: %s", strings.Join(e.ObjectIDs, ", "))
}
