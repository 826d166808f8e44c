package definition

import (
	"errors"
	"fmt"
)

var ErrEmptyDefinition = errors.New("definition file is empty")

// MalformedDefinitionError reports a definition that cannot be loaded:
// missing required sections, unknown section names, or unparseable lines.
type MalformedDefinitionError struct {
	Reason string
	Line   int // 1-based; 0 when the error is not tied to a line
}

func (e *MalformedDefinitionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed definition: %s (line %d)", e.Reason, e.Line)
	}
	return fmt.Sprintf("malformed definition: %s", e.Reason)
}
