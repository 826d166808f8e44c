// Package definition loads declarative image definitions: the base image to
// start from, the install steps to run, and the environment, labels, and run
// command baked into the final image.
package definition

import "fmt"

// Definition is a parsed image definition. It is immutable once loaded; the
// build pipeline only ever reads it.
type Definition struct {
	// Bootstrap names the source the base image comes from. Only "docker"
	// (an OCI registry) is supported.
	Bootstrap string `json:"bootstrap"`

	// From is the base image reference, e.g. "almalinux:9.2".
	From string `json:"from"`

	// Post holds the install steps, run in order inside the sandbox.
	Post []string `json:"post,omitempty"`

	// Environment holds variables exported into every process run in the
	// image.
	Environment map[string]string `json:"environment,omitempty"`

	// Labels holds metadata key-value pairs (maintainer, version, ...).
	Labels map[string]string `json:"labels,omitempty"`

	// Runscript is the default command executed by the image.
	Runscript string `json:"runscript,omitempty"`

	// Test holds the smoke-test commands run against the built sandbox.
	Test []string `json:"test,omitempty"`

	// Raw is the original definition text, preserved so it can be embedded
	// in packaged images verbatim.
	Raw []byte `json:"-"`
}

// Validate checks the invariants a loadable definition must hold.
func (d *Definition) Validate() error {
	if d.From == "" {
		return &MalformedDefinitionError{Reason: "missing required header: From"}
	}
	switch d.Bootstrap {
	case "", "docker":
	default:
		return &MalformedDefinitionError{Reason: fmt.Sprintf("unsupported bootstrap agent: %s", d.Bootstrap)}
	}
	return nil
}
