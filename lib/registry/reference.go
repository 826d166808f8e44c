// Package registry publishes signed capsule archives to OCI registries
// under versioned references, and manages the configured registry
// endpoints.
package registry

import (
	"fmt"

	"github.com/distribution/reference"
)

// Reference is a validated, normalized registry reference in the
// namespace/collection/name:tag form. The registry host is not part of it;
// that comes from the configured remote endpoint.
type Reference struct {
	raw  string
	path string
	tag  string
}

// ParseReference validates and normalizes a user-provided reference.
// Examples:
//   - "mlopt/images/optimizer:1.2" stays as-is
//   - "mlopt/images/optimizer" gains ":latest"
func ParseReference(s string) (*Reference, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return nil, fmt.Errorf("parse reference %q: %w", s, err)
	}

	if _, ok := named.(reference.Canonical); ok {
		return nil, fmt.Errorf("digest references cannot be published to: %s", s)
	}

	ref := &Reference{path: reference.Path(named)}

	tagged := reference.TagNameOnly(named)
	if t, ok := tagged.(reference.Tagged); ok {
		ref.tag = t.Tag()
	}
	ref.raw = ref.path + ":" + ref.tag

	return ref, nil
}

// String returns the normalized reference without a registry host.
func (r *Reference) String() string { return r.raw }

// Path returns the repository path, e.g. "mlopt/images/optimizer".
func (r *Reference) Path() string { return r.path }

// Tag returns the version tag, ":latest" when none was given.
func (r *Reference) Tag() string { return r.tag }

// ForHost renders the full push target under a registry host.
func (r *Reference) ForHost(host string) string {
	return host + "/" + r.raw
}
