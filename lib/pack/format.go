// Package pack freezes completed sandboxes into capsule archives: immutable
// single-file artifacts with a digest manifest, and reads them back for
// signing, verification, publishing, and execution.
package pack

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// FormatVersion is bumped when the archive layout changes incompatibly.
const FormatVersion = 1

// Object IDs inside a capsule archive. Every object is digested in the
// manifest and covered by the archive signature.
const (
	ObjectDefinition = "definition"
	ObjectMetadata   = "metadata"
	ObjectRootfs     = "rootfs"
)

// Tar entry names.
const (
	manifestEntry     = "manifest.json"
	signaturePrefix   = "signatures/"
	definitionEntry   = "objects/definition"
	metadataEntry     = "objects/metadata.json"
	rootfsEntry       = "objects/rootfs.tar.gz"
	signatureEntryExt = ".asc"
)

// Manifest is the first entry of a capsule archive. Its serialized bytes
// are the exact message detached signatures are made over.
type Manifest struct {
	Version    int                `json:"version"`
	BaseRef    string             `json:"base_ref"`
	BaseDigest string             `json:"base_digest"`
	CreatedAt  time.Time          `json:"created_at"`
	Objects    []ObjectDescriptor `json:"objects"`
}

// ObjectDescriptor records one object's location and content identity.
type ObjectDescriptor struct {
	ID     string        `json:"id"`
	Path   string        `json:"path"`
	Size   int64         `json:"size"`
	Digest digest.Digest `json:"digest"`
}

// Object returns the descriptor for id, or nil.
func (m *Manifest) Object(id string) *ObjectDescriptor {
	for i := range m.Objects {
		if m.Objects[i].ID == id {
			return &m.Objects[i]
		}
	}
	return nil
}

func objectEntryName(id string) string {
	switch id {
	case ObjectDefinition:
		return definitionEntry
	case ObjectMetadata:
		return metadataEntry
	case ObjectRootfs:
		return rootfsEntry
	default:
		return ""
	}
}
