// Package sandbox handles writable sandbox trees: opening them, running
// commands inside them, and smoke testing them before packaging.
package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MetaDir is the directory inside a sandbox rootfs holding capsule's image
// metadata.
const MetaDir = ".capsule.d"

// Files under MetaDir.
const (
	DefinitionFile = "definition"
	EnvFile        = "env.sh"
	RunscriptFile  = "runscript"
	MetaFile       = "image.json"
	CompleteMarker = "complete"
)

// ImageMeta describes how a sandbox was produced and what environment the
// packaged image should carry. Written once at the end of a successful
// build.
type ImageMeta struct {
	BuildID    string            `json:"build_id"`
	BaseRef    string            `json:"base_ref"`
	BaseDigest string            `json:"base_digest"`
	Env        map[string]string `json:"env,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Runscript  string            `json:"runscript,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Sandbox is a handle on a writable sandbox tree. It is exclusively owned
// by one build session until packaged.
type Sandbox struct {
	Dir  string
	Meta *ImageMeta
}

// Open validates dir as a completed sandbox and loads its metadata. A tree
// left behind by an aborted build has no completeness marker and is
// rejected.
func Open(dir string) (*Sandbox, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox: %w", err)
	}
	if !info.IsDir() {
		return nil, ErrNotASandbox
	}

	metaDir := filepath.Join(dir, MetaDir)
	if _, err := os.Stat(metaDir); err != nil {
		return nil, ErrNotASandbox
	}
	if _, err := os.Stat(filepath.Join(metaDir, CompleteMarker)); err != nil {
		return nil, ErrIncomplete
	}

	data, err := os.ReadFile(filepath.Join(metaDir, MetaFile))
	if err != nil {
		return nil, fmt.Errorf("read sandbox metadata: %w", err)
	}
	var meta ImageMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal sandbox metadata: %w", err)
	}

	return &Sandbox{Dir: dir, Meta: &meta}, nil
}

// Environ renders the sandbox's image environment as KEY=value pairs, for
// processes run inside it.
func (s *Sandbox) Environ() []string {
	env := make([]string, 0, len(s.Meta.Env)+1)
	for key, value := range s.Meta.Env {
		env = append(env, key+"="+value)
	}
	env = append(env, "PS1=capsule> ")
	return env
}
