// Package paths centralizes the on-disk layout of capsule's persistent
// state: the OCI base-image cache under the data directory, and the key
// stores and remote endpoint config under the config directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

type Paths struct {
	dataDir   string
	configDir string
}

func New(dataDir, configDir string) *Paths {
	return &Paths{dataDir: dataDir, configDir: configDir}
}

// DataDir is the root for cache state that can be rebuilt at any time.
func (p *Paths) DataDir() string { return p.dataDir }

// ConfigDir is the root for state that must survive (keys, remotes).
func (p *Paths) ConfigDir() string { return p.configDir }

// OCICacheDir is the shared OCI layout holding pulled base images.
func (p *Paths) OCICacheDir() string { return filepath.Join(p.dataDir, "cache", "oci") }

// ScratchDir holds per-build temporary trees, removed after each run.
func (p *Paths) ScratchDir() string { return filepath.Join(p.dataDir, "scratch") }

// PublicKeyStore is the armored keyring of public keys.
func (p *Paths) PublicKeyStore() string {
	return filepath.Join(p.configDir, "keys", "public-key-store")
}

// PrivateKeyStore is the armored keyring of passphrase-protected private keys.
func (p *Paths) PrivateKeyStore() string {
	return filepath.Join(p.configDir, "keys", "private-key-store")
}

// RemotesConfig is the JSON file describing registry endpoints and tokens.
func (p *Paths) RemotesConfig() string { return filepath.Join(p.configDir, "remotes.json") }

// Ensure creates the directory skeleton. Key material directories are
// created owner-only.
func (p *Paths) Ensure() error {
	for _, dir := range []string{p.OCICacheDir(), p.ScratchDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(p.configDir, "keys"), 0700); err != nil {
		return fmt.Errorf("create key store dir: %w", err)
	}
	return nil
}
