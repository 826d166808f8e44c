package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/capsulebuild/capsule/lib/definition"
	"github.com/capsulebuild/capsule/lib/sandbox"
)

// writeImageMeta lays out the sandbox's metadata directory: the original
// definition, a sourceable environment script, the runscript, and the image
// metadata record.
func writeImageMeta(target string, def *definition.Definition, meta *sandbox.ImageMeta) error {
	metaDir := filepath.Join(target, sandbox.MetaDir)
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(metaDir, sandbox.DefinitionFile), def.Raw, 0644); err != nil {
		return fmt.Errorf("write definition: %w", err)
	}

	if err := os.WriteFile(filepath.Join(metaDir, sandbox.EnvFile), envScript(meta.Env), 0755); err != nil {
		return fmt.Errorf("write env script: %w", err)
	}

	runscript := meta.Runscript
	if runscript == "" {
		runscript = "exec /bin/sh \"$@\""
	}
	script := "#!/bin/sh\n" + runscript + "\n"
	if err := os.WriteFile(filepath.Join(metaDir, sandbox.RunscriptFile), []byte(script), 0755); err != nil {
		return fmt.Errorf("write runscript: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal image metadata: %w", err)
	}

	// Temp file + rename, so a crashed build never leaves a half-written
	// metadata record.
	metaPath := filepath.Join(metaDir, sandbox.MetaFile)
	tempPath := metaPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp metadata: %w", err)
	}
	if err := os.Rename(tempPath, metaPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename metadata: %w", err)
	}

	return nil
}

// markComplete is the last act of a successful build.
func markComplete(target string) error {
	marker := filepath.Join(target, sandbox.MetaDir, sandbox.CompleteMarker)
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		return fmt.Errorf("write completeness marker: %w", err)
	}
	return nil
}

func envScript(env map[string]string) []byte {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	for _, key := range keys {
		fmt.Fprintf(&sb, "export %s=%q\n", key, env[key])
	}
	return []byte(sb.String())
}
