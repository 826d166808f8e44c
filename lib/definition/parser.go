package definition

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Section names accepted in a definition file.
const (
	sectionPost        = "post"
	sectionEnvironment = "environment"
	sectionLabels      = "labels"
	sectionRunscript   = "runscript"
	sectionTest        = "test"
)

// ParseFile loads a definition from disk. Files ending in .yaml or .yml are
// parsed as the YAML form, everything else as the native definition format.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Parse(bytes.NewReader(data))
	}
}

// Parse reads the native definition format: `Key: value` header lines
// followed by %-prefixed sections.
//
//	Bootstrap: docker
//	From: almalinux:9.2
//
//	%post
//	    dnf install -y python3.11
//
//	%environment
//	    export PYTHONNOUSERSITE=1
//
//	%labels
//	    Maintainer ops@example.org
//
//	%runscript
//	    exec python3 /opt/run.py "$@"
//
//	%test
//	    python3 -c "import sklearn"
func Parse(r io.Reader) (*Definition, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyDefinition
	}

	def := &Definition{
		Environment: map[string]string{},
		Labels:      map[string]string{},
		Raw:         raw,
	}

	var (
		section   string
		script    []string // accumulates runscript lines
		inHeader  = true
		scanner   = bufio.NewScanner(bytes.NewReader(raw))
		lineIndex = 0
	)

	for scanner.Scan() {
		lineIndex++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if strings.HasPrefix(trimmed, "%") {
			name := strings.ToLower(strings.TrimPrefix(trimmed, "%"))
			switch name {
			case sectionPost, sectionEnvironment, sectionLabels, sectionRunscript, sectionTest:
				section = name
				inHeader = false
			default:
				return nil, &MalformedDefinitionError{Reason: fmt.Sprintf("unknown section %%%s", name), Line: lineIndex}
			}
			continue
		}

		if inHeader {
			key, value, ok := strings.Cut(trimmed, ":")
			if !ok {
				return nil, &MalformedDefinitionError{Reason: fmt.Sprintf("expected 'Key: value' header, got %q", trimmed), Line: lineIndex}
			}
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "bootstrap":
				def.Bootstrap = strings.TrimSpace(value)
			case "from":
				def.From = strings.TrimSpace(value)
			default:
				return nil, &MalformedDefinitionError{Reason: fmt.Sprintf("unknown header %q", strings.TrimSpace(key)), Line: lineIndex}
			}
			continue
		}

		switch section {
		case sectionPost:
			def.Post = append(def.Post, trimmed)
		case sectionTest:
			def.Test = append(def.Test, trimmed)
		case sectionRunscript:
			script = append(script, trimmed)
		case sectionEnvironment:
			assign := strings.TrimPrefix(trimmed, "export ")
			key, value, ok := strings.Cut(assign, "=")
			if !ok {
				return nil, &MalformedDefinitionError{Reason: fmt.Sprintf("expected KEY=value in %%environment, got %q", trimmed), Line: lineIndex}
			}
			def.Environment[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
		case sectionLabels:
			key, value, ok := strings.Cut(trimmed, " ")
			if !ok {
				return nil, &MalformedDefinitionError{Reason: fmt.Sprintf("expected 'Key value' in %%labels, got %q", trimmed), Line: lineIndex}
			}
			def.Labels[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan definition: %w", err)
	}

	def.Runscript = strings.Join(script, "\n")

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
