package definition

import (
	"bytes"
	"fmt"

	"github.com/ghodss/yaml"
)

// ParseYAML loads the YAML form of a definition. Field names follow the
// JSON tags on Definition:
//
//	bootstrap: docker
//	from: almalinux:9.2
//	post:
//	  - dnf install -y python3.11
//	environment:
//	  PYTHONNOUSERSITE: "1"
func ParseYAML(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyDefinition
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &MalformedDefinitionError{Reason: fmt.Sprintf("parse yaml: %v", err)}
	}
	def.Raw = data

	if def.Environment == nil {
		def.Environment = map[string]string{}
	}
	if def.Labels == nil {
		def.Labels = map[string]string{}
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}
