package mission

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSpecFile reads and validates a mission spec from a YAML file.
func LoadSpecFile(path string) (MissionSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return MissionSpec{}, fmt.Errorf("read mission file: %w", err)
	}
	return ParseSpec(raw)
}

// ParseSpec decodes YAML (or JSON, which YAML subsumes) into a validated
// spec. Unknown fields are rejected so typos surface at load time.
func ParseSpec(raw []byte) (MissionSpec, error) {
	var spec MissionSpec
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil {
		return MissionSpec{}, fmt.Errorf("decode mission spec: %w", err)
	}
	if err := ValidateSpec(spec); err != nil {
		return MissionSpec{}, err
	}
	return spec, nil
}
