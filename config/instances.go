package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// InstanceSpec is one provisioned gateway instance from the instances file.
type InstanceSpec struct {
	Name           string   `yaml:"name"`
	WebhookURL     string   `yaml:"webhook_url"`
	Events         []string `yaml:"events"`
	DepartmentID   string   `yaml:"department_id"`
	DepartmentName string   `yaml:"department_name"`
}

type instancesFile struct {
	Instances []InstanceSpec `yaml:"instances"`
}

// LoadInstances reads the YAML provisioning file. An empty path yields no instances.
func LoadInstances(path string) ([]InstanceSpec, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instances file %s: %w", path, err)
	}
	return ParseInstances(raw)
}

// ParseInstances decodes provisioning YAML and validates instance names.
func ParseInstances(raw []byte) ([]InstanceSpec, error) {
	var file instancesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse instances file: %w", err)
	}

	seen := make(map[string]bool, len(file.Instances))
	for i := range file.Instances {
		spec := &file.Instances[i]
		spec.Name = strings.TrimSpace(spec.Name)
		if spec.Name == "" {
			return nil, fmt.Errorf("instance %d: name is required", i)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("instance %q: declared twice", spec.Name)
		}
		seen[spec.Name] = true
	}
	return file.Instances, nil
}
