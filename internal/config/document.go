package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	bkerrors "bakery/internal/errors"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Document is one parsed configuration document. System defaults and project
// configuration files share the same shape; resolution merges a stack of
// documents in precedence order.
type Document struct {
	System struct {
		Image   string                   `yaml:"image"`
		Base    DependencySet            `yaml:"base"`
		Build   DependencySet            `yaml:"build"`
		Runtime map[string]DependencySet `yaml:"runtime"`
	} `yaml:"system"`

	Runtime        string        `yaml:"runtime"`
	PipConstraint  string        `yaml:"pip_constraint"`
	Volumes        []string      `yaml:"volumes"`
	Ports          []Port        `yaml:"ports"`
	Dependencies   DependencySet `yaml:"dependencies"`
	DockerPrefix   string        `yaml:"docker_image_prefix"`
	ImageBaseName  string        `yaml:"image_base_name"`
	EntrypointName string        `yaml:"entrypoint_name"`

	// Repositories maps a filesystem-safe name to its source line and
	// signing key.
	Repositories map[string]Repository `yaml:"repositories"`
}

// DefaultDocument returns the embedded system-tier defaults.
func DefaultDocument() (*Document, error) {
	return ParseDocument(defaultsYAML)
}

// ParseDocument decodes one configuration document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, bkerrors.Wrap(bkerrors.ErrorCodeInvalidConfig, "malformed configuration document", err)
	}
	return &doc, nil
}

// LoadDocument reads and decodes one configuration file.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.ErrorCodeInvalidConfig, fmt.Sprintf("reading config file %s", path), err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// merge applies src on top of dst: scalars override when set, lists append,
// the runtime table merges by key (src entries replace same-named ones).
// Repository names must stay unique across the whole stack.
func (dst *Document) merge(src *Document) error {
	if src.System.Image != "" {
		dst.System.Image = src.System.Image
	}
	dst.System.Base = append(dst.System.Base, src.System.Base...)
	dst.System.Build = append(dst.System.Build, src.System.Build...)
	if len(src.System.Runtime) > 0 {
		if dst.System.Runtime == nil {
			dst.System.Runtime = make(map[string]DependencySet)
		}
		for id, deps := range src.System.Runtime {
			dst.System.Runtime[id] = deps
		}
	}

	if src.Runtime != "" {
		dst.Runtime = src.Runtime
	}
	if src.PipConstraint != "" {
		dst.PipConstraint = src.PipConstraint
	}
	if src.DockerPrefix != "" {
		dst.DockerPrefix = src.DockerPrefix
	}
	if src.ImageBaseName != "" {
		dst.ImageBaseName = src.ImageBaseName
	}
	if src.EntrypointName != "" {
		dst.EntrypointName = src.EntrypointName
	}

	dst.Volumes = append(dst.Volumes, src.Volumes...)
	dst.Ports = append(dst.Ports, src.Ports...)
	dst.Dependencies = append(dst.Dependencies, src.Dependencies...)

	for name, repo := range src.Repositories {
		if _, exists := dst.Repositories[name]; exists {
			return bkerrors.Newf(bkerrors.ErrorCodeDuplicateRepository, "repository %q defined more than once", name)
		}
		if dst.Repositories == nil {
			dst.Repositories = make(map[string]Repository)
		}
		dst.Repositories[name] = repo
	}
	return nil
}
